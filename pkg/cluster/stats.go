package cluster

import (
	"context"

	"github.com/oceanbase/powermem-substrate/pkg/core"
	"github.com/oceanbase/powermem-substrate/pkg/storage"
)

// Statistics describe the clusters of a Manager.
type Statistics struct {
	Count    int     `json:"count"`
	MinSize  int     `json:"min_size"`
	MaxSize  int     `json:"max_size"`
	MeanSize float64 `json:"mean_size"`

	// SizeDistribution counts clusters per size bucket: "1", "2-5", "6-10",
	// "11-50" and "51+".
	SizeDistribution map[string]int `json:"size_distribution"`

	// Coverage is the fraction of eligible records (safe, with a vector) that
	// belong to at least one cluster.
	Coverage float64 `json:"coverage"`

	EligibleRecords  int `json:"eligible_records"`
	ClusteredRecords int `json:"clustered_records"`

	// AverageSafety is the mean of the clusters' average member safety.
	AverageSafety float64 `json:"average_safety"`

	DirtyClusters int `json:"dirty_clusters"`
}

func sizeBucket(n int) string {
	switch {
	case n <= 1:
		return "1"
	case n <= 5:
		return "2-5"
	case n <= 10:
		return "6-10"
	case n <= 50:
		return "11-50"
	default:
		return "51+"
	}
}

// Statistics computes cluster statistics. Coverage requires counting
// eligible records in the store.
func (m *Manager) Statistics(ctx context.Context) (Statistics, error) {
	stats := Statistics{SizeDistribution: make(map[string]int)}
	members := make(map[int64]bool)

	m.mu.RLock()
	var sizeSum int
	var safetySum float64
	for _, s := range m.clusters {
		size := s.cluster.Size()
		if stats.Count == 0 || size < stats.MinSize {
			stats.MinSize = size
		}
		if size > stats.MaxSize {
			stats.MaxSize = size
		}
		stats.Count++
		sizeSum += size
		safetySum += s.cluster.AverageSafety()
		stats.SizeDistribution[sizeBucket(size)]++
		if s.dirty() {
			stats.DirtyClusters++
		}
		for id := range s.cluster.Members {
			members[id] = true
		}
	}
	m.mu.RUnlock()

	if stats.Count > 0 {
		stats.MeanSize = float64(sizeSum) / float64(stats.Count)
		stats.AverageSafety = safetySum / float64(stats.Count)
	}

	cfg := m.config.Load()
	eligible := storage.CandidateFilter{MinSafetyScore: cfg.MinSafetyScore, RequireEmbedding: true}
	total, err := m.store.CountCandidates(ctx, eligible)
	if err != nil {
		return stats, core.NewMemoryError("cluster.Statistics", err)
	}
	stats.EligibleRecords = total

	if len(members) > 0 && total > 0 {
		eligible.IDs = make([]int64, 0, len(members))
		for id := range members {
			eligible.IDs = append(eligible.IDs, id)
		}
		clustered, err := m.store.CountCandidates(ctx, eligible)
		if err != nil {
			return stats, core.NewMemoryError("cluster.Statistics", err)
		}
		stats.ClusteredRecords = clustered
		stats.Coverage = float64(clustered) / float64(total)
	}
	return stats, nil
}
