package cluster

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/oceanbase/powermem-substrate/pkg/core"
	"github.com/oceanbase/powermem-substrate/pkg/storage"
	"github.com/oceanbase/powermem-substrate/pkg/vector"
)

const (
	defaultMinClusterSize = 2
	defaultMaxClusters    = 10
	defaultMaxCandidates  = 500
)

// AutoOptions parameterize an automatic clustering pass.
type AutoOptions struct {
	// MinClusterSize discards smaller groups. Zero means 2.
	MinClusterSize int

	// MaxClusters stops merging once this many groups remain. Zero means 10.
	MaxClusters int

	// Category restricts candidates to one record category. Empty means all.
	Category string
}

// Report summarizes an automatic clustering pass.
type Report struct {
	ClustersCreated   int           `json:"clusters_created"`
	ClustersUpdated   int           `json:"clusters_updated"`
	MemoriesClustered int           `json:"memories_clustered"`
	Candidates        int           `json:"candidates"`
	ProcessingTime    time.Duration `json:"processing_time"`

	// QualityScore in [0,1] combines average safety, average cluster size and
	// cluster count.
	QualityScore float64 `json:"quality_score"`

	ClusterIDs []int64 `json:"cluster_ids"`
}

// group is one retained result of agglomeration.
type group struct {
	records  []*storage.MemoryRecord
	centroid []float64
	scores   []float64
}

// AutoCluster groups recent, safe records into auto clusters.
//
// Up to MaxCandidates records with a vector and a safety score at or above
// the configured minimum are read, most recently used first, and grouped by
// Agglomerate, which stops merging at MaxClusters groups or when no pair of
// groups is within 1 - SimilarityThreshold. Groups smaller than
// MinClusterSize are then discarded and the rest are kept, largest first.
//
// For each kept group the centroid is the average of the member vectors
// weighted by their fit (cosine similarity, clamped to [0,1]) to the plain
// mean, and each member's score is its similarity to that centroid. A group
// whose centroid is at least SimilarityThreshold similar to an existing auto
// cluster of the same category is merged into it; otherwise a new cluster is
// created.
//
// Candidates are read once; membership changes made by other callers during
// the pass may be overwritten.
func (m *Manager) AutoCluster(ctx context.Context, opts AutoOptions) (*Report, error) {
	start := m.now()
	if opts.MinClusterSize < 0 || opts.MaxClusters < 0 {
		return nil, core.NewMemoryError("cluster.AutoCluster", fmt.Errorf("%w: negative cluster size or count", core.ErrInvalidInput))
	}
	if opts.MinClusterSize == 0 {
		opts.MinClusterSize = defaultMinClusterSize
	}
	if opts.MaxClusters == 0 {
		opts.MaxClusters = defaultMaxClusters
	}
	cfg := m.config.Load()

	candidates, err := m.candidates(ctx, cfg, opts.Category)
	if err != nil {
		return nil, core.NewMemoryError("cluster.AutoCluster", err)
	}

	report := &Report{Candidates: len(candidates)}
	if len(candidates) < 2 || len(candidates) < opts.MinClusterSize {
		report.ProcessingTime = m.now().Sub(start)
		return report, nil
	}

	vectors := make([][]float64, len(candidates))
	for i, r := range candidates {
		vectors[i] = r.Embedding
	}
	indexGroups := Agglomerate(vectors, 1-cfg.SimilarityThreshold, opts.MaxClusters)

	kept := make([][]int, 0, len(indexGroups))
	for _, g := range indexGroups {
		if len(g) >= opts.MinClusterSize {
			kept = append(kept, g)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return len(kept[i]) > len(kept[j]) })

	claimed := make(map[int64]bool)
	var safetySum float64
	for _, idx := range kept {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		g, err := buildGroup(candidates, idx)
		if err != nil {
			return nil, core.NewMemoryError("cluster.AutoCluster", err)
		}

		id, created, err := m.persistGroup(ctx, cfg, opts.Category, g, claimed)
		if err != nil {
			return nil, core.NewMemoryError("cluster.AutoCluster", err)
		}
		claimed[id] = true
		if created {
			report.ClustersCreated++
		} else {
			report.ClustersUpdated++
		}
		report.ClusterIDs = append(report.ClusterIDs, id)
		report.MemoriesClustered += len(g.records)

		if c, ok := m.Cluster(id); ok {
			safetySum += c.AverageSafety()
		}
	}

	count := report.ClustersCreated + report.ClustersUpdated
	if count > 0 {
		avgSafety := safetySum / float64(count)
		avgSize := float64(report.MemoriesClustered) / float64(count)
		report.QualityScore = qualityScore(avgSafety, avgSize, count, opts.MaxClusters)
	}
	report.ProcessingTime = m.now().Sub(start)

	m.logger.Info("cluster: auto clustering complete",
		"candidates", report.Candidates,
		"created", report.ClustersCreated,
		"updated", report.ClustersUpdated,
		"clustered", report.MemoriesClustered,
		"quality", report.QualityScore,
	)
	return report, nil
}

// candidates reads the records eligible for clustering. Records whose vector
// dimensionality differs from the most recently used one are dropped.
func (m *Manager) candidates(ctx context.Context, cfg *core.ClusterConfig, category string) ([]*storage.MemoryRecord, error) {
	filter := storage.CandidateFilter{
		MinSafetyScore:   cfg.MinSafetyScore,
		RequireEmbedding: true,
	}
	if category != "" {
		filter.Categories = []string{category}
	}
	limit := cfg.MaxCandidates
	if limit == 0 {
		limit = defaultMaxCandidates
	}

	records, err := m.store.ReadCandidates(ctx, filter, storage.OrderLastAccessedDesc, limit)
	if err != nil {
		return nil, err
	}

	out := records[:0]
	for _, r := range records {
		if len(out) > 0 && len(r.Embedding) != len(out[0].Embedding) {
			m.logger.Warn("cluster: skipping candidate with mismatched dimensions", "id", r.ID)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func buildGroup(candidates []*storage.MemoryRecord, idx []int) (*group, error) {
	g := &group{records: make([]*storage.MemoryRecord, len(idx))}
	vectors := make([][]float64, len(idx))
	for i, k := range idx {
		g.records[i] = candidates[k]
		vectors[i] = candidates[k].Embedding
	}

	mean, err := vector.Mean(vectors)
	if err != nil {
		return nil, err
	}
	fits := make([]float64, len(vectors))
	for i, v := range vectors {
		fits[i] = vector.Clamp01(vector.CosineSimilarity(v, mean))
	}
	if g.centroid, err = vector.WeightedCentroid(vectors, fits); err != nil {
		return nil, err
	}

	g.scores = make([]float64, len(vectors))
	for i, v := range vectors {
		g.scores[i] = vector.Clamp01(vector.CosineSimilarity(v, g.centroid))
	}
	return g, nil
}

// persistGroup stores g as a new auto cluster, or merges it into the most
// similar existing auto cluster of the same category not yet claimed by this
// pass. It returns the cluster id and whether the cluster was created.
func (m *Manager) persistGroup(ctx context.Context, cfg *core.ClusterConfig, category string, g *group, claimed map[int64]bool) (int64, bool, error) {
	target, found := m.matchExisting(cfg, category, g.centroid, claimed)
	created := false
	if !found {
		label := category
		if label == "" {
			label = "all"
		}
		c, err := m.create(fmt.Sprintf("auto-%s-%d", label, len(claimed)+1), TypeAuto, category)
		if err != nil {
			return 0, false, err
		}
		target = c.ID
		created = true
	}

	now := m.now()
	added := make(map[int64]Member, len(g.records))
	for i, r := range g.records {
		if err := m.store.UpdateClusterMembership(ctx, target, r.ID, g.scores[i]); err != nil {
			m.logger.Warn("cluster: failed to persist membership", "cluster", target, "id", r.ID, "err", err)
			continue
		}
		added[r.ID] = Member{RecordID: r.ID, Score: g.scores[i], SafetyScore: r.SafetyScore, JoinedAt: now}
	}

	m.mu.Lock()
	s, ok := m.clusters[target]
	if ok {
		for id, member := range added {
			if prev, exists := s.cluster.Members[id]; exists {
				member.JoinedAt = prev.JoinedAt
			}
			s.cluster.Members[id] = member
		}
		s.touch(now)
		if created {
			s.cluster.Centroid = g.centroid
			if len(added) == len(g.records) {
				s.refreshed = s.version
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return 0, false, clusterNotFound("cluster.AutoCluster", target)
	}

	if !created {
		if _, err := m.refreshOne(ctx, target); err != nil {
			m.logger.Warn("cluster: centroid refresh failed", "cluster", target, "err", err)
		}
	}
	return target, created, nil
}

func (m *Manager) matchExisting(cfg *core.ClusterConfig, category string, centroid []float64, claimed map[int64]bool) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		bestID  int64
		bestSim = math.Inf(-1)
	)
	for id, s := range m.clusters {
		c := &s.cluster
		if c.Type != TypeAuto || c.Category != category || claimed[id] {
			continue
		}
		if len(c.Centroid) != len(centroid) {
			continue
		}
		sim := vector.CosineSimilarity(c.Centroid, centroid)
		if sim < cfg.SimilarityThreshold {
			continue
		}
		if sim > bestSim || (sim == bestSim && id < bestID) {
			bestID, bestSim = id, sim
		}
	}
	return bestID, !math.IsInf(bestSim, -1)
}

func qualityScore(avgSafety, avgSize float64, count, maxClusters int) float64 {
	size := math.Min(1, avgSize/10)
	coverage := math.Min(1, float64(count)/float64(maxClusters))
	return vector.Clamp01(0.5*avgSafety + 0.3*size + 0.2*coverage)
}
