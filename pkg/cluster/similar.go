package cluster

import (
	"context"
	"fmt"
	"sort"

	"github.com/oceanbase/powermem-substrate/pkg/core"
	"github.com/oceanbase/powermem-substrate/pkg/storage"
	"github.com/oceanbase/powermem-substrate/pkg/vector"
)

// Recommendation is a cluster a record would fit into.
type Recommendation struct {
	ClusterID int64   `json:"cluster_id"`
	Name      string  `json:"name"`
	Fit       float64 `json:"fit"`
}

// FindSimilar returns records whose vectors are at least threshold similar
// to the vector of recordID, most similar first. The source record is never
// part of the result.
//
// Returns core.ErrNotFound for unknown records and an empty result for
// records without a vector.
func (m *Manager) FindSimilar(ctx context.Context, recordID int64, threshold float64, maxResults int) ([]storage.VectorMatch, error) {
	if threshold < -1 || threshold > 1 || maxResults < 0 {
		return nil, core.NewMemoryError("cluster.FindSimilar", fmt.Errorf("%w: threshold %v, max results %d", core.ErrInvalidInput, threshold, maxResults))
	}
	source, err := m.sourceRecord(ctx, "cluster.FindSimilar", recordID)
	if err != nil || source == nil || maxResults == 0 {
		return nil, err
	}

	matches, err := m.store.VectorDistanceQuery(ctx, source.Embedding, threshold, maxResults+1)
	if err != nil {
		return nil, core.NewMemoryError("cluster.FindSimilar", err)
	}

	out := make([]storage.VectorMatch, 0, len(matches))
	for _, match := range matches {
		if match.ID == recordID {
			continue
		}
		out = append(out, match)
	}
	storage.SortMatches(out)
	if len(out) > maxResults {
		out = out[:maxResults]
	}
	return out, nil
}

// RecommendClusters ranks clusters by the cosine similarity between their
// centroid and the vector of recordID.
//
// Clusters are skipped when they have no centroid, are full
// (MaxClusterSize), fall below the safety floor, already contain the record,
// or fit worse than MinFitScore.
func (m *Manager) RecommendClusters(ctx context.Context, recordID int64, maxRecommendations int) ([]Recommendation, error) {
	if maxRecommendations < 0 {
		return nil, core.NewMemoryError("cluster.RecommendClusters", fmt.Errorf("%w: max recommendations %d", core.ErrInvalidInput, maxRecommendations))
	}
	source, err := m.sourceRecord(ctx, "cluster.RecommendClusters", recordID)
	if err != nil || source == nil || maxRecommendations == 0 {
		return nil, err
	}

	cfg := m.config.Load()
	var out []Recommendation

	m.mu.RLock()
	for _, s := range m.clusters {
		c := &s.cluster
		if len(c.Centroid) == 0 || len(c.Centroid) != len(source.Embedding) {
			continue
		}
		if cfg.MaxClusterSize > 0 && c.Size() >= cfg.MaxClusterSize {
			continue
		}
		if c.AverageSafety() < cfg.MinSafetyScore {
			continue
		}
		if _, member := c.Members[recordID]; member {
			continue
		}
		fit := vector.CosineSimilarity(source.Embedding, c.Centroid)
		if fit < cfg.MinFitScore {
			continue
		}
		out = append(out, Recommendation{ClusterID: c.ID, Name: c.Name, Fit: fit})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Fit != out[j].Fit {
			return out[i].Fit > out[j].Fit
		}
		return out[i].ClusterID < out[j].ClusterID
	})
	if len(out) > maxRecommendations {
		out = out[:maxRecommendations]
	}
	return out, nil
}

// sourceRecord loads a record for a similarity query. It returns nil without
// error when the record has no vector.
func (m *Manager) sourceRecord(ctx context.Context, op string, id int64) (*storage.MemoryRecord, error) {
	r, err := m.readRecord(ctx, id)
	if err != nil {
		return nil, core.NewMemoryError(op, err)
	}
	if r == nil {
		return nil, core.NewMemoryError(op, fmt.Errorf("record %d: %w", id, core.ErrNotFound))
	}
	if len(r.Embedding) == 0 {
		return nil, nil
	}
	return r, nil
}
