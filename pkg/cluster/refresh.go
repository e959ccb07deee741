package cluster

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/oceanbase/powermem-substrate/pkg/core"
	"github.com/oceanbase/powermem-substrate/pkg/storage"
	"github.com/oceanbase/powermem-substrate/pkg/vector"
)

// RefreshCentroids recomputes the centroid of every cluster whose membership
// changed since its last refresh.
//
// A centroid is the average of the member vectors weighted by membership
// score. If a cluster's membership changes while its centroid is being
// computed, the result is discarded and the cluster stays dirty for the next
// refresh. Per-cluster failures are logged and joined into the returned
// error; the remaining clusters are still refreshed.
//
// Returns the number of clusters whose centroid was updated.
func (m *Manager) RefreshCentroids(ctx context.Context) (int, error) {
	m.mu.RLock()
	ids := make([]int64, 0)
	for id, s := range m.clusters {
		if s.dirty() {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	refreshed := 0
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return refreshed, err
		}
		ok, err := m.refreshOne(ctx, id)
		if err != nil {
			m.logger.Warn("cluster: centroid refresh failed", "cluster", id, "err", err)
			errs = append(errs, err)
			continue
		}
		if ok {
			refreshed++
		}
	}

	if refreshed > 0 {
		m.logger.Debug("cluster: refreshed centroids", "count", refreshed)
	}
	if len(errs) > 0 {
		return refreshed, core.NewMemoryError("cluster.RefreshCentroids", errors.Join(errs...))
	}
	return refreshed, nil
}

// refreshOne recomputes one centroid. It reports false when the cluster was
// deleted or changed during the computation.
func (m *Manager) refreshOne(ctx context.Context, id int64) (bool, error) {
	m.mu.RLock()
	s, ok := m.clusters[id]
	if !ok {
		m.mu.RUnlock()
		return false, nil
	}
	version := s.version
	weights := make(map[int64]float64, len(s.cluster.Members))
	for rid, member := range s.cluster.Members {
		weights[rid] = member.Score
	}
	m.mu.RUnlock()

	centroid, err := m.centroidOf(ctx, weights)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok = m.clusters[id]
	if !ok || s.version != version {
		return false, nil
	}
	s.cluster.Centroid = centroid
	s.refreshed = version
	return true, nil
}

// centroidOf reads the vectors of the given records and returns their
// weighted centroid, or nil when none of them has a vector. Vectors whose
// dimensionality differs from the first one found are skipped.
func (m *Manager) centroidOf(ctx context.Context, weights map[int64]float64) ([]float64, error) {
	if len(weights) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(weights))
	for id := range weights {
		ids = append(ids, id)
	}

	records, err := m.store.ReadCandidates(ctx, storage.CandidateFilter{IDs: ids, RequireEmbedding: true}, storage.OrderLastAccessedDesc, 0)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	var (
		vectors [][]float64
		ws      []float64
	)
	for _, r := range records {
		if len(vectors) > 0 && len(r.Embedding) != len(vectors[0]) {
			m.logger.Warn("cluster: skipping member with mismatched dimensions", "id", r.ID)
			continue
		}
		vectors = append(vectors, r.Embedding)
		ws = append(ws, weights[r.ID])
	}
	if len(vectors) == 0 {
		return nil, nil
	}
	return vector.WeightedCentroid(vectors, ws)
}

// StartRefreshTimer refreshes dirty centroids every interval until ctx is
// done. The returned channel is closed when the goroutine exits.
func (m *Manager) StartRefreshTimer(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if interval <= 0 {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// failures are logged per cluster
				_, _ = m.RefreshCentroids(ctx)
			}
		}
	}()
	return done
}
