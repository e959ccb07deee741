// Package storagetest holds the behaviour every storage.Store backend must share.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powermem-substrate/pkg/core"
	"github.com/oceanbase/powermem-substrate/pkg/storage"
)

// Dimensions is the embedding size used by the suite.
const Dimensions = 3

// Run exercises store against the RecordStore contract. The store must be
// empty; Run does not close it.
func Run(t *testing.T, store storage.Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	old := &storage.MemoryRecord{
		Content: "old", Category: core.CategoryEpisodic, Weight: 0.5, SafetyScore: 0.95,
		LastAccessedAt: base.Add(-30 * 24 * time.Hour), CreatedAt: base.Add(-60 * 24 * time.Hour),
		Embedding: []float64{1, 0, 0},
	}
	mid := &storage.MemoryRecord{
		Content: "mid", Category: core.CategorySemantic, Weight: 0.7, SafetyScore: 0.6,
		LastAccessedAt: base.Add(-5 * 24 * time.Hour), CreatedAt: base.Add(-60 * 24 * time.Hour),
		Embedding: []float64{0.8, 0.6, 0},
	}
	fresh := &storage.MemoryRecord{
		Content: "fresh", Category: core.CategoryWorking, Weight: 0.9, SafetyScore: 0.99,
		LastAccessedAt: base, CreatedAt: base,
	}
	for _, r := range []*storage.MemoryRecord{old, mid, fresh} {
		require.NoError(t, store.Insert(ctx, r))
		require.NotZero(t, r.ID)
	}

	t.Run("order and limit", func(t *testing.T) {
		recs, err := store.ReadCandidates(ctx, storage.CandidateFilter{}, storage.OrderLastAccessedAsc, 2)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, old.ID, recs[0].ID)
		assert.Equal(t, mid.ID, recs[1].ID)
		assert.Equal(t, []float64{1, 0, 0}, recs[0].Embedding)

		recs, err = store.ReadCandidates(ctx, storage.CandidateFilter{}, storage.OrderLastAccessedDesc, 1)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, fresh.ID, recs[0].ID)
		assert.Nil(t, recs[0].Embedding)
	})

	t.Run("filters", func(t *testing.T) {
		n, err := store.CountCandidates(ctx, storage.CandidateFilter{MinSafetyScore: 0.9})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = store.CountCandidates(ctx, storage.CandidateFilter{Categories: []string{core.CategorySemantic, core.CategoryWorking}})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = store.CountCandidates(ctx, storage.CandidateFilter{AccessedAfter: base.Add(-7 * 24 * time.Hour), RequireEmbedding: true})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("vector distance", func(t *testing.T) {
		matches, err := store.VectorDistanceQuery(ctx, []float64{1, 0, 0}, 0.5, 10)
		require.NoError(t, err)
		require.Len(t, matches, 2)
		assert.Equal(t, old.ID, matches[0].ID)
		assert.InDelta(t, 1.0, matches[0].Similarity, 1e-6)
		assert.Equal(t, mid.ID, matches[1].ID)
		assert.InDelta(t, 0.8, matches[1].Similarity, 1e-6)
	})

	t.Run("updates", func(t *testing.T) {
		require.NoError(t, store.UpdateWeight(ctx, mid.ID, 0.25))
		require.NoError(t, store.RecordAccess(ctx, old.ID, 0.6, base.Add(time.Hour)))

		recs, err := store.ReadCandidates(ctx, storage.CandidateFilter{IDs: []int64{old.ID, mid.ID}}, storage.OrderLastAccessedAsc, 0)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, mid.ID, recs[0].ID)
		assert.InDelta(t, 0.25, recs[0].Weight, 1e-9)
		assert.InDelta(t, 0.6, recs[1].Weight, 1e-9)
		assert.Equal(t, 1, recs[1].AccessCount)
		assert.True(t, base.Add(time.Hour).Equal(recs[1].LastAccessedAt))
	})

	t.Run("membership", func(t *testing.T) {
		require.NoError(t, store.UpdateClusterMembership(ctx, 42, old.ID, 0.9))
		require.NoError(t, store.UpdateClusterMembership(ctx, 42, mid.ID, 0.7))
		require.NoError(t, store.UpdateClusterMembership(ctx, 42, mid.ID, 0.75))

		members, err := store.ClusterMemberships(ctx, 42)
		require.NoError(t, err)
		assert.Len(t, members, 2)

		require.NoError(t, store.RemoveClusterMembership(ctx, 42, old.ID))
		require.NoError(t, store.RemoveClusterMembership(ctx, 42, old.ID))
		members, err = store.ClusterMemberships(ctx, 42)
		require.NoError(t, err)
		require.Len(t, members, 1)
		assert.InDelta(t, 0.75, members[0].Score, 1e-9)
	})

	t.Run("soft delete", func(t *testing.T) {
		require.NoError(t, store.SoftDelete(ctx, mid.ID))

		assert.ErrorIs(t, store.SoftDelete(ctx, mid.ID), core.ErrNotFound)
		assert.ErrorIs(t, store.UpdateWeight(ctx, mid.ID, 1), core.ErrNotFound)
		assert.ErrorIs(t, store.RecordAccess(ctx, mid.ID, 1, base), core.ErrNotFound)
		assert.ErrorIs(t, store.UpdateClusterMembership(ctx, 42, mid.ID, 1), core.ErrNotFound)

		n, err := store.CountCandidates(ctx, storage.CandidateFilter{})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		matches, err := store.VectorDistanceQuery(ctx, []float64{1, 0, 0}, 0.5, 10)
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, old.ID, matches[0].ID)
	})

	t.Run("unknown id", func(t *testing.T) {
		assert.ErrorIs(t, store.UpdateWeight(ctx, 987654321, 0.5), core.ErrNotFound)
	})
}
