package cluster_test

import (
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powermem-substrate/pkg/cluster"
	"github.com/oceanbase/powermem-substrate/pkg/core"
	"github.com/oceanbase/powermem-substrate/pkg/safety"
	"github.com/oceanbase/powermem-substrate/pkg/storage"
	"github.com/oceanbase/powermem-substrate/pkg/storage/memory"
)

var now = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func rec(id int64, safetyScore float64, embedding ...float64) *storage.MemoryRecord {
	return &storage.MemoryRecord{
		ID:             id,
		Content:        "note",
		Category:       core.CategorySemantic,
		Weight:         0.8,
		SafetyScore:    safetyScore,
		LastAccessedAt: now.Add(-time.Duration(id) * time.Hour),
		Embedding:      embedding,
	}
}

func newStore(t *testing.T, records ...*storage.MemoryRecord) *memory.Store {
	t.Helper()
	s, err := memory.New(memory.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	for _, r := range records {
		require.NoError(t, s.Insert(context.Background(), r))
	}
	return s
}

func newManager(t *testing.T, store storage.RecordStore, opts ...cluster.Option) *cluster.Manager {
	t.Helper()
	opts = append([]cluster.Option{
		cluster.WithClock(func() time.Time { return now }),
		cluster.WithLogger(log.New(io.Discard)),
	}, opts...)
	m, err := cluster.New(store, core.DefaultConfig().Cluster, opts...)
	require.NoError(t, err)
	return m
}

// nearX are three records with cosine similarity above 0.99.
func nearX() []*storage.MemoryRecord {
	return []*storage.MemoryRecord{
		rec(1, 0.9, 1, 0, 0),
		rec(2, 0.9, 0.99, 0.01, 0),
		rec(3, 0.9, 0.98, 0.02, 0.01),
	}
}

func TestNewValidation(t *testing.T) {
	_, err := cluster.New(nil, core.DefaultConfig().Cluster)
	assert.ErrorIs(t, err, core.ErrInvalidConfig)

	cfg := core.DefaultConfig().Cluster
	cfg.SimilarityThreshold = 1.5
	_, err = cluster.New(newStore(t), cfg)
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}

func TestAgglomerate(t *testing.T) {
	vectors := [][]float64{
		{1, 0, 0},
		{0, 0, 1},
		{0.99, 0.01, 0},
		{0.98, 0.02, 0.01},
		{0, 0.01, 0.99},
		{0, 1, 0},
	}
	n := len(vectors)
	groups := cluster.Agglomerate(vectors, 0.25, n)
	assert.Equal(t, [][]int{{0, 2, 3}, {1, 4}, {5}}, groups)

	assert.Equal(t, [][]int{{0, 1, 2, 3, 4, 5}}, cluster.Agglomerate(vectors, 2, n))
	assert.Len(t, cluster.Agglomerate(vectors, -1, n), n)
	assert.Equal(t, [][]int{{0}}, cluster.Agglomerate(vectors[:1], 0.25, n))
	assert.Nil(t, cluster.Agglomerate(nil, 0.25, n))
}

func TestAgglomerateMaxClusters(t *testing.T) {
	vectors := [][]float64{
		{1, 0, 0},
		{0, 0, 1},
		{0.99, 0.01, 0},
		{0.98, 0.02, 0.01},
		{0, 0.01, 0.99},
		{0, 1, 0},
	}

	// The count stops merging before the distance limit does.
	assert.Equal(t, [][]int{{0, 2, 3, 5}, {1, 4}}, cluster.Agglomerate(vectors, 2, 2))
	assert.Equal(t, [][]int{{0, 1, 2, 3, 4, 5}}, cluster.Agglomerate(vectors, 2, 0))

	// The distance limit stops merging before the count is reached.
	assert.Equal(t, [][]int{{0, 2, 3}, {1, 4}, {5}}, cluster.Agglomerate(vectors, 0.25, 2))

	// Nothing to merge when the input already fits.
	assert.Len(t, cluster.Agglomerate(vectors[:2], 2, 2), 2)
}

func TestAgglomerateZeroVectors(t *testing.T) {
	groups := cluster.Agglomerate([][]float64{{0, 0}, {0, 0}, {1, 0}}, 0.5, 3)
	assert.Len(t, groups, 3, "zero vectors have similarity 0 to everything")
}

func TestAutoClusterNearIdentical(t *testing.T) {
	store := newStore(t, nearX()...)
	m := newManager(t, store)
	ctx := context.Background()

	report, err := m.AutoCluster(ctx, cluster.AutoOptions{MinClusterSize: 2, MaxClusters: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, report.ClustersCreated)
	assert.Zero(t, report.ClustersUpdated)
	assert.Equal(t, 3, report.MemoriesClustered)
	assert.Equal(t, 3, report.Candidates)
	assert.InDelta(t, 0.5*0.9+0.3*0.3+0.2*1, report.QualityScore, 1e-9)

	clusters := m.Clusters()
	require.Len(t, clusters, 1)
	c := clusters[0]
	assert.Equal(t, cluster.TypeAuto, c.Type)
	assert.Len(t, c.Members, 3)
	assert.Len(t, c.Centroid, 3)
	for _, member := range c.Members {
		assert.Greater(t, member.Score, 0.99)
		assert.LessOrEqual(t, member.Score, 1.0)
	}

	stored, err := store.ClusterMemberships(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestAutoClusterSingleRecord(t *testing.T) {
	m := newManager(t, newStore(t, rec(1, 0.9, 1, 0)))
	report, err := m.AutoCluster(context.Background(), cluster.AutoOptions{MinClusterSize: 1})
	require.NoError(t, err)
	assert.Zero(t, report.ClustersCreated)
	assert.Empty(t, m.Clusters())
}

func TestAutoClusterMinSizeAndMaxClusters(t *testing.T) {
	records := append(nearX(),
		rec(4, 0.9, 0, 1, 0),
		rec(5, 0.9, 0.01, 0.99, 0),
		rec(6, 0.9, 0, 0, 1),
	)
	ctx := context.Background()

	m := newManager(t, newStore(t, records...))
	report, err := m.AutoCluster(ctx, cluster.AutoOptions{MinClusterSize: 3, MaxClusters: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, report.ClustersCreated)
	for _, c := range m.Clusters() {
		assert.GreaterOrEqual(t, len(c.Members), 3)
	}

	// The threshold stops merging at three groups, above MaxClusters. No
	// group is dropped for count alone.
	m = newManager(t, newStore(t, records...))
	report, err = m.AutoCluster(ctx, cluster.AutoOptions{MinClusterSize: 2, MaxClusters: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, report.ClustersCreated)
	assert.Equal(t, 5, report.MemoriesClustered)

	m = newManager(t, newStore(t, records...))
	report, err = m.AutoCluster(ctx, cluster.AutoOptions{MinClusterSize: 2, MaxClusters: 3})
	require.NoError(t, err)
	assert.Equal(t, 2, report.ClustersCreated)
	assert.Equal(t, 5, report.MemoriesClustered)

	// Six candidates already fit within the default of ten clusters, so
	// nothing is merged and every singleton is discarded.
	m = newManager(t, newStore(t, records...))
	report, err = m.AutoCluster(ctx, cluster.AutoOptions{MinClusterSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 6, report.Candidates)
	assert.Zero(t, report.ClustersCreated)
	assert.Zero(t, report.MemoriesClustered)
}

func TestAutoClusterStopsAtMaxClusters(t *testing.T) {
	// Two tight pairs whose members are about 0.8 similar across pairs.
	records := []*storage.MemoryRecord{
		rec(1, 0.9, 1, 0, 0),
		rec(2, 0.9, 0.999, 0, 0.045),
		rec(3, 0.9, 0.8, 0.6, 0),
		rec(4, 0.9, 0.799, 0.6, 0.045),
	}
	ctx := context.Background()

	m := newManager(t, newStore(t, records...))
	report, err := m.AutoCluster(ctx, cluster.AutoOptions{MinClusterSize: 2, MaxClusters: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, report.ClustersCreated)
	assert.Equal(t, 4, report.MemoriesClustered)

	clusters := m.Clusters()
	require.Len(t, clusters, 2)
	members := make([][]int64, 0, len(clusters))
	for _, c := range clusters {
		ids := make([]int64, 0, len(c.Members))
		for id := range c.Members {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		members = append(members, ids)
	}
	assert.ElementsMatch(t, [][]int64{{1, 2}, {3, 4}}, members)

	// With room for one cluster the two pairs merge, being within the threshold.
	m = newManager(t, newStore(t, records...))
	report, err = m.AutoCluster(ctx, cluster.AutoOptions{MinClusterSize: 2, MaxClusters: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, report.ClustersCreated)
	assert.Equal(t, 4, report.MemoriesClustered)
}

func TestAutoClusterFilters(t *testing.T) {
	records := []*storage.MemoryRecord{
		rec(1, 0.9, 1, 0),
		rec(2, 0.5, 1, 0), // below safety floor
		rec(3, 0.9, 0.99, 0.01),
		rec(4, 0.9), // no vector
	}
	records[2].Category = core.CategoryEpisodic
	ctx := context.Background()

	m := newManager(t, newStore(t, records...))
	report, err := m.AutoCluster(ctx, cluster.AutoOptions{MaxClusters: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Candidates)
	assert.Equal(t, 1, report.ClustersCreated)

	m = newManager(t, newStore(t, records...))
	report, err = m.AutoCluster(ctx, cluster.AutoOptions{Category: core.CategorySemantic, MaxClusters: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Candidates)
	assert.Zero(t, report.ClustersCreated)

	_, err = m.AutoCluster(ctx, cluster.AutoOptions{MinClusterSize: -1})
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestAutoClusterUpdatesExisting(t *testing.T) {
	store := newStore(t, nearX()...)
	m := newManager(t, store)
	ctx := context.Background()

	_, err := m.AutoCluster(ctx, cluster.AutoOptions{MaxClusters: 1})
	require.NoError(t, err)

	require.NoError(t, store.Insert(ctx, rec(7, 0.9, 0.97, 0.03, 0)))
	report, err := m.AutoCluster(ctx, cluster.AutoOptions{MaxClusters: 1})
	require.NoError(t, err)
	assert.Zero(t, report.ClustersCreated)
	assert.Equal(t, 1, report.ClustersUpdated)

	clusters := m.Clusters()
	require.Len(t, clusters, 1)
	assert.Len(t, clusters[0].Members, 4)
}

func TestCreateClusterAndMembers(t *testing.T) {
	store := newStore(t, append(nearX(), rec(4, 0.5, 1, 0, 0), rec(5, 0.9, 1, 0))...)
	m := newManager(t, store)
	ctx := context.Background()

	c, err := m.CreateCluster(ctx, "", "", cluster.MemberScore{RecordID: 1, Score: 1}, cluster.MemberScore{RecordID: 4, Score: 1})
	require.NoError(t, err)
	assert.Equal(t, cluster.TypeManual, c.Type)
	assert.NotEmpty(t, c.Name)
	assert.Len(t, c.Members, 1, "unsafe initial member is skipped")
	assert.Equal(t, []float64{1, 0, 0}, c.Centroid)

	added, err := m.AddMember(ctx, c.ID, 2, 0.8)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = m.AddMember(ctx, c.ID, 4, 0.8)
	require.NoError(t, err)
	assert.False(t, added, "below safety floor")

	added, err = m.AddMember(ctx, c.ID, 99, 0.8)
	require.NoError(t, err)
	assert.False(t, added, "unknown record")

	_, err = m.AddMember(ctx, c.ID, 5, 0.8)
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)

	_, err = m.AddMember(ctx, 12345, 2, 0.8)
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = m.AddMember(ctx, c.ID, 2, 1.5)
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = m.CreateCluster(ctx, "x", cluster.Type("bogus"))
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	got, ok := m.Cluster(c.ID)
	require.True(t, ok)
	assert.Len(t, got.Members, 2)

	removed, err := m.RemoveMember(ctx, c.ID, 2)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = m.RemoveMember(ctx, c.ID, 2)
	require.NoError(t, err)
	assert.False(t, removed)

	stored, err := store.ClusterMemberships(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, int64(1), stored[0].RecordID)
}

func TestAddMemberUsesScorer(t *testing.T) {
	store := newStore(t, nearX()...)
	scorer := safety.ScorerFunc(func(content string) safety.Assessment {
		return safety.Assessment{Abstracted: content, Score: 0.5, Success: true}
	})
	m := newManager(t, store, cluster.WithScorer(scorer))
	ctx := context.Background()

	c, err := m.CreateCluster(ctx, "scored", cluster.TypeTopical)
	require.NoError(t, err)
	added, err := m.AddMember(ctx, c.ID, 1, 1)
	require.NoError(t, err)
	assert.False(t, added, "rescored safety is below the floor")

	m = newManager(t, store, cluster.WithScorer(safety.NewRuleScorer()))
	c, err = m.CreateCluster(ctx, "rules", cluster.TypeTopical)
	require.NoError(t, err)
	added, err = m.AddMember(ctx, c.ID, 1, 1)
	require.NoError(t, err)
	assert.True(t, added)
}

func TestCreatedClusterCopiesAreIsolated(t *testing.T) {
	m := newManager(t, newStore(t, nearX()...))
	c, err := m.CreateCluster(context.Background(), "x", cluster.TypeSemantic, cluster.MemberScore{RecordID: 1, Score: 1})
	require.NoError(t, err)

	c.Centroid[0] = 42
	delete(c.Members, 1)

	got, _ := m.Cluster(c.ID)
	assert.Equal(t, 1.0, got.Centroid[0])
	assert.Len(t, got.Members, 1)
}

func TestDeleteCluster(t *testing.T) {
	store := newStore(t, nearX()...)
	m := newManager(t, store)
	ctx := context.Background()

	c, err := m.CreateCluster(ctx, "x", cluster.TypeSemantic, cluster.MemberScore{RecordID: 1, Score: 1}, cluster.MemberScore{RecordID: 2, Score: 1})
	require.NoError(t, err)
	require.NoError(t, m.DeleteCluster(ctx, c.ID))

	_, ok := m.Cluster(c.ID)
	assert.False(t, ok)
	stored, err := store.ClusterMemberships(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, stored)

	assert.ErrorIs(t, m.DeleteCluster(ctx, c.ID), core.ErrNotFound)
}

func TestFindSimilar(t *testing.T) {
	store := newStore(t, append(nearX(), rec(4, 0.9, 0, 1, 0), rec(5, 0.9))...)
	m := newManager(t, store)
	ctx := context.Background()

	matches, err := m.FindSimilar(ctx, 1, 0.9, 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, int64(2), matches[0].ID)
	assert.Equal(t, int64(3), matches[1].ID)
	assert.GreaterOrEqual(t, matches[0].Similarity, matches[1].Similarity)

	matches, err = m.FindSimilar(ctx, 1, 0.9, 1)
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	matches, err = m.FindSimilar(ctx, 5, 0.9, 10)
	require.NoError(t, err)
	assert.Empty(t, matches, "record without vector")

	_, err = m.FindSimilar(ctx, 99, 0.9, 10)
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = m.FindSimilar(ctx, 1, 2, 10)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestRecommendClusters(t *testing.T) {
	store := newStore(t, append(nearX(), rec(4, 0.9, 0, 1, 0), rec(5, 0.9, 0.01, 0.99, 0))...)
	cfg := core.DefaultConfig().Cluster
	cfg.MaxClusterSize = 2
	m, err := cluster.New(store, cfg, cluster.WithClock(func() time.Time { return now }), cluster.WithLogger(log.New(io.Discard)))
	require.NoError(t, err)
	ctx := context.Background()

	xs, err := m.CreateCluster(ctx, "x", cluster.TypeSemantic, cluster.MemberScore{RecordID: 1, Score: 1})
	require.NoError(t, err)
	ys, err := m.CreateCluster(ctx, "y", cluster.TypeSemantic, cluster.MemberScore{RecordID: 4, Score: 1})
	require.NoError(t, err)

	recs, err := m.RecommendClusters(ctx, 2, 5)
	require.NoError(t, err)
	require.Len(t, recs, 1, "y fits below the minimum")
	assert.Equal(t, xs.ID, recs[0].ClusterID)
	assert.Equal(t, "x", recs[0].Name)
	assert.Greater(t, recs[0].Fit, 0.99)

	recs, err = m.RecommendClusters(ctx, 1, 5)
	require.NoError(t, err)
	assert.Empty(t, recs, "already a member of x")

	_, err = m.AddMember(ctx, xs.ID, 2, 1)
	require.NoError(t, err)
	recs, err = m.RecommendClusters(ctx, 3, 5)
	require.NoError(t, err)
	assert.Empty(t, recs, "x is full")

	recs, err = m.RecommendClusters(ctx, 5, 5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ys.ID, recs[0].ClusterID)

	_, err = m.RecommendClusters(ctx, 99, 5)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

// hookStore runs onRead once, before the first vector read for a centroid.
type hookStore struct {
	*memory.Store
	once   sync.Once
	onRead func()
}

func (h *hookStore) ReadCandidates(ctx context.Context, filter storage.CandidateFilter, order storage.Order, limit int) ([]*storage.MemoryRecord, error) {
	if filter.RequireEmbedding && len(filter.IDs) > 0 && h.onRead != nil {
		h.once.Do(h.onRead)
	}
	return h.Store.ReadCandidates(ctx, filter, order, limit)
}

func TestRefreshCentroids(t *testing.T) {
	store := &hookStore{Store: newStore(t, nearX()...)}
	m := newManager(t, store)
	ctx := context.Background()

	c, err := m.CreateCluster(ctx, "x", cluster.TypeSemantic, cluster.MemberScore{RecordID: 1, Score: 1})
	require.NoError(t, err)
	n, err := m.RefreshCentroids(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is dirty after creation")

	_, err = m.AddMember(ctx, c.ID, 2, 1)
	require.NoError(t, err)

	// A membership change during the refresh keeps the cluster dirty.
	store.onRead = func() {
		_, err := m.AddMember(ctx, c.ID, 3, 1)
		assert.NoError(t, err)
	}
	n, err = m.RefreshCentroids(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	stats, err := m.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DirtyClusters)

	n, err = m.RefreshCentroids(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := m.Cluster(c.ID)
	assert.Len(t, got.Members, 3)
	assert.InDelta(t, (1+0.99+0.98)/3, got.Centroid[0], 1e-9)
}

func TestStartRefreshTimerStops(t *testing.T) {
	m := newManager(t, newStore(t, nearX()...))
	ctx, cancel := context.WithCancel(context.Background())
	done := m.StartRefreshTimer(ctx, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("refresh timer did not stop")
	}
}

func TestStatistics(t *testing.T) {
	store := newStore(t, append(nearX(), rec(4, 0.9, 0, 1, 0))...)
	m := newManager(t, store)
	ctx := context.Background()

	_, err := m.AutoCluster(ctx, cluster.AutoOptions{MaxClusters: 1})
	require.NoError(t, err)

	stats, err := m.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, 3, stats.MinSize)
	assert.Equal(t, 3, stats.MaxSize)
	assert.Equal(t, 3.0, stats.MeanSize)
	assert.Equal(t, map[string]int{"2-5": 1}, stats.SizeDistribution)
	assert.Equal(t, 4, stats.EligibleRecords)
	assert.Equal(t, 3, stats.ClusteredRecords)
	assert.InDelta(t, 0.75, stats.Coverage, 1e-9)
	assert.InDelta(t, 0.9, stats.AverageSafety, 1e-9)
	assert.Zero(t, stats.DirtyClusters)
}
