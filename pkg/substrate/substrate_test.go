package substrate_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powermem-substrate/pkg/cluster"
	"github.com/oceanbase/powermem-substrate/pkg/core"
	"github.com/oceanbase/powermem-substrate/pkg/storage"
	"github.com/oceanbase/powermem-substrate/pkg/substrate"
	"github.com/oceanbase/powermem-substrate/pkg/vector"
)

var now = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

// fakeEmbedder returns [len(text), 1, 1] and counts calls.
type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	texts []string
	err   error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.texts = append(f.texts, text)
	if f.err != nil {
		return nil, f.err
	}
	return []float64{float64(len(text)), 1, 1}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, 0, len(texts))
	for _, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return 3 }
func (f *fakeEmbedder) Model() string   { return "fake" }
func (f *fakeEmbedder) Close() error    { return nil }

func (f *fakeEmbedder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() *core.Config {
	cfg := core.DefaultConfig()
	cfg.Cache.CleanupIntervalSeconds = 0
	cfg.Decay.IntervalSeconds = 0
	cfg.Cluster.RefreshIntervalSeconds = 0
	return cfg
}

func newSubstrate(t *testing.T, cfg *core.Config, opts ...substrate.Option) *substrate.Substrate {
	t.Helper()
	base := []substrate.Option{
		substrate.WithLogger(log.New(io.Discard)),
		substrate.WithClock(func() time.Time { return now }),
	}
	s, err := substrate.New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestVectorForCachesResult(t *testing.T) {
	emb := &fakeEmbedder{}
	s := newSubstrate(t, testConfig(), substrate.WithEmbedder(emb))
	ctx := context.Background()

	first, err := s.VectorFor(ctx, "prefers dark roast coffee", "note", "en")
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.Equal(t, 3, first.Dimensions)
	assert.InDelta(t, 1.0, vector.Magnitude(first.Vector), 1e-9)
	assert.Equal(t, 1.0, first.SafetyScore)
	assert.Equal(t, now, first.GeneratedAt)

	second, err := s.VectorFor(ctx, "prefers dark roast coffee", "note", "en")
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Vector, second.Vector)
	assert.Equal(t, 1, emb.Calls())

	// A different content type is a different fingerprint.
	_, err = s.VectorFor(ctx, "prefers dark roast coffee", "query", "en")
	require.NoError(t, err)
	assert.Equal(t, 2, emb.Calls())

	stats := s.Cache().Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, 2, stats.Entries)
}

func TestVectorForEmbedsAbstractedContent(t *testing.T) {
	emb := &fakeEmbedder{}
	s := newSubstrate(t, testConfig(), substrate.WithEmbedder(emb))

	res, err := s.VectorFor(context.Background(), "ask jane@example.com about it", "note", "")
	require.NoError(t, err)
	assert.InDelta(t, 0.85, res.SafetyScore, 1e-9)
	require.Len(t, emb.texts, 1)
	assert.Equal(t, "ask [email] about it", emb.texts[0])
}

func TestVectorForRejectsUnabstractableContent(t *testing.T) {
	emb := &fakeEmbedder{}
	s := newSubstrate(t, testConfig(), substrate.WithEmbedder(emb))

	_, err := s.VectorFor(context.Background(), "jane@example.com", "note", "")
	assert.ErrorIs(t, err, core.ErrRejected)

	_, err = s.VectorFor(context.Background(), "   ", "note", "")
	assert.ErrorIs(t, err, core.ErrRejected)
	assert.Zero(t, emb.Calls())
}

func TestVectorForLowSafetyIsNotCached(t *testing.T) {
	emb := &fakeEmbedder{}
	s := newSubstrate(t, testConfig(), substrate.WithEmbedder(emb))
	ctx := context.Background()
	content := "write to jane@example.com or bob@example.org today"

	res, err := s.VectorFor(ctx, content, "note", "")
	require.NoError(t, err)
	assert.InDelta(t, 0.7, res.SafetyScore, 1e-9)
	assert.Zero(t, s.Cache().Len())

	_, err = s.VectorFor(ctx, content, "note", "")
	require.NoError(t, err)
	assert.Equal(t, 2, emb.Calls())
}

func TestVectorForEmbedderFailure(t *testing.T) {
	emb := &fakeEmbedder{err: errors.New("upstream down")}
	s := newSubstrate(t, testConfig(), substrate.WithEmbedder(emb))

	_, err := s.VectorFor(context.Background(), "some text", "note", "")
	require.Error(t, err)
	assert.Zero(t, s.Cache().Len())
}

func TestVectorForWithoutEmbedder(t *testing.T) {
	s := newSubstrate(t, testConfig())

	_, err := s.VectorFor(context.Background(), "some text", "note", "")
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}

func TestAddRecordAndAutoCluster(t *testing.T) {
	emb := &fakeEmbedder{}
	s := newSubstrate(t, testConfig(), substrate.WithEmbedder(emb))
	ctx := context.Background()

	var ids []int64
	for _, content := range []string{"likes green tea", "likes black tea", "likes herbal tea"} {
		r, err := s.AddRecord(ctx, content, core.CategorySemantic)
		require.NoError(t, err)
		assert.NotZero(t, r.ID)
		assert.Equal(t, 1.0, r.Weight)
		assert.Equal(t, now, r.LastAccessedAt)
		ids = append(ids, r.ID)
	}

	n, err := s.Store().CountCandidates(ctx, storage.CandidateFilter{RequireEmbedding: true})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	report, err := s.Clusters().AutoCluster(ctx, cluster.AutoOptions{MaxClusters: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, report.ClustersCreated)
	assert.Equal(t, 3, report.MemoriesClustered)

	c, ok := s.Clusters().Cluster(report.ClusterIDs[0])
	require.True(t, ok)
	for _, id := range ids {
		assert.Contains(t, c.Members, id)
	}
}

func TestAddRecordDefaultsCategory(t *testing.T) {
	s := newSubstrate(t, testConfig(), substrate.WithEmbedder(&fakeEmbedder{}))

	r, err := s.AddRecord(context.Background(), "plain note", "")
	require.NoError(t, err)
	assert.Equal(t, core.CategoryDefault, r.Category)
}

func TestStartStop(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.CleanupIntervalSeconds = 1
	cfg.Decay.IntervalSeconds = 1
	cfg.Cluster.RefreshIntervalSeconds = 1
	s := newSubstrate(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	assert.ErrorIs(t, s.Start(ctx), core.ErrInvalidInput)

	s.Stop()
	require.NoError(t, s.Start(ctx))

	// The decay loop runs one cycle immediately.
	require.Eventually(t, func() bool {
		return s.Decay().Statistics().Cycles >= 1
	}, time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestStopOnContextCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Decay.IntervalSeconds = 1
	s := newSubstrate(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loops did not exit after cancel")
	}
}

const initialYAML = `
cache:
  min_safety_score: 0.8
  cleanup_interval_seconds: 0
decay:
  interval_seconds: 0
cluster:
  similarity_threshold: 0.75
  refresh_interval_seconds: 0
  node_id: 7
record_store:
  provider: memory
`

const reloadedYAML = `
cache:
  min_safety_score: 0.5
  max_entries: 3
decay:
  categories:
    default:
      base_decay_rate: 0.5
      minimum_weight: 0.1
      reinforcement_factor: 1.1
      acceleration_threshold_days: 5
      preserve_weight_threshold: 0.9
cluster:
  similarity_threshold: 0.9
  node_id: 99
record_store:
  provider: memory
`

func TestReloadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "substrate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(initialYAML), 0o600))

	s, err := substrate.Open(core.FileSource{Path: path},
		substrate.WithLogger(log.New(io.Discard)),
		substrate.WithEmbedder(&fakeEmbedder{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	capacity := s.Cache().Stats().Capacity
	require.NoError(t, os.WriteFile(path, []byte(reloadedYAML), 0o600))
	require.NoError(t, s.Reload())

	assert.Equal(t, 0.5, s.Cache().MinSafetyScore())
	assert.Equal(t, 0.9, s.Clusters().Configuration().SimilarityThreshold)
	assert.Equal(t, int64(7), s.Clusters().Configuration().NodeID)
	assert.Equal(t, 0.5, s.Decay().Configuration().For(core.CategoryDefault).BaseDecayRate)
	assert.Len(t, s.Decay().Configuration().Categories, 1)

	cfg := s.Config()
	assert.Equal(t, 0.5, cfg.Cache.MinSafetyScore)
	assert.Equal(t, capacity, cfg.Cache.MaxEntries)
	assert.Equal(t, capacity, s.Cache().Stats().Capacity)

	// A broken file leaves the running configuration alone.
	require.NoError(t, os.WriteFile(path, []byte("cache: [oops"), 0o600))
	assert.ErrorIs(t, s.Reload(), core.ErrInvalidConfig)
	assert.Equal(t, 0.5, s.Cache().MinSafetyScore())
}

func TestReloadWithoutSource(t *testing.T) {
	s := newSubstrate(t, testConfig())
	assert.ErrorIs(t, s.Reload(), core.ErrInvalidConfig)
}

func TestNewWithSQLiteStore(t *testing.T) {
	cfg := testConfig()
	cfg.RecordStore = core.RecordStoreConfig{
		Provider: "sqlite",
		SQLite: core.SQLiteConfig{
			Path:           filepath.Join(t.TempDir(), "substrate.db"),
			CollectionName: "records",
		},
	}
	s := newSubstrate(t, cfg, substrate.WithEmbedder(&fakeEmbedder{}))
	ctx := context.Background()

	r, err := s.AddRecord(ctx, "kept in sqlite", core.CategoryEpisodic)
	require.NoError(t, err)

	got, err := s.Store().ReadCandidates(ctx, storage.CandidateFilter{IDs: []int64{r.ID}}, storage.OrderLastAccessedAsc, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "kept in sqlite", got[0].Content)
	assert.InDeltaSlice(t, r.Embedding, got[0].Embedding, 1e-9)

	newWeight, err := s.Decay().Reinforce(ctx, r.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, newWeight)
}

func TestNewRejectsUnknownProviders(t *testing.T) {
	cfg := testConfig()
	cfg.RecordStore.Provider = "cassandra"
	_, err := substrate.New(cfg, substrate.WithLogger(log.New(io.Discard)))
	assert.ErrorIs(t, err, core.ErrInvalidConfig)

	cfg = testConfig()
	cfg.Embedder.Provider = "nope"
	_, err = substrate.New(cfg, substrate.WithLogger(log.New(io.Discard)))
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}
