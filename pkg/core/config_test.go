package core_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powermem-substrate/pkg/core"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := core.DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "memory", cfg.RecordStore.Provider)
	assert.Len(t, cfg.Decay.Categories, len(core.KnownCategories))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*core.Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*core.Config) {}},
		{name: "negative capacity", mutate: func(c *core.Config) { c.Cache.MaxEntries = -1 }, wantErr: true},
		{name: "safety above one", mutate: func(c *core.Config) { c.Cache.MinSafetyScore = 1.5 }, wantErr: true},
		{name: "unknown provider", mutate: func(c *core.Config) { c.RecordStore.Provider = "redis" }, wantErr: true},
		{name: "unknown embedder", mutate: func(c *core.Config) { c.Embedder.Provider = "qwen" }, wantErr: true},
		{name: "node id out of range", mutate: func(c *core.Config) { c.Cluster.NodeID = 2048 }, wantErr: true},
		{
			name: "reinforcement below one",
			mutate: func(c *core.Config) {
				cat := c.Decay.Categories[core.CategoryWorking]
				cat.ReinforcementFactor = 0.9
				c.Decay.Categories[core.CategoryWorking] = cat
			},
			wantErr: true,
		},
		{
			name:    "missing default category",
			mutate:  func(c *core.Config) { delete(c.Decay.Categories, core.CategoryDefault) },
			wantErr: true,
		},
		{
			name: "unknown category",
			mutate: func(c *core.Config) {
				c.Decay.Categories["archival"] = core.DefaultCategoryDecay()
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := core.DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, core.ErrInvalidConfig))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecayConfigFor(t *testing.T) {
	d := core.DefaultConfig().Decay
	assert.Equal(t, d.Categories[core.CategorySemantic], d.For(core.CategorySemantic))
	assert.Equal(t, d.Categories[core.CategoryDefault], d.For("unheard-of"))
}

func TestLoadConfigFromJSON(t *testing.T) {
	path := writeFile(t, "substrate.json", `{
		"cache": {"max_entries": 2, "default_ttl_seconds": 60, "min_safety_score": 0.7, "cleanup_interval_seconds": 10},
		"decay": {
			"interval_seconds": 30,
			"batch_size": 10,
			"categories": {
				"working": {"base_decay_rate": 0.3, "minimum_weight": 0.01, "reinforcement_factor": 1.1,
				            "acceleration_threshold_days": 2, "preserve_weight_threshold": 0.99}
			}
		},
		"record_store": {"provider": "sqlite", "sqlite": {"path": "x.db", "collection_name": "records"}}
	}`)

	cfg, err := core.LoadConfigFromJSON(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Cache.MaxEntries)
	assert.Equal(t, "sqlite", cfg.RecordStore.Provider)
	assert.Len(t, cfg.Decay.Categories, 2, "file table replaces defaults, default is filled in")
	assert.Equal(t, 0.3, cfg.Decay.Categories[core.CategoryWorking].BaseDecayRate)
	assert.Equal(t, core.DefaultCategoryDecay(), cfg.Decay.Categories[core.CategoryDefault])
	assert.Equal(t, 0.75, cfg.Cluster.SimilarityThreshold, "missing section keeps defaults")
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		path := writeFile(t, "bad.json", `{"cache": {"max_entrys": 5}}`)
		_, err := core.LoadConfigFromJSON(path)
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrInvalidConfig))
	})

	t.Run("yaml", func(t *testing.T) {
		path := writeFile(t, "bad.yaml", "cache:\n  max_entries: 5\n  colour: blue\n")
		_, err := core.LoadConfigFromYAML(path)
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrInvalidConfig))
	})

	t.Run("unknown category", func(t *testing.T) {
		path := writeFile(t, "bad.yaml", `decay:
  categories:
    archival:
      base_decay_rate: 0.1
      minimum_weight: 0.01
      reinforcement_factor: 1.1
      acceleration_threshold_days: 5
      preserve_weight_threshold: 0.9
`)
		_, err := core.LoadConfigFromYAML(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "archival")
	})
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := writeFile(t, "substrate.yml", `cache:
  max_entries: 100
  min_safety_score: 0.9
cluster:
  similarity_threshold: 0.8
  node_id: 7
`)
	cfg, err := core.LoadConfigFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Cache.MaxEntries)
	assert.Equal(t, 0.9, cfg.Cache.MinSafetyScore)
	assert.Equal(t, int64(7), cfg.Cluster.NodeID)
	assert.Len(t, cfg.Decay.Categories, len(core.KnownCategories))
}

func TestLoadConfigFromFileUnsupported(t *testing.T) {
	_, err := core.LoadConfigFromFile("config.toml")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidConfig))
}

func TestLoadConfigFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		check   func(t *testing.T, cfg *core.Config)
		wantErr bool
	}{
		{
			name: "sqlite provider",
			envVars: map[string]string{
				"DATABASE_PROVIDER":           "sqlite",
				"SQLITE_PATH":                 "./env.db",
				"SUBSTRATE_CACHE_MAX_ENTRIES": "42",
			},
			check: func(t *testing.T, cfg *core.Config) {
				assert.Equal(t, "sqlite", cfg.RecordStore.Provider)
				assert.Equal(t, "./env.db", cfg.RecordStore.SQLite.Path)
				assert.Equal(t, 42, cfg.Cache.MaxEntries)
			},
		},
		{
			name: "embedder",
			envVars: map[string]string{
				"EMBEDDING_PROVIDER": "openai",
				"EMBEDDING_API_KEY":  "test-key",
				"EMBEDDING_DIMS":     "256",
			},
			check: func(t *testing.T, cfg *core.Config) {
				assert.Equal(t, "openai", cfg.Embedder.Provider)
				assert.Equal(t, "text-embedding-ada-002", cfg.Embedder.Model)
				assert.Equal(t, 256, cfg.Embedder.Dimensions)
			},
		},
		{
			name:    "malformed number",
			envVars: map[string]string{"SUBSTRATE_CACHE_MAX_ENTRIES": "lots"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := core.LoadConfigFromEnv()
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, cfg)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadConfigFromEnvDecayTable(t *testing.T) {
	path := writeFile(t, "decay.json", `{"categories": {"semantic": {"base_decay_rate": 0.01,
		"minimum_weight": 0.2, "reinforcement_factor": 1.5, "acceleration_threshold_days": 100,
		"preserve_weight_threshold": 0.97}}}`)
	t.Setenv("DECAY_CONFIG_PATH", path)
	t.Setenv("SUBSTRATE_DECAY_BATCH_SIZE", "25")

	cfg, err := core.LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 1.5, cfg.Decay.Categories[core.CategorySemantic].ReinforcementFactor)
	assert.Equal(t, 25, cfg.Decay.BatchSize)
	_, hasWorking := cfg.Decay.Categories[core.CategoryWorking]
	assert.False(t, hasWorking)
}

func TestConfigSources(t *testing.T) {
	path := writeFile(t, "substrate.json", `{"cache": {"max_entries": 9}}`)

	cfg, err := core.FileSource{Path: path}.Load()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Cache.MaxEntries)

	cfg, err = core.StaticSource{}.Load()
	require.NoError(t, err)
	assert.Equal(t, core.DefaultConfig(), cfg)

	bad := core.DefaultConfig()
	bad.Cache.MaxEntries = -3
	_, err = core.StaticSource{Config: bad}.Load()
	assert.Error(t, err)
}
