package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Record categories understood by the decay table. Records carrying any other
// category decay with the CategoryDefault parameters.
const (
	CategoryDefault    = "default"
	CategoryWorking    = "working"
	CategoryEpisodic   = "episodic"
	CategorySemantic   = "semantic"
	CategoryProcedural = "procedural"
)

// KnownCategories lists the category names accepted in a decay table.
var KnownCategories = []string{
	CategoryDefault,
	CategoryWorking,
	CategoryEpisodic,
	CategorySemantic,
	CategoryProcedural,
}

// Config contains the complete configuration for the memory substrate.
//
// Example:
//
//	cfg := core.DefaultConfig()
//	cfg.Cache.MaxEntries = 50000
//	cfg.RecordStore = core.RecordStoreConfig{
//	    Provider: "sqlite",
//	    SQLite:   core.SQLiteConfig{Path: "./substrate.db"},
//	}
type Config struct {
	// Cache sizes the vector cache.
	Cache CacheConfig `json:"cache" yaml:"cache"`

	// Decay holds the per-category decay table and maintenance cadence.
	Decay DecayConfig `json:"decay" yaml:"decay"`

	// Cluster holds clustering thresholds.
	Cluster ClusterConfig `json:"cluster" yaml:"cluster"`

	// RecordStore selects and configures the record store backend.
	RecordStore RecordStoreConfig `json:"record_store" yaml:"record_store"`

	// Embedder configures the embedding provider (optional).
	Embedder EmbedderConfig `json:"embedder" yaml:"embedder"`
}

// CacheConfig sizes the vector cache.
type CacheConfig struct {
	// MaxEntries is the capacity of the cache. Must not be negative.
	MaxEntries int `json:"max_entries" yaml:"max_entries"`

	// DefaultTTLSeconds applies to entries stored without an explicit TTL.
	// Zero means entries never expire.
	DefaultTTLSeconds int `json:"default_ttl_seconds" yaml:"default_ttl_seconds"`

	// MinSafetyScore is the safety gate for put and the re-check on get.
	MinSafetyScore float64 `json:"min_safety_score" yaml:"min_safety_score"`

	// CleanupIntervalSeconds is the period of the expired-entry sweep.
	CleanupIntervalSeconds int `json:"cleanup_interval_seconds" yaml:"cleanup_interval_seconds"`
}

// DefaultTTL returns DefaultTTLSeconds as a duration.
func (c CacheConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// CleanupInterval returns CleanupIntervalSeconds as a duration.
func (c CacheConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

// CategoryDecay is the decay configuration of one record category.
type CategoryDecay struct {
	// BaseDecayRate is the per-day exponential decay rate.
	BaseDecayRate float64 `json:"base_decay_rate" yaml:"base_decay_rate"`

	// MinimumWeight is the floor a decaying weight converges to.
	MinimumWeight float64 `json:"minimum_weight" yaml:"minimum_weight"`

	// ReinforcementFactor multiplies the weight on reinforcement. Must be >= 1.
	ReinforcementFactor float64 `json:"reinforcement_factor" yaml:"reinforcement_factor"`

	// AccelerationThresholdDays is the idle time after which decay steepens.
	AccelerationThresholdDays float64 `json:"acceleration_threshold_days" yaml:"acceleration_threshold_days"`

	// PreserveWeightThreshold exempts records at or above this weight from decay.
	PreserveWeightThreshold float64 `json:"preserve_weight_threshold" yaml:"preserve_weight_threshold"`
}

// Validate checks the invariants of a single category.
func (c CategoryDecay) Validate() error {
	switch {
	case c.BaseDecayRate <= 0:
		return fmt.Errorf("base_decay_rate must be positive, got %v", c.BaseDecayRate)
	case c.MinimumWeight < 0 || c.MinimumWeight >= 1:
		return fmt.Errorf("minimum_weight must be in [0,1), got %v", c.MinimumWeight)
	case c.ReinforcementFactor < 1:
		return fmt.Errorf("reinforcement_factor must be >= 1, got %v", c.ReinforcementFactor)
	case c.AccelerationThresholdDays < 0:
		return fmt.Errorf("acceleration_threshold_days must not be negative, got %v", c.AccelerationThresholdDays)
	case c.PreserveWeightThreshold <= c.MinimumWeight || c.PreserveWeightThreshold > 1:
		return fmt.Errorf("preserve_weight_threshold must be in (minimum_weight,1], got %v", c.PreserveWeightThreshold)
	}
	return nil
}

// DecayConfig holds the decay table and maintenance cadence.
type DecayConfig struct {
	// IntervalSeconds is the period of the maintenance loop.
	IntervalSeconds int `json:"interval_seconds" yaml:"interval_seconds"`

	// BatchSize bounds the number of records read per maintenance cycle.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// Categories maps a category name to its decay parameters. A table read
	// from a file replaces the defaults as a whole; "default" is filled in
	// when absent.
	Categories map[string]CategoryDecay `json:"categories" yaml:"categories"`
}

// Interval returns IntervalSeconds as a duration.
func (d DecayConfig) Interval() time.Duration {
	return time.Duration(d.IntervalSeconds) * time.Second
}

// For returns the parameters of category, falling back to CategoryDefault.
func (d DecayConfig) For(category string) CategoryDecay {
	if c, ok := d.Categories[category]; ok {
		return c
	}
	if c, ok := d.Categories[CategoryDefault]; ok {
		return c
	}
	return DefaultCategoryDecay()
}

// Validate checks the cadence and every category of the table.
func (d DecayConfig) Validate() error {
	if d.IntervalSeconds < 0 {
		return fmt.Errorf("decay interval_seconds must not be negative")
	}
	if d.BatchSize < 0 {
		return fmt.Errorf("decay batch_size must not be negative")
	}
	if _, ok := d.Categories[CategoryDefault]; !ok {
		return fmt.Errorf("decay table has no %q category", CategoryDefault)
	}
	names := make([]string, 0, len(d.Categories))
	for name := range d.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !isKnownCategory(name) {
			return fmt.Errorf("unknown decay category %q", name)
		}
		if err := d.Categories[name].Validate(); err != nil {
			return fmt.Errorf("decay category %q: %w", name, err)
		}
	}
	return nil
}

// ClusterConfig holds clustering thresholds.
type ClusterConfig struct {
	// MinSafetyScore is the safety floor for membership and candidates.
	MinSafetyScore float64 `json:"min_safety_score" yaml:"min_safety_score"`

	// SimilarityThreshold bounds merges: pairs farther apart than
	// 1 - SimilarityThreshold are never merged.
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold"`

	// MaxCandidates caps the records read by one auto-clustering pass.
	MaxCandidates int `json:"max_candidates" yaml:"max_candidates"`

	// MaxClusterSize is the capacity used to exclude full clusters from recommendations.
	MaxClusterSize int `json:"max_cluster_size" yaml:"max_cluster_size"`

	// MinFitScore is the minimum fit for a cluster recommendation.
	MinFitScore float64 `json:"min_fit_score" yaml:"min_fit_score"`

	// RefreshIntervalSeconds is the period of the centroid refresh loop.
	RefreshIntervalSeconds int `json:"refresh_interval_seconds" yaml:"refresh_interval_seconds"`

	// NodeID seeds the snowflake generator for cluster ids (0-1023).
	NodeID int64 `json:"node_id" yaml:"node_id"`
}

// RefreshInterval returns RefreshIntervalSeconds as a duration.
func (c ClusterConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

// Validate checks thresholds, sizes and the node id.
func (c ClusterConfig) Validate() error {
	if !unitInterval(c.MinSafetyScore) || !unitInterval(c.SimilarityThreshold) || !unitInterval(c.MinFitScore) {
		return fmt.Errorf("cluster thresholds must be in [0,1]")
	}
	if c.MaxCandidates < 0 || c.MaxClusterSize < 0 || c.RefreshIntervalSeconds < 0 {
		return fmt.Errorf("cluster sizes must not be negative")
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("cluster node_id must be in [0,1023]")
	}
	return nil
}

// RecordStoreConfig selects the record store backend.
//
// Supported providers: memory, sqlite, postgres, oceanbase.
type RecordStoreConfig struct {
	Provider  string          `json:"provider" yaml:"provider"`
	SQLite    SQLiteConfig    `json:"sqlite" yaml:"sqlite"`
	Postgres  SQLServerConfig `json:"postgres" yaml:"postgres"`
	OceanBase SQLServerConfig `json:"oceanbase" yaml:"oceanbase"`
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	Path           string `json:"path" yaml:"path"`
	CollectionName string `json:"collection_name" yaml:"collection_name"`
}

// SQLServerConfig configures a networked SQL backend (PostgreSQL or OceanBase).
type SQLServerConfig struct {
	Host           string `json:"host" yaml:"host"`
	Port           int    `json:"port" yaml:"port"`
	User           string `json:"user" yaml:"user"`
	Password       string `json:"password" yaml:"password"`
	DBName         string `json:"db_name" yaml:"db_name"`
	CollectionName string `json:"collection_name" yaml:"collection_name"`
	Dimensions     int    `json:"dimensions" yaml:"dimensions"`
	SSLMode        string `json:"ssl_mode,omitempty" yaml:"ssl_mode,omitempty"`
}

// EmbedderConfig contains configuration for the embedding provider.
//
// Supported providers: openai. An empty provider disables embedding.
type EmbedderConfig struct {
	Provider   string `json:"provider" yaml:"provider"`
	APIKey     string `json:"api_key" yaml:"api_key"`
	Model      string `json:"model" yaml:"model"`
	BaseURL    string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Dimensions int    `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`
}

// DefaultCategoryDecay returns the parameters of the "default" category.
func DefaultCategoryDecay() CategoryDecay {
	return CategoryDecay{
		BaseDecayRate:             0.05,
		MinimumWeight:             0.05,
		ReinforcementFactor:       1.2,
		AccelerationThresholdDays: 30,
		PreserveWeightThreshold:   0.95,
	}
}

// DefaultDecayCategories returns the built-in decay table.
//
// The constants are illustrative defaults; only the shape (monotonic decay,
// capped reinforcement) is contractual.
func DefaultDecayCategories() map[string]CategoryDecay {
	return map[string]CategoryDecay{
		CategoryDefault: DefaultCategoryDecay(),
		CategoryWorking: {
			BaseDecayRate:             0.2,
			MinimumWeight:             0.01,
			ReinforcementFactor:       1.1,
			AccelerationThresholdDays: 3,
			PreserveWeightThreshold:   0.98,
		},
		CategoryEpisodic: {
			BaseDecayRate:             0.08,
			MinimumWeight:             0.05,
			ReinforcementFactor:       1.2,
			AccelerationThresholdDays: 14,
			PreserveWeightThreshold:   0.95,
		},
		CategorySemantic: {
			BaseDecayRate:             0.02,
			MinimumWeight:             0.1,
			ReinforcementFactor:       1.3,
			AccelerationThresholdDays: 60,
			PreserveWeightThreshold:   0.9,
		},
		CategoryProcedural: {
			BaseDecayRate:             0.01,
			MinimumWeight:             0.2,
			ReinforcementFactor:       1.25,
			AccelerationThresholdDays: 90,
			PreserveWeightThreshold:   0.9,
		},
	}
}

// DefaultConfig returns a configuration with an in-memory record store.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			MaxEntries:             10000,
			DefaultTTLSeconds:      24 * 60 * 60,
			MinSafetyScore:         0.8,
			CleanupIntervalSeconds: 300,
		},
		Decay: DecayConfig{
			IntervalSeconds: 60 * 60,
			BatchSize:       500,
			Categories:      DefaultDecayCategories(),
		},
		Cluster: ClusterConfig{
			MinSafetyScore:         0.8,
			SimilarityThreshold:    0.75,
			MaxCandidates:          500,
			MaxClusterSize:         200,
			MinFitScore:            0.5,
			RefreshIntervalSeconds: 15 * 60,
			NodeID:                 1,
		},
		RecordStore: RecordStoreConfig{
			Provider: "memory",
			SQLite: SQLiteConfig{
				Path:           "./substrate.db",
				CollectionName: "records",
			},
		},
	}
}

// Validate validates the configuration.
//
// Returns an error wrapping ErrInvalidConfig that names the offending field.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return NewMemoryError("Validate", fmt.Errorf("%w: %v", ErrInvalidConfig, err))
	}
	return nil
}

func (c *Config) validate() error {
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache max_entries must not be negative")
	}
	if c.Cache.DefaultTTLSeconds < 0 || c.Cache.CleanupIntervalSeconds < 0 {
		return fmt.Errorf("cache durations must not be negative")
	}
	if !unitInterval(c.Cache.MinSafetyScore) {
		return fmt.Errorf("cache min_safety_score must be in [0,1]")
	}
	if err := c.Decay.Validate(); err != nil {
		return err
	}
	if err := c.Cluster.Validate(); err != nil {
		return err
	}
	switch c.RecordStore.Provider {
	case "memory", "sqlite", "postgres", "oceanbase":
	default:
		return fmt.Errorf("unknown record store provider %q", c.RecordStore.Provider)
	}
	switch c.Embedder.Provider {
	case "", "openai":
	default:
		return fmt.Errorf("unknown embedder provider %q", c.Embedder.Provider)
	}
	return nil
}

// LoadConfigFromEnv loads configuration from environment variables.
//
// The function:
//  1. Searches for .env or .env.example files (up to 5 directory levels up)
//  2. Loads environment variables from the found file
//  3. Overlays the environment onto DefaultConfig
//
// Supported environment variables:
//   - SUBSTRATE_CACHE_MAX_ENTRIES, SUBSTRATE_CACHE_TTL_SECONDS, SUBSTRATE_CACHE_MIN_SAFETY,
//     SUBSTRATE_CACHE_CLEANUP_SECONDS
//   - SUBSTRATE_DECAY_INTERVAL_SECONDS, SUBSTRATE_DECAY_BATCH_SIZE, DECAY_CONFIG_PATH
//   - SUBSTRATE_CLUSTER_MIN_SAFETY, SUBSTRATE_CLUSTER_SIMILARITY, SUBSTRATE_CLUSTER_MAX_CANDIDATES,
//     SUBSTRATE_CLUSTER_MAX_SIZE, SUBSTRATE_CLUSTER_MIN_FIT, SUBSTRATE_NODE_ID
//   - DATABASE_PROVIDER (memory, sqlite, postgres, oceanbase)
//   - SQLITE_PATH, SQLITE_COLLECTION
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER, POSTGRES_PASSWORD, POSTGRES_DATABASE, ...
//   - OCEANBASE_HOST, OCEANBASE_PORT, OCEANBASE_USER, OCEANBASE_PASSWORD, OCEANBASE_DATABASE, ...
//   - EMBEDDING_PROVIDER, EMBEDDING_API_KEY, EMBEDDING_MODEL, EMBEDDING_BASE_URL, EMBEDDING_DIMS
func LoadConfigFromEnv() (*Config, error) {
	if envPath, found := FindEnvFile(); found {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg := DefaultConfig()
	env := envReader{}

	cfg.Cache.MaxEntries = env.int("SUBSTRATE_CACHE_MAX_ENTRIES", cfg.Cache.MaxEntries)
	cfg.Cache.DefaultTTLSeconds = env.int("SUBSTRATE_CACHE_TTL_SECONDS", cfg.Cache.DefaultTTLSeconds)
	cfg.Cache.MinSafetyScore = env.float("SUBSTRATE_CACHE_MIN_SAFETY", cfg.Cache.MinSafetyScore)
	cfg.Cache.CleanupIntervalSeconds = env.int("SUBSTRATE_CACHE_CLEANUP_SECONDS", cfg.Cache.CleanupIntervalSeconds)

	cfg.Decay.IntervalSeconds = env.int("SUBSTRATE_DECAY_INTERVAL_SECONDS", cfg.Decay.IntervalSeconds)
	cfg.Decay.BatchSize = env.int("SUBSTRATE_DECAY_BATCH_SIZE", cfg.Decay.BatchSize)

	cfg.Cluster.MinSafetyScore = env.float("SUBSTRATE_CLUSTER_MIN_SAFETY", cfg.Cluster.MinSafetyScore)
	cfg.Cluster.SimilarityThreshold = env.float("SUBSTRATE_CLUSTER_SIMILARITY", cfg.Cluster.SimilarityThreshold)
	cfg.Cluster.MaxCandidates = env.int("SUBSTRATE_CLUSTER_MAX_CANDIDATES", cfg.Cluster.MaxCandidates)
	cfg.Cluster.MaxClusterSize = env.int("SUBSTRATE_CLUSTER_MAX_SIZE", cfg.Cluster.MaxClusterSize)
	cfg.Cluster.MinFitScore = env.float("SUBSTRATE_CLUSTER_MIN_FIT", cfg.Cluster.MinFitScore)
	cfg.Cluster.NodeID = int64(env.int("SUBSTRATE_NODE_ID", int(cfg.Cluster.NodeID)))

	provider := getEnvOrDefault("DATABASE_PROVIDER", cfg.RecordStore.Provider)
	cfg.RecordStore.Provider = provider
	switch provider {
	case "sqlite":
		cfg.RecordStore.SQLite = SQLiteConfig{
			Path:           getEnvOrDefault("SQLITE_PATH", cfg.RecordStore.SQLite.Path),
			CollectionName: getEnvOrDefault("SQLITE_COLLECTION", cfg.RecordStore.SQLite.CollectionName),
		}
	case "postgres":
		cfg.RecordStore.Postgres = SQLServerConfig{
			Host:           getEnvOrDefault("POSTGRES_HOST", "localhost"),
			Port:           env.int("POSTGRES_PORT", 5432),
			User:           getEnvOrDefault("POSTGRES_USER", "postgres"),
			Password:       os.Getenv("POSTGRES_PASSWORD"),
			DBName:         getEnvOrDefault("POSTGRES_DATABASE", "powermem"),
			CollectionName: getEnvOrDefault("POSTGRES_COLLECTION", "records"),
			Dimensions:     env.int("POSTGRES_EMBEDDING_MODEL_DIMS", 1536),
			SSLMode:        getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
		}
	case "oceanbase":
		cfg.RecordStore.OceanBase = SQLServerConfig{
			Host:           getEnvOrDefault("OCEANBASE_HOST", "127.0.0.1"),
			Port:           env.int("OCEANBASE_PORT", 2881),
			User:           getEnvOrDefault("OCEANBASE_USER", "root@sys"),
			Password:       os.Getenv("OCEANBASE_PASSWORD"),
			DBName:         getEnvOrDefault("OCEANBASE_DATABASE", "powermem"),
			CollectionName: getEnvOrDefault("OCEANBASE_COLLECTION", "records"),
			Dimensions:     env.int("OCEANBASE_EMBEDDING_MODEL_DIMS", 1536),
		}
	}

	if p := os.Getenv("EMBEDDING_PROVIDER"); p != "" {
		cfg.Embedder = EmbedderConfig{
			Provider:   p,
			APIKey:     os.Getenv("EMBEDDING_API_KEY"),
			Model:      getEnvOrDefault("EMBEDDING_MODEL", "text-embedding-ada-002"),
			BaseURL:    os.Getenv("EMBEDDING_BASE_URL"),
			Dimensions: env.int("EMBEDDING_DIMS", 0),
		}
	}

	if env.err != nil {
		return nil, NewMemoryError("LoadConfigFromEnv", fmt.Errorf("%w: %v", ErrInvalidConfig, env.err))
	}

	if path := os.Getenv("DECAY_CONFIG_PATH"); path != "" {
		decay, err := LoadDecayConfig(path)
		if err != nil {
			return nil, err
		}
		decay.IntervalSeconds = cfg.Decay.IntervalSeconds
		decay.BatchSize = cfg.Decay.BatchSize
		cfg.Decay = *decay
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFromEnvFile loads configuration from a specific .env file.
func LoadConfigFromEnvFile(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return LoadConfigFromEnv()
}

// LoadConfigFromJSON loads configuration from a JSON file.
//
// Unknown keys are rejected. Sections missing from the file keep their defaults.
func LoadConfigFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", err)
	}

	cfg := DefaultConfig()
	cfg.Decay.Categories = nil

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", fmt.Errorf("%w: %v", ErrInvalidConfig, err))
	}

	return finishLoad(cfg, "LoadConfigFromJSON")
}

// LoadConfigFromYAML loads configuration from a YAML file.
//
// Unknown keys are rejected. Sections missing from the file keep their defaults.
func LoadConfigFromYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewMemoryError("LoadConfigFromYAML", err)
	}

	cfg := DefaultConfig()
	cfg.Decay.Categories = nil

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, NewMemoryError("LoadConfigFromYAML", fmt.Errorf("%w: %v", ErrInvalidConfig, err))
	}

	return finishLoad(cfg, "LoadConfigFromYAML")
}

// LoadConfigFromFile loads a JSON or YAML file, chosen by extension.
func LoadConfigFromFile(path string) (*Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return LoadConfigFromJSON(path)
	case ".yaml", ".yml":
		return LoadConfigFromYAML(path)
	default:
		return nil, NewMemoryError("LoadConfigFromFile", fmt.Errorf("%w: unsupported config format %q", ErrInvalidConfig, path))
	}
}

// LoadDecayConfig reads a standalone decay table (JSON or YAML).
func LoadDecayConfig(path string) (*DecayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewMemoryError("LoadDecayConfig", err)
	}

	var decay DecayConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&decay)
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(&decay)
	default:
		err = fmt.Errorf("unsupported decay table format %q", path)
	}
	if err != nil {
		return nil, NewMemoryError("LoadDecayConfig", fmt.Errorf("%w: %v", ErrInvalidConfig, err))
	}

	fillDefaultCategory(&decay)
	if err := decay.Validate(); err != nil {
		return nil, NewMemoryError("LoadDecayConfig", fmt.Errorf("%w: %v", ErrInvalidConfig, err))
	}
	return &decay, nil
}

func finishLoad(cfg *Config, op string) (*Config, error) {
	fillDefaultCategory(&cfg.Decay)
	if err := cfg.validate(); err != nil {
		return nil, NewMemoryError(op, fmt.Errorf("%w: %v", ErrInvalidConfig, err))
	}
	return cfg, nil
}

func fillDefaultCategory(d *DecayConfig) {
	if d.Categories == nil {
		d.Categories = DefaultDecayCategories()
		return
	}
	if _, ok := d.Categories[CategoryDefault]; !ok {
		d.Categories[CategoryDefault] = DefaultCategoryDecay()
	}
}

func isKnownCategory(name string) bool {
	for _, known := range KnownCategories {
		if name == known {
			return true
		}
	}
	return false
}

func unitInterval(v float64) bool {
	return v >= 0 && v <= 1
}

// envReader parses numeric variables and remembers the first parse failure.
type envReader struct {
	err error
}

func (r *envReader) int(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		if r.err == nil {
			r.err = fmt.Errorf("%s: %w", key, err)
		}
		return def
	}
	return v
}

func (r *envReader) float(key string, def float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		if r.err == nil {
			r.err = fmt.Errorf("%s: %w", key, err)
		}
		return def
	}
	return v
}

// getEnvOrDefault gets an environment variable or returns the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// FindEnvFile searches for .env or .env.example files.
//
// The search:
//  1. Checks the current directory
//  2. Searches up to 5 directory levels up
//  3. Returns the first .env or .env.example file found
func FindEnvFile() (string, bool) {
	if _, err := os.Stat(".env"); err == nil {
		return ".env", true
	}
	if _, err := os.Stat(".env.example"); err == nil {
		return ".env.example", true
	}

	dir, _ := os.Getwd()
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		envExamplePath := filepath.Join(dir, ".env.example")

		if _, err := os.Stat(envPath); err == nil {
			return envPath, true
		}
		if _, err := os.Stat(envExamplePath); err == nil {
			return envExamplePath, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", false
}
