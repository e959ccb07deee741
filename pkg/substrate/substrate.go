// Package substrate wires the vector cache, the decay engine and the cluster
// manager to a record store, an embedding provider and a safety scorer.
//
// It is the orchestrator used by the command line tool and the examples:
//
//	s, err := substrate.Open(core.FileSource{Path: "substrate.yaml"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	s.Start(ctx)                                    // background loops
//	res, err := s.VectorFor(ctx, text, "note", "en") // cached embedding
package substrate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/charmbracelet/log"

	"github.com/oceanbase/powermem-substrate/pkg/cache"
	"github.com/oceanbase/powermem-substrate/pkg/cluster"
	"github.com/oceanbase/powermem-substrate/pkg/core"
	"github.com/oceanbase/powermem-substrate/pkg/decay"
	"github.com/oceanbase/powermem-substrate/pkg/embedder"
	openaiEmbedder "github.com/oceanbase/powermem-substrate/pkg/embedder/openai"
	"github.com/oceanbase/powermem-substrate/pkg/safety"
	"github.com/oceanbase/powermem-substrate/pkg/storage"
	"github.com/oceanbase/powermem-substrate/pkg/storage/memory"
	"github.com/oceanbase/powermem-substrate/pkg/storage/oceanbase"
	postgresStore "github.com/oceanbase/powermem-substrate/pkg/storage/postgres"
	sqliteStore "github.com/oceanbase/powermem-substrate/pkg/storage/sqlite"
)

// Option configures a Substrate.
type Option func(*options)

type options struct {
	store    storage.Store
	embedder embedder.Provider
	scorer   safety.Scorer
	source   core.ConfigSource
	logger   *log.Logger
	now      func() time.Time
}

// WithStore uses store instead of opening the configured backend. The
// substrate takes ownership and closes it.
func WithStore(store storage.Store) Option {
	return func(o *options) { o.store = store }
}

// WithEmbedder uses p instead of the configured provider.
func WithEmbedder(p embedder.Provider) Option {
	return func(o *options) { o.embedder = p }
}

// WithScorer replaces the rule-based safety scorer.
func WithScorer(s safety.Scorer) Option {
	return func(o *options) { o.scorer = s }
}

// WithSource sets the configuration source used by Reload.
func WithSource(src core.ConfigSource) Option {
	return func(o *options) { o.source = src }
}

// WithLogger sets the logger shared by all components.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock replaces time.Now in all components, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Substrate owns the three memory components and their collaborators.
type Substrate struct {
	mu     sync.RWMutex
	config *core.Config
	source core.ConfigSource

	store    storage.Store
	cache    *cache.VectorCache
	decay    *decay.Engine
	clusters *cluster.Manager
	scorer   safety.Scorer
	embedder embedder.Provider

	loops loops

	now    func() time.Time
	logger *log.Logger
}

// Open loads the configuration from src and creates a Substrate that
// reloads from the same source.
func Open(src core.ConfigSource, opts ...Option) (*Substrate, error) {
	cfg, err := src.Load()
	if err != nil {
		return nil, err
	}
	return New(cfg, append([]Option{WithSource(src)}, opts...)...)
}

// New creates a Substrate from cfg.
//
// The record store is opened from cfg.RecordStore unless WithStore is given;
// the embedder is created from cfg.Embedder unless WithEmbedder is given. An
// empty embedder provider leaves the substrate without one, in which case
// VectorFor fails but decay and clustering work.
//
// Parameters:
//   - cfg: Validated configuration
//   - opts: Optional collaborators, logger and clock
//
// Returns a new Substrate, or an error if any component fails to initialize.
func New(cfg *core.Config, opts ...Option) (*Substrate, error) {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{logger: log.Default(), now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = log.Default()
	}
	if o.scorer == nil {
		o.scorer = safety.NewRuleScorer()
	}

	node, err := snowflake.NewNode(cfg.Cluster.NodeID)
	if err != nil {
		return nil, core.NewMemoryError("substrate.New", fmt.Errorf("%w: %v", core.ErrInvalidConfig, err))
	}

	store := o.store
	if store == nil {
		if store, err = initStorage(cfg.RecordStore, node, o.now); err != nil {
			return nil, err
		}
	}

	s := &Substrate{
		config: cfg,
		source: o.source,
		store:  store,
		scorer: o.scorer,
		now:    o.now,
		logger: o.logger,
	}

	if s.embedder = o.embedder; s.embedder == nil {
		if s.embedder, err = initEmbedder(cfg.Embedder); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	s.cache, err = cache.NewFromConfig(cfg.Cache,
		cache.WithLogger(o.logger),
		cache.WithClock(o.now),
	)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	s.decay, err = decay.New(store, cfg.Decay,
		decay.WithLogger(o.logger),
		decay.WithClock(o.now),
	)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	s.clusters, err = cluster.New(store, cfg.Cluster,
		cluster.WithLogger(o.logger),
		cluster.WithClock(o.now),
		cluster.WithScorer(o.scorer),
		cluster.WithNode(node),
	)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Cache returns the vector cache.
func (s *Substrate) Cache() *cache.VectorCache { return s.cache }

// Decay returns the decay engine.
func (s *Substrate) Decay() *decay.Engine { return s.decay }

// Clusters returns the cluster manager.
func (s *Substrate) Clusters() *cluster.Manager { return s.clusters }

// Store returns the record store.
func (s *Substrate) Store() storage.Store { return s.store }

// Config returns the active configuration.
func (s *Substrate) Config() core.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.config
}

// Close stops the background loops and releases the store and the embedder.
//
// Example:
//
//	defer s.Close()
func (s *Substrate) Close() error {
	s.Stop()

	var errs []error
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.embedder != nil {
		if err := s.embedder.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// initStorage opens the configured record store backend.
func initStorage(cfg core.RecordStoreConfig, node *snowflake.Node, now func() time.Time) (storage.Store, error) {
	switch cfg.Provider {
	case "memory", "":
		return memory.New(memory.WithNode(node), memory.WithClock(now))
	case "sqlite":
		return sqliteStore.NewClient(&sqliteStore.Config{
			DBPath:         cfg.SQLite.Path,
			CollectionName: cfg.SQLite.CollectionName,
			Node:           node,
			Now:            now,
		})
	case "postgres":
		sslMode := cfg.Postgres.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return postgresStore.NewClient(&postgresStore.Config{
			Host:               cfg.Postgres.Host,
			Port:               cfg.Postgres.Port,
			User:               cfg.Postgres.User,
			Password:           cfg.Postgres.Password,
			DBName:             cfg.Postgres.DBName,
			CollectionName:     cfg.Postgres.CollectionName,
			EmbeddingModelDims: cfg.Postgres.Dimensions,
			SSLMode:            sslMode,
			Node:               node,
		})
	case "oceanbase":
		return oceanbase.NewClient(&oceanbase.Config{
			Host:               cfg.OceanBase.Host,
			Port:               cfg.OceanBase.Port,
			User:               cfg.OceanBase.User,
			Password:           cfg.OceanBase.Password,
			DBName:             cfg.OceanBase.DBName,
			CollectionName:     cfg.OceanBase.CollectionName,
			EmbeddingModelDims: cfg.OceanBase.Dimensions,
			Node:               node,
		})
	default:
		return nil, core.NewMemoryError("initStorage", fmt.Errorf("%w: record store provider %q", core.ErrInvalidConfig, cfg.Provider))
	}
}

// initEmbedder creates the configured embedding provider, or nil when none
// is configured.
func initEmbedder(cfg core.EmbedderConfig) (embedder.Provider, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "openai":
		return openaiEmbedder.NewClient(&openaiEmbedder.Config{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Dimensions: cfg.Dimensions,
		})
	default:
		return nil, core.NewMemoryError("initEmbedder", fmt.Errorf("%w: embedder provider %q", core.ErrInvalidConfig, cfg.Provider))
	}
}
