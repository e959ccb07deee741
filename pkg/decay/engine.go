// Package decay ages record weights over idle time and reinforces them on use.
//
// The engine reads candidate records from a storage.RecordStore, computes the
// decayed weight for each according to its category's parameters and writes
// back updates, soft deletes or nothing. The decay curve is exponential in the
// number of idle days, slowed by historical accesses and steepened once a
// record has been idle past its category's acceleration threshold:
//
//	rate   = base_decay_rate / (1 + 0.25 * ln(1 + access_count))
//	factor = exp(-rate * d)                              for d <= T
//	factor = exp(-rate * T - 2 * rate * (d - T))          for d >  T
//	weight = max(minimum_weight, weight * factor)
//
// The curve is continuous at T, so weights never increase with idle time.
//
// Example usage:
//
//	engine, err := decay.New(store, cfg.Decay)
//	report, err := engine.ApplyDecayBatch(ctx, decay.BatchOptions{BatchSize: 500})
//	weight, err := engine.Reinforce(ctx, recordID, 1.0)
package decay

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/oceanbase/powermem-substrate/pkg/core"
	"github.com/oceanbase/powermem-substrate/pkg/storage"
)

const (
	// AccessDamping scales how strongly past accesses slow decay.
	AccessDamping = 0.25

	// AccelerationMultiplier is the rate multiplier applied past the
	// acceleration threshold.
	AccelerationMultiplier = 2.0

	// NoiseThreshold is the smallest weight change that is persisted.
	NoiseThreshold = 0.001

	// PurgeSafetyCeiling protects records at or above this safety score from
	// being purged by decay.
	PurgeSafetyCeiling = 0.9
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to log.Default().
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine applies time-based decay to records of a RecordStore.
//
// The decay table is swapped atomically by SetConfiguration; a batch in
// flight keeps using the table it started with.
type Engine struct {
	store  storage.RecordStore
	config atomic.Pointer[core.DecayConfig]

	mu    sync.Mutex
	stats Statistics

	now    func() time.Time
	logger *log.Logger
}

// New creates a decay engine over store.
//
// Parameters:
//   - store: Record store read and updated by the engine
//   - cfg: Decay table and maintenance cadence, validated before use
//   - opts: Optional logger and clock
//
// Returns core.ErrInvalidConfig when store is nil or cfg is invalid.
func New(store storage.RecordStore, cfg core.DecayConfig, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, core.NewMemoryError("decay.New", fmt.Errorf("%w: nil record store", core.ErrInvalidConfig))
	}
	e := &Engine{
		store:  store,
		now:    time.Now,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.SetConfiguration(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// SetConfiguration validates cfg and replaces the active decay table.
func (e *Engine) SetConfiguration(cfg core.DecayConfig) error {
	if err := cfg.Validate(); err != nil {
		return core.NewMemoryError("decay.SetConfiguration", fmt.Errorf("%w: %v", core.ErrInvalidConfig, err))
	}
	table := make(map[string]core.CategoryDecay, len(cfg.Categories))
	for name, params := range cfg.Categories {
		table[name] = params
	}
	cfg.Categories = table
	e.config.Store(&cfg)
	return nil
}

// Configuration returns the active decay table.
func (e *Engine) Configuration() core.DecayConfig {
	cfg := *e.config.Load()
	table := make(map[string]core.CategoryDecay, len(cfg.Categories))
	for name, params := range cfg.Categories {
		table[name] = params
	}
	cfg.Categories = table
	return cfg
}

// CalculateDecay returns the decayed weight of a record last accessed at
// lastAccessed, using the parameters of category (or the default category
// when category is unknown).
func (e *Engine) CalculateDecay(weight float64, lastAccessed time.Time, category string, accessCount int) float64 {
	params := e.config.Load().For(category)
	return Decay(weight, e.now().Sub(lastAccessed), params, accessCount)
}

// Decay applies the decay curve to weight after idle time.
//
// Negative idle times and access counts are treated as zero. A weight that is
// already at or below the category minimum is returned unchanged, not raised
// to the minimum as max(minimum, weight*e^-k) would.
func Decay(weight float64, idle time.Duration, params core.CategoryDecay, accessCount int) float64 {
	if weight <= params.MinimumWeight {
		return weight
	}
	days := idle.Hours() / 24
	if days < 0 {
		days = 0
	}
	if accessCount < 0 {
		accessCount = 0
	}

	rate := params.BaseDecayRate / (1 + AccessDamping*math.Log1p(float64(accessCount)))
	threshold := params.AccelerationThresholdDays

	var exponent float64
	if days <= threshold {
		exponent = rate * days
	} else {
		exponent = rate*threshold + rate*AccelerationMultiplier*(days-threshold)
	}

	decayed := weight * math.Exp(-exponent)
	if decayed < params.MinimumWeight {
		return params.MinimumWeight
	}
	if decayed > weight {
		return weight
	}
	return decayed
}

// Reinforced returns the weight after a reinforcement of the given strength,
// capped at 1.
func Reinforced(weight float64, params core.CategoryDecay, strength float64) float64 {
	return math.Min(1.0, weight*params.ReinforcementFactor*strength)
}
