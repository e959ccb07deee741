// Package cache implements VectorCache, a bounded LRU cache of computed
// embedding vectors keyed by a content fingerprint.
//
// The cache never generates vectors itself. Entries expire after a TTL and are
// dropped on read when their safety score falls below the configured minimum.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/oceanbase/powermem-substrate/pkg/core"
	"github.com/oceanbase/powermem-substrate/pkg/vector"
)

// entryOverhead approximates the per-entry bookkeeping cost in bytes
// (list element, map bucket, entry struct, result header).
const entryOverhead = 160

// VectorResult is a computed vector together with its provenance.
//
// Results handed out by the cache carry their own copy of Vector.
type VectorResult struct {
	Vector      []float64
	SafetyScore float64
	ContentHash string
	Dimensions  int
	GeneratedAt time.Time

	// FromCache is set on results returned by Get.
	FromCache bool
}

type entry struct {
	key          Key
	result       VectorResult
	createdAt    time.Time
	lastAccessed time.Time
	accessCount  int64
	ttl          time.Duration
}

func (e *entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.createdAt) > e.ttl
}

func (e *entry) bytes() int64 {
	return int64(len(e.result.Vector)*8 + len(e.key))
}

// Option configures a VectorCache.
type Option func(*VectorCache)

// WithLogger sets the logger. Defaults to log.Default().
func WithLogger(l *log.Logger) Option {
	return func(c *VectorCache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *VectorCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithDefaultTTL sets the TTL of entries stored without one. Zero disables expiry.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *VectorCache) { c.defaultTTL = ttl }
}

// WithMinSafetyScore sets the safety gate.
func WithMinSafetyScore(score float64) Option {
	return func(c *VectorCache) { c.minSafety = score }
}

// VectorCache is a thread-safe LRU cache of VectorResults.
//
// A single mutex guards the index, the recency list and the counters. It is
// held only while they are mutated; vectors are copied outside of it.
type VectorCache struct {
	mu       sync.Mutex
	items    map[Key]*list.Element
	order    *list.List // front is most recently used
	capacity int

	defaultTTL time.Duration
	minSafety  float64

	stats       counters
	vectorBytes int64

	now    func() time.Time
	logger *log.Logger
}

type counters struct {
	hits, misses                      int64
	evictions, expirations            int64
	safetyRejections, safetyEvictions int64
	invalidRejections                 int64
	capacityRejections                int64
}

// New creates a cache holding at most capacity entries.
//
// A capacity of zero yields a cache that stores nothing. Negative capacities
// and safety scores outside [0,1] are rejected with core.ErrInvalidConfig.
func New(capacity int, opts ...Option) (*VectorCache, error) {
	c := &VectorCache{
		items:     make(map[Key]*list.Element),
		order:     list.New(),
		capacity:  capacity,
		minSafety: 0.8,
		now:       time.Now,
		logger:    log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if capacity < 0 {
		return nil, core.NewMemoryError("cache.New", fmt.Errorf("%w: negative capacity %d", core.ErrInvalidConfig, capacity))
	}
	if c.minSafety < 0 || c.minSafety > 1 {
		return nil, core.NewMemoryError("cache.New", fmt.Errorf("%w: min safety score %v", core.ErrInvalidConfig, c.minSafety))
	}
	if c.defaultTTL < 0 {
		return nil, core.NewMemoryError("cache.New", fmt.Errorf("%w: negative default ttl", core.ErrInvalidConfig))
	}
	return c, nil
}

// NewFromConfig creates a cache sized by cfg. Options override cfg.
func NewFromConfig(cfg core.CacheConfig, opts ...Option) (*VectorCache, error) {
	base := []Option{
		WithDefaultTTL(cfg.DefaultTTL()),
		WithMinSafetyScore(cfg.MinSafetyScore),
	}
	return New(cfg.MaxEntries, append(base, opts...)...)
}

// Get returns the cached result for key.
//
// It reports false when the key is absent, expired or carries a safety score
// below the current minimum; the latter two are evicted on the way out.
func (c *VectorCache) Get(key Key) (VectorResult, bool) {
	c.mu.Lock()
	elem, ok := c.items[key]
	if !ok {
		c.stats.misses++
		c.mu.Unlock()
		return VectorResult{}, false
	}

	e := elem.Value.(*entry)
	now := c.now()
	switch {
	case e.expired(now):
		c.removeElement(elem)
		c.stats.expirations++
		c.stats.misses++
		c.mu.Unlock()
		return VectorResult{}, false
	case e.result.SafetyScore < c.minSafety:
		c.removeElement(elem)
		c.stats.safetyEvictions++
		c.stats.misses++
		minSafety := c.minSafety
		c.mu.Unlock()
		c.logger.Debug("cache: evicted entry below safety floor", "key", key, "safety", e.result.SafetyScore, "min", minSafety)
		return VectorResult{}, false
	}

	c.order.MoveToFront(elem)
	e.accessCount++
	e.lastAccessed = now
	c.stats.hits++
	result := e.result
	c.mu.Unlock()

	// Stored vectors are never mutated, so the copy can happen unlocked.
	result.Vector = vector.Clone(result.Vector)
	result.FromCache = true
	return result, true
}

// Put stores result under key and marks it most recently used.
//
// ttl overrides the default TTL when positive. Put reports false with a nil
// error when the result is refused by the safety gate or when the cache has
// zero capacity, counted in Stats.SafetyRejections and
// Stats.CapacityRejections. The gate is checked under the same lock hold as
// the insert, against the floor current at that moment.
//
// Malformed input (empty key, empty or non-finite vector, negative ttl) fails
// with core.ErrInvalidInput and a Dimensions field that disagrees with the
// vector fails with core.ErrDimensionMismatch. A zero Dimensions is taken
// from the vector.
func (c *VectorCache) Put(key Key, result VectorResult, ttl time.Duration) (bool, error) {
	if err := c.validate(key, &result, ttl); err != nil {
		c.mu.Lock()
		c.stats.invalidRejections++
		c.mu.Unlock()
		return false, core.NewMemoryError("cache.Put", err)
	}

	if ttl == 0 {
		ttl = c.defaultTTL
	}
	result.Vector = vector.Clone(result.Vector)
	result.FromCache = false
	now := c.now()
	e := &entry{
		key:          key,
		result:       result,
		createdAt:    now,
		lastAccessed: now,
		ttl:          ttl,
	}

	c.mu.Lock()
	if minSafety := c.minSafety; result.SafetyScore < minSafety {
		c.stats.safetyRejections++
		c.mu.Unlock()
		c.logger.Debug("cache: put rejected by safety gate", "key", key, "safety", result.SafetyScore, "min", minSafety)
		return false, nil
	}
	if c.capacity == 0 {
		c.stats.capacityRejections++
		c.mu.Unlock()
		return false, nil
	}

	if elem, ok := c.items[key]; ok {
		c.vectorBytes -= elem.Value.(*entry).bytes()
		elem.Value = e
		c.order.MoveToFront(elem)
	} else {
		c.items[key] = c.order.PushFront(e)
	}
	c.vectorBytes += e.bytes()

	evicted := 0
	for c.order.Len() > c.capacity {
		c.removeElement(c.order.Back())
		c.stats.evictions++
		evicted++
	}
	c.mu.Unlock()

	if evicted > 0 {
		c.logger.Debug("cache: evicted least recently used", "count", evicted)
	}
	return true, nil
}

func (c *VectorCache) validate(key Key, result *VectorResult, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("%w: empty cache key", core.ErrInvalidInput)
	}
	if ttl < 0 {
		return fmt.Errorf("%w: negative ttl", core.ErrInvalidInput)
	}
	if err := vector.Validate(result.Vector); err != nil {
		return err
	}
	if result.Dimensions == 0 {
		result.Dimensions = len(result.Vector)
	}
	if result.Dimensions != len(result.Vector) {
		return fmt.Errorf("%w: dimensions %d, vector length %d", core.ErrDimensionMismatch, result.Dimensions, len(result.Vector))
	}
	if result.SafetyScore < 0 || result.SafetyScore > 1 {
		return fmt.Errorf("%w: safety score %v outside [0,1]", core.ErrInvalidInput, result.SafetyScore)
	}
	return nil
}

// removeElement unlinks elem. Callers hold c.mu.
func (c *VectorCache) removeElement(elem *list.Element) {
	e := elem.Value.(*entry)
	c.order.Remove(elem)
	delete(c.items, e.key)
	c.vectorBytes -= e.bytes()
}

// Invalidate removes key and reports whether it was present.
func (c *VectorCache) Invalidate(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(elem)
	return true
}

// InvalidatePattern removes every key containing substr and returns how many
// were removed. An empty pattern matches nothing; use Clear to drop everything.
func (c *VectorCache) InvalidatePattern(substr string) int {
	if substr == "" {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, elem := range c.items {
		if strings.Contains(string(key), substr) {
			c.removeElement(elem)
			removed++
		}
	}
	return removed
}

// Clear removes every entry and returns how many there were. Counters are kept.
func (c *VectorCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.order.Len()
	c.items = make(map[Key]*list.Element)
	c.order.Init()
	c.vectorBytes = 0
	return n
}

// CleanupExpired removes every entry whose TTL has elapsed.
func (c *VectorCache) CleanupExpired() int {
	c.mu.Lock()
	now := c.now()
	removed := 0
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*entry).expired(now) {
			c.removeElement(elem)
			removed++
		}
		elem = prev
	}
	c.stats.expirations += int64(removed)
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug("cache: swept expired entries", "count", removed)
	}
	return removed
}

// StartCleanupTimer sweeps expired entries every interval until ctx is done.
//
// The sweep runs in its own goroutine; the returned channel is closed when
// it exits.
func (c *VectorCache) StartCleanupTimer(ctx context.Context, interval time.Duration) <-chan struct{} {
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
				c.CleanupExpired()
			}
		}
	}()
	return done
}

// SetMinSafetyScore changes the safety gate. Entries already cached are
// re-checked against the new value on their next read.
func (c *VectorCache) SetMinSafetyScore(score float64) error {
	if score < 0 || score > 1 {
		return core.NewMemoryError("cache.SetMinSafetyScore", fmt.Errorf("%w: %v", core.ErrInvalidConfig, score))
	}
	c.mu.Lock()
	c.minSafety = score
	c.mu.Unlock()
	return nil
}

// MinSafetyScore returns the current safety gate.
func (c *VectorCache) MinSafetyScore() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minSafety
}

// Len returns the number of entries, expired ones included until swept.
func (c *VectorCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
