package cache

// Stats is a point-in-time snapshot of the cache counters.
type Stats struct {
	Hits               int64 `json:"hits"`
	Misses             int64 `json:"misses"`
	Evictions          int64 `json:"evictions"`
	Expirations        int64 `json:"expirations"`
	SafetyRejections   int64 `json:"safety_rejections"`
	SafetyEvictions    int64 `json:"safety_evictions"`
	InvalidRejections  int64 `json:"invalid_rejections"`
	CapacityRejections int64 `json:"capacity_rejections"` // puts refused by a zero-capacity cache

	HitRate  float64 `json:"hit_rate"`
	Entries  int     `json:"entries"`
	Capacity int     `json:"capacity"`

	// EstimatedBytes is vector payload plus key bytes plus a fixed
	// per-entry overhead.
	EstimatedBytes int64 `json:"estimated_bytes"`
}

// Stats returns the current counters.
func (c *VectorCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:               c.stats.hits,
		Misses:             c.stats.misses,
		Evictions:          c.stats.evictions,
		Expirations:        c.stats.expirations,
		SafetyRejections:   c.stats.safetyRejections,
		SafetyEvictions:    c.stats.safetyEvictions,
		InvalidRejections:  c.stats.invalidRejections,
		CapacityRejections: c.stats.capacityRejections,
		Entries:            c.order.Len(),
		Capacity:           c.capacity,
		EstimatedBytes:     c.vectorBytes + int64(c.order.Len())*entryOverhead,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
