package decay

import "time"

// Statistics are cumulative counters of an Engine.
type Statistics struct {
	Cycles         int64 `json:"cycles"`
	Processed      int64 `json:"processed"`
	Changed        int64 `json:"changed"`
	Removed        int64 `json:"removed"`
	Preserved      int64 `json:"preserved"`
	Failed         int64 `json:"failed"`
	Reinforcements int64 `json:"reinforcements"`

	LastRunAt    time.Time     `json:"last_run_at"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

// Statistics returns a snapshot of the engine counters.
func (e *Engine) Statistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Engine) recordBatch(r *Report) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Cycles++
	e.stats.Processed += int64(r.Processed)
	e.stats.Changed += int64(r.Changed)
	e.stats.Removed += int64(r.Removed)
	e.stats.Preserved += int64(r.Preserved)
	e.stats.Failed += int64(r.Failed)
	e.stats.LastRunAt = r.StartedAt
	e.stats.LastDuration = r.Duration
	e.stats.LastError = ""
}

func (e *Engine) recordFailure(at time.Time, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Cycles++
	e.stats.LastRunAt = at
	e.stats.LastDuration = 0
	e.stats.LastError = err.Error()
}
