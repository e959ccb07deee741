package decay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oceanbase/powermem-substrate/pkg/core"
	"github.com/oceanbase/powermem-substrate/pkg/storage"
)

// Action is the outcome of decay for a single record.
type Action string

const (
	ActionPreserved Action = "preserved"
	ActionUpdated   Action = "updated"
	ActionRemoved   Action = "removed"
	ActionUnchanged Action = "unchanged"
	ActionFailed    Action = "failed"
)

// BatchOptions selects the records of one decay pass.
type BatchOptions struct {
	// BatchSize bounds the number of records read. Zero uses the configured
	// batch size.
	BatchSize int

	// MaxAgeDays, when positive, restricts the pass to records accessed within
	// that many days.
	MaxAgeDays int

	// Categories restricts the pass to these categories. Empty means all.
	Categories []string
}

// AuditEntry records the before and after weight of one record.
type AuditEntry struct {
	RecordID int64   `json:"record_id"`
	Category string  `json:"category"`
	Before   float64 `json:"before"`
	After    float64 `json:"after"`
	Action   Action  `json:"action"`
	Error    string  `json:"error,omitempty"`
}

// Report summarizes one decay pass.
type Report struct {
	Processed int `json:"processed"`
	Changed   int `json:"changed"`
	Removed   int `json:"removed"`
	Preserved int `json:"preserved"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`

	// Interrupted is set when the context was cancelled before every
	// candidate was visited.
	Interrupted bool `json:"interrupted"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Entries   []AuditEntry  `json:"entries"`
}

// ApplyDecayBatch decays one page of candidate records, oldest access first.
//
// For each record:
//   - weight >= preserve_weight_threshold: left untouched
//   - decayed weight <= minimum_weight and safety < 0.9: soft deleted
//   - change above the noise threshold: new weight persisted
//   - otherwise: left untouched
//
// A store failure on one record is counted, logged and recorded in the audit
// trail; the remaining records are still processed. Cancelling ctx stops the
// pass before the next record and returns the partial report with ctx.Err().
// A failure to read candidates returns a nil report.
func (e *Engine) ApplyDecayBatch(ctx context.Context, opts BatchOptions) (*Report, error) {
	cfg := e.config.Load()
	start := e.now()

	batchSize := opts.BatchSize
	if batchSize == 0 {
		batchSize = cfg.BatchSize
	}
	if batchSize <= 0 {
		return nil, core.NewMemoryError("decay.ApplyDecayBatch", fmt.Errorf("%w: batch size must be positive", core.ErrInvalidInput))
	}

	filter := storage.CandidateFilter{Categories: opts.Categories}
	if opts.MaxAgeDays > 0 {
		filter.AccessedAfter = start.Add(-time.Duration(opts.MaxAgeDays) * 24 * time.Hour)
	}

	records, err := e.store.ReadCandidates(ctx, filter, storage.OrderLastAccessedAsc, batchSize)
	if err != nil {
		err = core.NewMemoryError("decay.ApplyDecayBatch", err)
		e.recordFailure(start, err)
		return nil, err
	}

	report := &Report{StartedAt: start, Entries: make([]AuditEntry, 0, len(records))}
	for _, r := range records {
		if ctx.Err() != nil {
			report.Interrupted = true
			break
		}
		entry := e.decayRecord(ctx, cfg, r, start)
		report.Processed++
		switch entry.Action {
		case ActionPreserved:
			report.Preserved++
		case ActionUpdated:
			report.Changed++
		case ActionRemoved:
			report.Removed++
		case ActionUnchanged:
			report.Unchanged++
		case ActionFailed:
			report.Failed++
		}
		report.Entries = append(report.Entries, entry)
	}
	report.Duration = e.now().Sub(start)

	e.recordBatch(report)

	if report.Interrupted {
		return report, ctx.Err()
	}
	return report, nil
}

func (e *Engine) decayRecord(ctx context.Context, cfg *core.DecayConfig, r *storage.MemoryRecord, now time.Time) AuditEntry {
	params := cfg.For(r.Category)
	entry := AuditEntry{RecordID: r.ID, Category: r.Category, Before: r.Weight, After: r.Weight}

	if r.Weight >= params.PreserveWeightThreshold {
		entry.Action = ActionPreserved
		return entry
	}

	decayed := Decay(r.Weight, now.Sub(r.LastAccessedAt), params, r.AccessCount)

	switch {
	case decayed <= params.MinimumWeight && r.SafetyScore < PurgeSafetyCeiling:
		if err := e.store.SoftDelete(ctx, r.ID); err != nil {
			return e.failed(entry, "soft delete", err)
		}
		entry.After = 0
		entry.Action = ActionRemoved
	case r.Weight-decayed > NoiseThreshold:
		if err := e.store.UpdateWeight(ctx, r.ID, decayed); err != nil {
			return e.failed(entry, "update weight", err)
		}
		entry.After = decayed
		entry.Action = ActionUpdated
	default:
		entry.Action = ActionUnchanged
	}
	return entry
}

func (e *Engine) failed(entry AuditEntry, step string, err error) AuditEntry {
	level := e.logger.Warn
	if errors.Is(err, core.ErrNotFound) {
		level = e.logger.Debug
	}
	level("decay: "+step+" failed", "id", entry.RecordID, "err", err)
	entry.Action = ActionFailed
	entry.Error = err.Error()
	return entry
}
