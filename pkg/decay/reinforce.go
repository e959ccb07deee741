package decay

import (
	"context"
	"fmt"
	"math"

	"github.com/oceanbase/powermem-substrate/pkg/core"
	"github.com/oceanbase/powermem-substrate/pkg/storage"
)

// Reinforce strengthens a record after it has been used.
//
// The new weight is min(1, weight * reinforcement_factor * strength) and is
// persisted together with the access time and an incremented access count.
//
// Parameters:
//   - ctx: Context for the store calls
//   - id: Record identifier
//   - strength: Positive multiplier; 1.0 is a regular access
//
// Returns the new weight, core.ErrNotFound for unknown or deleted records and
// core.ErrInvalidInput for a non-positive strength.
func (e *Engine) Reinforce(ctx context.Context, id int64, strength float64) (float64, error) {
	if strength <= 0 || math.IsNaN(strength) || math.IsInf(strength, 0) {
		return 0, core.NewMemoryError("decay.Reinforce", fmt.Errorf("%w: strength %v", core.ErrInvalidInput, strength))
	}

	records, err := e.store.ReadCandidates(ctx, storage.CandidateFilter{IDs: []int64{id}}, storage.OrderLastAccessedDesc, 1)
	if err != nil {
		return 0, core.NewMemoryError("decay.Reinforce", err)
	}
	if len(records) == 0 {
		return 0, core.NewMemoryError("decay.Reinforce", fmt.Errorf("record %d: %w", id, core.ErrNotFound))
	}
	r := records[0]

	weight := Reinforced(r.Weight, e.config.Load().For(r.Category), strength)
	if err := e.store.RecordAccess(ctx, id, weight, e.now()); err != nil {
		return 0, core.NewMemoryError("decay.Reinforce", err)
	}

	e.mu.Lock()
	e.stats.Reinforcements++
	e.mu.Unlock()

	e.logger.Debug("decay: reinforced record", "id", id, "before", r.Weight, "after", weight)
	return weight, nil
}
