package decay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oceanbase/powermem-substrate/pkg/core"
)

// MaintenanceLoop runs ApplyDecayBatch immediately and then every interval
// until ctx is cancelled.
//
// A failed cycle is logged and the loop waits for the next tick. The loop
// only returns on cancellation, with ctx.Err(), or for a non-positive
// interval.
func (e *Engine) MaintenanceLoop(ctx context.Context, interval time.Duration, batchSize int) error {
	if interval <= 0 {
		return core.NewMemoryError("decay.MaintenanceLoop", fmt.Errorf("%w: interval must be positive", core.ErrInvalidInput))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		e.runCycle(ctx, batchSize)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) runCycle(ctx context.Context, batchSize int) {
	report, err := e.ApplyDecayBatch(ctx, BatchOptions{BatchSize: batchSize})
	switch {
	case err != nil && errors.Is(err, ctx.Err()):
		e.logger.Info("decay: cycle interrupted")
	case err != nil:
		e.logger.Warn("decay: cycle failed", "err", err)
	default:
		e.logger.Info("decay: cycle complete",
			"processed", report.Processed,
			"changed", report.Changed,
			"removed", report.Removed,
			"preserved", report.Preserved,
			"failed", report.Failed,
			"duration", report.Duration,
		)
	}
}
