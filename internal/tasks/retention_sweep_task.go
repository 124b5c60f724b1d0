package tasks

import (
	"context"
	"fmt"
	"time"
)

// newRetentionSweepTask creates the scheduled task that purges messages
// older than the configured retention age, cascading to their attachments.
// A zero max age disables the sweep.
func newRetentionSweepTask(deps Deps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "retention_sweep")

	return func(ctx context.Context) error {
		maxAge := deps.Config.Retention.MaxMessageAge
		if maxAge <= 0 {
			log.DebugContext(ctx, "Retention sweep disabled, skipping")
			return nil
		}

		cutoff := time.Now().UTC().Add(-maxAge)
		log.InfoContext(ctx, "Starting retention sweep", "cutoff", cutoff)
		startTime := time.Now()

		count, err := deps.Store.DeleteMessagesBefore(ctx, cutoff)
		duration := time.Since(startTime)

		if err != nil {
			log.ErrorContext(ctx, "Retention sweep failed", "error", err, "duration", duration)
			return fmt.Errorf("retention sweep failed: %w", err)
		}

		log.InfoContext(ctx, "Retention sweep completed", "purged", count, "duration", duration)
		return nil
	}
}
