// Package tasks implements the scheduled background tasks: the retention
// sweep that purges old messages, and periodic database maintenance.
package tasks

import (
	"context"
	"log/slog"

	"github.com/hookchat/hookchat/internal/config"
	"github.com/hookchat/hookchat/internal/database"
)

// ScheduledTaskFunc is the standard signature for all scheduled tasks.
// The context provided by the scheduler should be respected for cancellation.
type ScheduledTaskFunc func(ctx context.Context) error

// Deps contains the dependencies required by scheduled tasks.
type Deps struct {
	Logger *slog.Logger
	Store  database.Store
	Config *config.Config
}

// RegisterAll returns the map of all registered scheduled tasks. The keys
// match the task names under the scheduler section of the configuration.
func RegisterAll(deps Deps) map[string]ScheduledTaskFunc {
	taskMap := map[string]ScheduledTaskFunc{
		"retention_sweep": newRetentionSweepTask(deps),
		"sql_maintenance": newSQLMaintenanceTask(deps),
	}

	deps.Logger.Info("Initialized scheduled tasks", "count", len(taskMap))
	return taskMap
}
