// File: internal/service/components.go
package service

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xkilldash9x/missionctl/api/schemas"
	"github.com/xkilldash9x/missionctl/internal/engine"
	"github.com/xkilldash9x/missionctl/internal/mission"
	"github.com/xkilldash9x/missionctl/internal/observability"
	"github.com/xkilldash9x/missionctl/internal/recovery"
	"github.com/xkilldash9x/missionctl/internal/registry"
	"github.com/xkilldash9x/missionctl/internal/scheduler"
)

// Components holds every initialized service of a running daemon and
// centralizes their lifecycle.
type Components struct {
	Store     schemas.TaskStore
	Facts     schemas.FactSource
	Executor  schemas.Executor
	Notifier  schemas.Notifier
	Guards    *registry.Guards
	Actions   *registry.Actions
	Missions  *mission.ActiveSet
	Engine    *engine.Engine
	Scheduler *scheduler.Scheduler
	Healer    *recovery.Healer

	DBPool *pgxpool.Pool
}

// Shutdown releases resources in reverse dependency order. The scheduler and
// healer goroutines are stopped by their contexts; this closes what remains.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning components shutdown sequence.")

	if c.Healer != nil {
		c.Healer.Stop()
		logger.Debug("Recovery layer stopped.")
	}

	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}

	logger.Info("All components shut down.")
}
