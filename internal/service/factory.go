// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/missionctl/api/schemas"
	"github.com/xkilldash9x/missionctl/internal/actions"
	"github.com/xkilldash9x/missionctl/internal/config"
	"github.com/xkilldash9x/missionctl/internal/engine"
	"github.com/xkilldash9x/missionctl/internal/executor"
	"github.com/xkilldash9x/missionctl/internal/factsource"
	"github.com/xkilldash9x/missionctl/internal/guards"
	"github.com/xkilldash9x/missionctl/internal/mission"
	"github.com/xkilldash9x/missionctl/internal/notify"
	"github.com/xkilldash9x/missionctl/internal/recovery"
	"github.com/xkilldash9x/missionctl/internal/registry"
	"github.com/xkilldash9x/missionctl/internal/scheduler"
	"github.com/xkilldash9x/missionctl/internal/store"
)

// ComponentFactory abstracts daemon wiring so command-level logic stays
// testable against a mock factory.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

type concreteFactory struct{}

// NewComponentFactory creates the production factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create performs the full dependency injection for the daemon: store, fact
// source, executor, registries, mission set, engine, scheduler, recovery.
// The mission document is loaded and validated before anything starts
// ticking; a bad document fails fast.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Task store.
	taskStore, err := f.buildStore(ctx, cfg, logger, components)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Store = taskStore
	logger.Debug("Task store initialized.", zap.String("driver", cfg.Store().Driver))

	// 2. Fact source.
	facts, err := buildFactSource(cfg, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Facts = facts
	logger.Debug("Fact source initialized.", zap.String("driver", cfg.FactSource().Driver))

	// 3. Executor.
	exec, err := executor.NewGemini(ctx, executor.Options{
		APIKey:       cfg.Executor().APIKey,
		DefaultModel: cfg.Executor().DefaultModel,
		RoleModels:   cfg.Executor().RoleModels,
		Timeout:      cfg.Executor().Timeout,
		MaxRetries:   cfg.Executor().MaxRetries,
		Temperature:  cfg.Executor().Temperature,
	}, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize executor: %w", err)
		return nil, initializationErr
	}
	components.Executor = exec
	logger.Debug("Executor initialized.", zap.String("model", cfg.Executor().DefaultModel))

	// 4. Notifier.
	if url := cfg.Notify().WebhookURL; url != "" {
		components.Notifier = notify.NewWebhook(url, logger)
	} else {
		components.Notifier = notify.NewLog(logger)
	}

	// 5. Registries with built-ins. Duplicate names abort startup here.
	components.Guards = registry.NewGuards()
	guardSet := &guards.Builtins{StaleThreshold: cfg.Recovery().StaleThreshold}
	if err := guardSet.Register(components.Guards); err != nil {
		initializationErr = fmt.Errorf("failed to register guards: %w", err)
		return nil, initializationErr
	}
	components.Actions = registry.NewActions()
	actionSet := &actions.Builtins{Logger: logger}
	if err := actionSet.Register(components.Actions); err != nil {
		initializationErr = fmt.Errorf("failed to register actions: %w", err)
		return nil, initializationErr
	}
	logger.Debug("Registries initialized.",
		zap.Strings("guards", components.Guards.Names()),
		zap.Strings("actions", components.Actions.Names()))

	// 6. Mission document: load, validate, activate.
	components.Missions = mission.NewActiveSet(
		components.Guards, components.Actions,
		cfg.Scheduler().DefaultInterval, logger)
	if err := components.Missions.Reload(cfg.MissionsPath()); err != nil {
		initializationErr = fmt.Errorf("failed to activate mission document: %w", err)
		return nil, initializationErr
	}

	// 7. Lifecycle engine.
	components.Engine = engine.New(
		taskStore, exec, facts,
		components.Guards, components.Actions, components.Missions,
		nil, engine.Options{
			ExecutorTimeout: cfg.Engine().ExecutorTimeout,
			ActionTimeout:   cfg.Engine().ActionTimeout,
		}, logger)
	logger.Debug("Lifecycle engine initialized.")

	// 8. Heartbeat scheduler.
	components.Scheduler = scheduler.New(components.Engine, taskStore, components.Missions, nil,
		scheduler.Options{
			DefaultInterval:    cfg.Scheduler().DefaultInterval,
			TickTimeout:        cfg.Scheduler().TickTimeout,
			BatchSize:          cfg.Scheduler().BatchSize,
			MaxConcurrentSteps: cfg.Scheduler().MaxConcurrentSteps,
		}, logger)
	logger.Debug("Scheduler initialized.")

	// 9. Recovery layer.
	components.Healer = recovery.New(
		taskStore, components.Missions, components.Guards, facts,
		components.Notifier, components.Scheduler.Statuses, nil,
		recovery.Options{
			StaleThreshold:   cfg.Recovery().StaleThreshold,
			SoftTimeout:      cfg.Recovery().SoftTimeout,
			HardTimeout:      cfg.Recovery().HardTimeout,
			HeartbeatFactor:  cfg.Recovery().HeartbeatFactor,
			FailureThreshold: cfg.Recovery().FailureThreshold,
		}, logger)
	logger.Debug("Recovery layer initialized.")

	logger.Info("All components initialized successfully.")
	return components, nil
}

func (f *concreteFactory) buildStore(ctx context.Context, cfg config.Interface, logger *zap.Logger, components *Components) (schemas.TaskStore, error) {
	switch cfg.Store().Driver {
	case "memory":
		return store.NewMemory(), nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store().DSN())
		if err != nil {
			return nil, fmt.Errorf("failed to create database connection pool: %w", err)
		}
		// Attach immediately so a failed later step still closes the pool.
		components.DBPool = pool
		pg, err := store.NewPostgres(ctx, pool, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize store: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store().Driver)
	}
}

func buildFactSource(cfg config.Interface, logger *zap.Logger) (schemas.FactSource, error) {
	fc := cfg.FactSource()
	switch fc.Driver {
	case "github":
		opts := factsource.GitHubOptions{
			Repository:        fc.Repository,
			Token:             fc.Token,
			RequestsPerSecond: fc.RateLimit,
			Timeout:           fc.Timeout,
		}
		if fc.AppID != 0 && fc.InstallationID != 0 && fc.PrivateKeyPath != "" {
			opts.AppAuth = &factsource.AppAuth{
				AppID:          fc.AppID,
				InstallationID: fc.InstallationID,
				PrivateKeyPath: fc.PrivateKeyPath,
			}
		}
		src, err := factsource.NewGitHub(opts, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize github fact source: %w", err)
		}
		return src, nil
	case "local":
		src, err := factsource.NewLocalGit(fc.LocalPath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize local fact source: %w", err)
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown factsource driver %q", fc.Driver)
	}
}
