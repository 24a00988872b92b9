package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/missionctl/api/schemas"
	"github.com/xkilldash9x/missionctl/internal/config"
	"github.com/xkilldash9x/missionctl/internal/engine"
	"github.com/xkilldash9x/missionctl/internal/mission"
	"github.com/xkilldash9x/missionctl/internal/observability"
	"github.com/xkilldash9x/missionctl/internal/store"
)

// newTaskCmd groups task intake operations.
func newTaskCmd() *cobra.Command {
	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}
	taskCmd.AddCommand(newTaskCreateCmd())
	return taskCmd
}

func newTaskCreateCmd() *cobra.Command {
	var (
		missionName string
		title       string
		description string
		configKVs   []string
		assignees   []string
	)

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task in a mission's initial state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}

			doc, err := mission.Load(cfg.MissionsPath())
			if err != nil {
				return fmt.Errorf("failed to load mission document: %w", err)
			}
			m, err := doc.Mission(missionName)
			if err != nil {
				return fmt.Errorf("unknown mission %q (have: %s)", missionName, strings.Join(missionNames(doc), ", "))
			}

			overrides, err := parseKVs(configKVs)
			if err != nil {
				return err
			}
			if len(assignees) > schemas.MaxAssignees {
				return fmt.Errorf("at most %d assignees allowed, got %d", schemas.MaxAssignees, len(assignees))
			}

			task := schemas.NewTaskInstance(m, title, description, overrides, assignees)
			if stage, ok := m.StageConfig[task.State]; ok {
				prompt := doc.Prompt(stage.PromptRef)
				if missing := engine.UnresolvedVars(stage, prompt, task); len(missing) > 0 {
					return fmt.Errorf("mission %q stage %s needs config for: %s (pass --config key=value)",
						missionName, task.State, strings.Join(missing, ", "))
				}
			}

			taskStore, cleanup, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := taskStore.Create(ctx, task); err != nil {
				return fmt.Errorf("failed to create task: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "created task %s (%s) in %s/%s\n",
				task.ID, task.ShortID(), task.MissionType, task.State)
			return nil
		},
	}

	createCmd.Flags().StringVar(&missionName, "mission", "", "mission type (required)")
	createCmd.Flags().StringVar(&title, "title", "", "task title (required)")
	createCmd.Flags().StringVar(&description, "description", "", "task description")
	createCmd.Flags().StringSliceVar(&configKVs, "config", nil, "config overrides as key=value (repeatable)")
	createCmd.Flags().StringSliceVar(&assignees, "assignee", nil, "initial assignee worker names (repeatable)")
	_ = createCmd.MarkFlagRequired("mission")
	_ = createCmd.MarkFlagRequired("title")
	return createCmd
}

// openStore connects to the configured task store. The memory driver is
// rejected here: a task created in a throwaway process would vanish with it.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (schemas.TaskStore, func(), error) {
	if cfg.Store().Driver != "postgres" {
		return nil, nil, fmt.Errorf("task intake requires the postgres store driver, have %q", cfg.Store().Driver)
	}
	pool, err := pgxpool.New(ctx, cfg.Store().DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to store: %w", err)
	}
	pg, err := store.NewPostgres(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pg, pool.Close, nil
}

func parseKVs(kvs []string) (map[string]string, error) {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid config override %q, want key=value", kv)
		}
		out[key] = value
	}
	return out, nil
}

func missionNames(doc *mission.Document) []string {
	names := make([]string, 0, len(doc.Missions))
	for name := range doc.Missions {
		names = append(names, name)
	}
	return names
}
