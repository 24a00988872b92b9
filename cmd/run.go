package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/missionctl/internal/observability"
	"github.com/xkilldash9x/missionctl/internal/service"
)

// newRunCmd creates the `run` command: the long-lived daemon driving the
// heartbeat scheduler and the recovery layer until interrupted.
func newRunCmd() *cobra.Command {
	var missionsFile string

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the mission daemon (scheduler + recovery)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			if missionsFile != "" {
				cfg.SetMissionsPath(missionsFile)
			}

			components, err := service.NewComponentFactory().Create(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer components.Shutdown()

			if err := components.Healer.Start(ctx, cfg.Recovery().CronSpec); err != nil {
				return err
			}

			logger.Info("Mission daemon running",
				zap.String("missions", cfg.MissionsPath()),
				zap.String("recovery_cron", cfg.Recovery().CronSpec))

			// Blocks until the signal context is cancelled.
			err = components.Scheduler.Run(ctx)
			if ctx.Err() != nil {
				logger.Info("Shutdown requested, stopping daemon.")
				return nil
			}
			return err
		},
	}

	runCmd.Flags().StringVarP(&missionsFile, "missions", "m", "", "mission document (overrides config missions_path)")
	return runCmd
}
