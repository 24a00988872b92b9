package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/missionctl/internal/actions"
	"github.com/xkilldash9x/missionctl/internal/guards"
	"github.com/xkilldash9x/missionctl/internal/mission"
	"github.com/xkilldash9x/missionctl/internal/observability"
	"github.com/xkilldash9x/missionctl/internal/registry"
)

// newValidateCmd creates the `validate` command: run the full static check
// suite against a mission document and report every violation.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [mission-document]",
		Short: "Validate a mission document without activating it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromContext(cmd.Context())
			if err != nil {
				return err
			}
			path := cfg.MissionsPath()
			if len(args) == 1 {
				path = args[0]
			}

			logger := observability.GetLogger()
			guardReg := registry.NewGuards()
			if err := (&guards.Builtins{}).Register(guardReg); err != nil {
				return err
			}
			actionReg := registry.NewActions()
			if err := (&actions.Builtins{Logger: logger}).Register(actionReg); err != nil {
				return err
			}

			doc, err := mission.Load(path)
			if err != nil {
				return fmt.Errorf("failed to load %s: %w", path, err)
			}
			ve := mission.Validate(doc, guardReg, actionReg, cfg.Scheduler().DefaultInterval)

			out := cmd.OutOrStdout()
			for _, v := range ve.Violations {
				fmt.Fprintln(out, v.String())
			}
			if ve.HasErrors() {
				return fmt.Errorf("%s: validation failed", path)
			}
			fmt.Fprintf(out, "%s: %d mission(s), %d agent(s), %d warning(s), OK\n",
				path, len(doc.Missions), len(doc.Agents), len(ve.Warnings()))
			return nil
		},
	}
}
