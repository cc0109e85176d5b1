package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newTickCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run a single tick and print its summary as JSON",
		Long: `tick checks every due endpoint once, evaluates rules, sends notifications
and exits. It fails when the tick could not list the catalog or reach the
database; per-endpoint failures are reported in the summary only.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), root.configPath)
			if err != nil {
				return err
			}
			defer a.close()

			orch := a.pulse.Orchestrator()
			if orch == nil {
				return errors.New("pulse has no store configured")
			}
			summary, tickErr := orch.RunTick(cmd.Context())
			// Notifications and events are delivered before the summary prints.
			a.bus.Wait()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(summary); err != nil {
				return err
			}
			if tickErr != nil {
				a.logger.Error("tick failed", zap.Error(tickErr))
				return tickErr
			}
			return nil
		},
	}
}
