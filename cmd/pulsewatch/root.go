package main

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "pulsewatch",
		Short: "Scheduled HTTP health checks with alerting",
		Long: `pulsewatch probes registered HTTP endpoints on a fixed interval, records
every result, evaluates alert rules against them and notifies tenants over
email, Slack, webhooks or Alertmanager when a rule triggers.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to configuration file")

	cmd.AddCommand(
		newServeCmd(opts),
		newTickCmd(opts),
		newSeedCmd(opts),
		newTokenCmd(opts),
		newVersionCmd(),
	)
	return cmd
}
