package main

import "github.com/spf13/cobra"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "notifyctl",
		Short:         "Operate the notification pipeline",
		Long:          "notifyctl checks and renders templates, previews recurrence schedules and injects events into a running pipeline.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newTemplateCmd())
	cmd.AddCommand(newScheduleCmd())
	cmd.AddCommand(newEventCmd())
	return cmd
}
