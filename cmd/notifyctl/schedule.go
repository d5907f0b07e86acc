package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"notification-pipeline/internal/schedule"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect recurrence patterns",
	}
	cmd.AddCommand(newScheduleNextCmd())
	return cmd
}

func newScheduleNextCmd() *cobra.Command {
	var (
		from  string
		count int
	)

	cmd := &cobra.Command{
		Use:   "next <pattern>",
		Short: "Print the next occurrences of weekly:DAY or yearly:MM-DD",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := schedule.ParsePattern(args[0])
			if err != nil {
				return err
			}

			t := time.Now().UTC()
			if from != "" {
				t, err = time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("invalid --from: %w", err)
				}
			}

			for i := 0; i < count; i++ {
				t = p.Next(t)
				fmt.Fprintln(cmd.OutOrStdout(), t.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "Reference time in RFC3339 (default now)")
	cmd.Flags().IntVar(&count, "count", 1, "Number of occurrences to print")

	return cmd
}
