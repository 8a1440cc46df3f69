package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one reaper cycle and exit",
	Long: `Deletes every session past its reap grace and removes side storage that
no longer belongs to a session, then prints a summary. Useful from cron when
no server is running against the same data directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		a.ping(cmd.Context())

		report := a.newReaper().RunOnce(cmd.Context())
		fmt.Fprintln(cmd.OutOrStdout(), describe(report))
		if report.Failed > 0 {
			return fmt.Errorf("sweep: %d items could not be removed", report.Failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
