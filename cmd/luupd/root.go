package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "luupd",
	Short: "luupd serves short-lived shared sessions",
	Long: `luupd hosts photo shares, chat rooms, whiteboards and quick polls that
expire after a fixed lifetime. Configuration is read from the environment.`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
