package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "ProxBalance")
		fmt.Fprintln(cmd.OutOrStdout(), "Version:", version)
		fmt.Fprintln(cmd.OutOrStdout(), "Commit:", commit)
		fmt.Fprintln(cmd.OutOrStdout(), "Build Date:", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
