// Package main is the chatlink CLI: a daemon that keeps one realtime chat
// session open, relays stdin lines as chat messages and prints inbound frames.
//
//	chatlink run --config chatlink.yaml
//	chatlink version
//
// Configuration comes from CHATLINK_* environment variables, optionally
// overridden by a YAML file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "chatlink",
		Short:        "chatlink - reconnecting realtime transport for the chat widget",
		Version:      versionString(),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildRunCmd(), buildVersionCmd())
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionString())
		},
	}
}

func versionString() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
}
