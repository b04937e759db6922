// Package main provides the mrsync binary: the mixed-reality session server
// and its schema migration runner.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cory-johannsen/mrsync/internal/protocol"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "mrsync",
		Short: "Mixed-reality session server",
		Long: `mrsync keeps authoritative scene state per session and streams
entity patches and RPCs to connected mixed-reality hosts over WebSocket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd(), migrateCmd(), versionCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build and protocol versions",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mrsync %s (protocol %s)\n", version, protocol.Version)
		},
	}
}
