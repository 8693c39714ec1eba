package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0-dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "simlab",
		Short: "SimLab - generated interactive simulations, rendered in isolation",
		Long: `simlab serves signed-in simulation workspaces over HTTP and WebSocket.

Each run asks the generation service for markup and script, charges the
caller's usage quota and mounts the result in an isolated sandbox.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file (environment overrides it)")
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(),
		newRenderCmd(),
	)
	return rootCmd
}
