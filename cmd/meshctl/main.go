package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is injected at build time via ldflags
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "meshctl",
	Short: "inspect and query an agentmesh registry",
	Long: `meshctl talks to a running registry over its HTTP API to list agents,
inspect a single agent's details and health, and tail the live change
feed. It never mutates registry state directly: registration and heartbeats
are the agent process's job, not the operator's.`,
}

func main() {
	// Set version from build-time injection
	rootCmd.Version = version

	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newGetCommand())
	rootCmd.AddCommand(newWatchCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
