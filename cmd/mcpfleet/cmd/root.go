// Package cmd provides the CLI commands for mcpfleet.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcpfleet/mcpfleet/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mcpfleet",
	Short: "mcpfleet - MCP service gateway",
	Long: `mcpfleet runs a fleet of MCP servers as supervised child processes
and fronts them with a single HTTP gateway.

Each registered service gets a proxy path; POST requests on that path are
forwarded to the child over line-delimited JSON-RPC on stdio, with per-client
rate limiting and response caching applied at the edge. A WebSocket bridge
exposes server-initiated notifications, and a management API covers service
registration, lifecycle, logs and API keys.

Quick start:
  1. Optionally create mcpfleet.yaml
  2. Run: mcpfleet serve
  3. Mint the first API key: POST /api/keys

Configuration:
  Config is loaded from mcpfleet.yaml in the current directory,
  $HOME/.mcpfleet/, or /etc/mcpfleet/.

  Environment variables override config values with the MCPFLEET_ prefix.
  Example: MCPFLEET_SERVER_ADDR=:9090

Commands:
  serve       Start the gateway
  hash-key    Print the stored hash for an API key
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./mcpfleet.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
