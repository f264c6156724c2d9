package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mcpfleet/mcpfleet/internal/adapter/outbound/registry"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Print the stored hash for an API key",
	Long: `Print the SHA-256 hash of an API key as it is stored in the registry.

Useful for matching a known plaintext key against the api_keys table when
auditing a database.

Example:
  mcpfleet hash-key "mf_0123abcd..."

Security note: the key will appear in shell history. Consider clearing
history after use or passing an environment variable:
  mcpfleet hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(registry.HashKey(args[0]))
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
