package cmd

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Build information. Set via -ldflags on release builds; Commit falls back
// to the VCS revision stamped into the binary.
var (
	Version   = "0.3.0"
	Commit    = ""
	BuildDate = ""
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mcpfleet version %s (commit %s, %s, %s/%s)\n",
			Version, commit(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
		if BuildDate != "" {
			fmt.Printf("built %s\n", BuildDate)
		}
	},
}

func commit() string {
	if Commit != "" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				if len(s.Value) > 12 {
					return s.Value[:12]
				}
				return s.Value
			}
		}
	}
	return "unknown"
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
