package cli

import (
	"github.com/spf13/cobra"

	"github.com/coral-mesh/sigscan/internal/cli/maps"
	"github.com/coral-mesh/sigscan/internal/cli/scan"
	"github.com/coral-mesh/sigscan/pkg/version"
)

// newRootCmd builds the command tree. Each call returns a fresh tree.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sigscan",
		Short: "Sigscan - find byte signatures in process memory",
		Long: `Locate code and data in running processes by byte signature.

Patterns are hex bytes with '?' wildcards, matched against the sections and
loader segments of the process image and its shared libraries. Results are
module-relative, so the same signature keeps working across ASLR and minor
rebuilds.

Key capabilities:
- Scope a scan to a library, a section, a module address or a raw range
- Try fallback candidates until one yields the expected match count
- Evaluate YAML signature catalogues and report byte-level variants`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("log-level", "", "Log level (trace, debug, info, warn, error)")

	root.AddCommand(scan.NewScanCmd())
	root.AddCommand(maps.NewMapsCmd())
	root.AddCommand(newHashCmd())
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("Sigscan version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
			cmd.Printf("Platform: %s\n", version.Platform())
		},
	}
}

// Execute runs the root command
func Execute() error {
	return newRootCmd().Execute()
}
