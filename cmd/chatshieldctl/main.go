// Command chatshieldctl is the operator CLI for pattern sets and rollups.
//
// Usage:
//
//	chatshieldctl patterns validate patterns.yaml
//	chatshieldctl patterns scan patterns.yaml "send me money"
//	chatshieldctl rollup backfill --granularity hourly --from 2026-10-01T00:00:00Z --to 2026-10-02T00:00:00Z
//	chatshieldctl rollup verify --granularity daily --start 2026-10-01T00:00:00Z
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "chatshieldctl",
		Short:        "Operate chatshield pattern sets and rollups",
		SilenceUsage: true,
	}
	root.AddCommand(newPatternsCmd(), newRollupCmd())
	return root
}
