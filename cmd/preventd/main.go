// Preventd records development mistakes and checks proposed changes
// against what it has learned from them.
//
// Usage:
//
//	# Record a mistake from a JSON document
//	preventd record mistake.json
//
//	# Check a proposal before running it
//	cat proposal.json | preventd check -
//
//	# Run the learning loop with the HTTP API and /metrics
//	preventd serve
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "preventd",
		Short: "Learn from development mistakes and prevent their recurrence",
		Long: `preventd keeps a ledger of development mistakes, derives prevention rules,
field mapping and code structure memories from them, and checks proposed
solutions against that knowledge before they run.

Configuration is read from ~/.config/preventd/config.yaml and PREVENTD_*
environment variables. All commands print JSON.`,
		Version:       fmt.Sprintf("%s (%s)", version, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.config/preventd/config.yaml)")

	root.AddCommand(
		newRecordCmd(opts),
		newCheckCmd(opts),
		newVerifyCmd(opts),
		newOutcomeCmd(opts),
		newHistoryCmd(opts),
		newRulesCmd(opts),
		newMetricsCmd(opts),
		newInsightsCmd(opts),
		newMappingCmd(opts),
		newStructureCmd(opts),
		newSeedCmd(opts),
		newLearnCmd(opts),
		newServeCmd(opts),
	)
	return root
}
