// Command paictl is the thin operational CLI for the orchestrator core:
// run one dispatch+orchestrator tick, loop ticks until signalled, manage the
// store, and (invoked by the dispatcher itself) run a single detached
// worker. It deliberately does not grow an interactive UI, a web dashboard,
// or scheduled-timer installation — those are out-of-scope external
// collaborators per spec §1.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "paictl",
	Short:   "Operational CLI for the PAI work orchestrator",
	Version: version,
	Long: `paictl drives the orchestrator core from outside a single process:

  paictl tick           # run one dispatcher+orchestrator tick
  paictl serve           # loop tick on an interval until signalled
  paictl store init      # create/open the store
  paictl store reindex   # rebuild the event log's full-text index
  paictl worker run      # run one work item inline (spawned by the dispatcher)
  paictl project load    # register a project (and seed features) from a YAML descriptor`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json", false, "Emit machine-readable JSON instead of plain text")
	rootCmd.AddCommand(newTickCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newStoreCommand())
	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newProjectCommand())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
