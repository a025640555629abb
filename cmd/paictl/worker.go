package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newWorkerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Worker lifecycle commands",
	}
	cmd.AddCommand(newWorkerRunCommand())
	return cmd
}

// newWorkerRunCommand is what pkg/dispatcher's spawnDetached execs for a
// fire-and-forget dispatch: `paictl worker run --session-id ... --item-id
// ... --timeout-ms ...`. It is not meant to be invoked by an operator
// directly — the dispatcher has already registered the session and claimed
// the item before spawning this process.
func newWorkerRunCommand() *cobra.Command {
	var sessionID, itemID string
	var timeoutMs int

	cmd := &cobra.Command{
		Use:    "run",
		Short:  "Run one work item inline to completion (invoked by the dispatcher)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" || itemID == "" {
				return fmt.Errorf("paictl: worker run: --session-id and --item-id are required")
			}
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			timeoutMin := timeoutMs / 60000
			if err := a.worker.Run(context.Background(), sessionID, itemID, timeoutMin); err != nil {
				return fmt.Errorf("paictl: worker run: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session-id", "", "Session id the dispatcher registered for this item")
	cmd.Flags().StringVar(&itemID, "item-id", "", "Work item id to run")
	cmd.Flags().IntVar(&timeoutMs, "timeout-ms", 30*60*1000, "Per-item timeout, in milliseconds")

	return cmd
}
