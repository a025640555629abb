package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pai-dev/orchestrator/pkg/dispatcher"
)

// tickOutput bundles both sub-loops' results for one combined tick, since
// an operator driving paictl from cron wants one invocation that advances
// both the work queue and the SpecFlow feature pipeline.
type tickOutput struct {
	Dispatcher *dispatcher.Result   `json:"dispatcher"`
	SpecFlow   *specFlowTickSummary `json:"specflow,omitempty"`
}

type specFlowTickSummary struct {
	Released  int      `json:"released"`
	Advanced  []string `json:"advanced"`
	Completed []string `json:"completed"`
	Failed    []string `json:"failed"`
	Errors    []string `json:"errors"`
}

func newTickCommand() *cobra.Command {
	var opts dispatcher.Options
	var skipSpecFlow bool

	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one dispatcher tick, claiming and handing off available work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.dispatcher.Tick(opts)
			if err != nil {
				return fmt.Errorf("paictl: tick: %w", err)
			}

			out := &tickOutput{Dispatcher: result}
			if !skipSpecFlow {
				sfResult, err := a.specflow.Tick(opts.MaxConcurrent)
				if err != nil {
					return fmt.Errorf("paictl: specflow tick: %w", err)
				}
				out.SpecFlow = &specFlowTickSummary{
					Released: sfResult.Released, Advanced: sfResult.Advanced,
					Completed: sfResult.Completed, Failed: sfResult.Failed, Errors: sfResult.Errors,
				}
			}

			return printResult(cmd, out, func() {
				printf("dispatched=%d skipped=%d errors=%d\n", len(result.Dispatched), len(result.Skipped), len(result.Errors))
				for _, d := range result.Dispatched {
					printf("  dispatched %s session=%s\n", d.ItemID, d.SessionID)
				}
				for _, e := range result.Errors {
					printf("  error: %s\n", e)
				}
				if out.SpecFlow != nil {
					printf("specflow: released=%d advanced=%d completed=%d failed=%d\n",
						out.SpecFlow.Released, len(out.SpecFlow.Advanced), len(out.SpecFlow.Completed), len(out.SpecFlow.Failed))
				}
			})
		},
	}

	cmd.Flags().IntVar(&opts.MaxConcurrent, "max-concurrent", 3, "Maximum concurrently active agent sessions")
	cmd.Flags().IntVar(&opts.MaxItems, "max-items", 0, "Maximum work items to dispatch this tick (0 = unbounded)")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "Restrict to one or more comma-separated priorities (P1,P2,P3)")
	cmd.Flags().StringVar(&opts.Project, "project", "", "Restrict to one project")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Report what would be dispatched without claiming anything")
	cmd.Flags().IntVar(&opts.TimeoutMin, "timeout-min", 30, "Per-item timeout, in minutes")
	cmd.Flags().BoolVar(&opts.FireAndForget, "fire-and-forget", false, "Spawn a detached `paictl worker run` per item instead of running inline")
	cmd.Flags().BoolVar(&skipSpecFlow, "skip-specflow", false, "Only run the dispatcher tick, not the SpecFlow orchestrator tick")

	return cmd
}
