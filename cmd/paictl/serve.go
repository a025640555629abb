package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pai-dev/orchestrator/pkg/dispatcher"
	"github.com/pai-dev/orchestrator/pkg/logger"
)

var serveLog = logger.New("paictl:serve")

func newServeCommand() *cobra.Command {
	var opts dispatcher.Options
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Loop `tick` on an interval until signalled",
		Long: `serve is a plain interval ticker, not a cron schedule: it repeats
"paictl tick" every --interval until SIGINT/SIGTERM. Installing it as a
recurring scheduled job is an operator/deployment concern, out of scope here.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			serveLog.Printf("serving, interval=%s", interval)
			runOnce(a, opts)
			for {
				select {
				case <-ctx.Done():
					serveLog.Printf("signalled, stopping")
					return nil
				case <-ticker.C:
					runOnce(a, opts)
				}
			}
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "Time between ticks")
	cmd.Flags().IntVar(&opts.MaxConcurrent, "max-concurrent", 3, "Maximum concurrently active agent sessions")
	cmd.Flags().IntVar(&opts.MaxItems, "max-items", 0, "Maximum work items to dispatch per tick (0 = unbounded)")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "Restrict to one or more comma-separated priorities")
	cmd.Flags().StringVar(&opts.Project, "project", "", "Restrict to one project")
	cmd.Flags().IntVar(&opts.TimeoutMin, "timeout-min", 30, "Per-item timeout, in minutes")
	cmd.Flags().BoolVar(&opts.FireAndForget, "fire-and-forget", false, "Spawn a detached `paictl worker run` per item instead of running inline")

	return cmd
}

func runOnce(a *app, opts dispatcher.Options) {
	if result, err := a.dispatcher.Tick(opts); err != nil {
		serveLog.Printf("dispatcher tick failed: %v", err)
	} else {
		serveLog.Printf("dispatcher tick: dispatched=%d skipped=%d errors=%d", len(result.Dispatched), len(result.Skipped), len(result.Errors))
	}
	if sfResult, err := a.specflow.Tick(opts.MaxConcurrent); err != nil {
		serveLog.Printf("specflow tick failed: %v", err)
	} else {
		serveLog.Printf("specflow tick: released=%d advanced=%d completed=%d failed=%d",
			sfResult.Released, len(sfResult.Advanced), len(sfResult.Completed), len(sfResult.Failed))
	}
}
