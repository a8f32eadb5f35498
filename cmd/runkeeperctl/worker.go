package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/RedBackRubbish/torbit-sub007/internal/api"
	"github.com/RedBackRubbish/torbit-sub007/internal/app"
	"github.com/RedBackRubbish/torbit-sub007/internal/domain"
	"github.com/RedBackRubbish/torbit-sub007/internal/watchdog"
)

// TickCmd runs one worker loop invocation, for Kubernetes CronJobs and other
// external schedulers.
func TickCmd(withEnv envRunner) *cobra.Command {
	var (
		limit, batchSize, maxBatches int
		staleAfter                   time.Duration
		project, user                string
	)

	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one worker invocation: watchdog pass, then dispatch batches",
		RunE: withEnv(func(ctx context.Context, cmd *cobra.Command, args []string, e *env) error {
			req := app.WorkerRequest(e.cfg)
			if limit > 0 {
				req.Limit = limit
			}
			if batchSize > 0 {
				req.BatchSize = batchSize
			}
			if maxBatches > 0 {
				req.MaxBatches = maxBatches
			}
			if staleAfter > 0 {
				req.StaleAfter = staleAfter
			}
			scope, err := parseScope(project, user)
			if err != nil {
				return err
			}
			req.Scope = scope

			report, err := e.loop.Run(ctx, req)
			if err != nil {
				return fmt.Errorf("worker invocation: %w", err)
			}
			return printJSON(cmd, api.NewWorkerTickResponse(report))
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Runs to process (default WORKER_LIMIT)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Runs per dispatch batch (default WORKER_BATCH_SIZE)")
	cmd.Flags().IntVar(&maxBatches, "max-batches", 0, "Dispatch batches (default WORKER_MAX_BATCHES)")
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "Lease timeout for the watchdog pass (default STALE_AFTER)")
	cmd.Flags().StringVar(&project, "project", "", "Only process runs of this project")
	cmd.Flags().StringVar(&user, "user", "", "Only process runs of this user")
	return cmd
}

// RecoverCmd runs a watchdog pass without dispatching.
func RecoverCmd(withEnv envRunner) *cobra.Command {
	var (
		limit      int
		staleAfter time.Duration
	)

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Requeue or fail running runs whose lease expired",
		RunE: withEnv(func(ctx context.Context, cmd *cobra.Command, args []string, e *env) error {
			after := staleAfter
			if after <= 0 {
				after = e.cfg.StaleAfter
			}
			report, err := e.watchdog.RecoverStale(ctx, domain.Scope{}, after, limit)
			if err != nil {
				return fmt.Errorf("recover stale runs: %w", err)
			}
			return printJSON(cmd, api.WatchdogResponse{
				Scanned:   report.Scanned,
				Stale:     report.Stale,
				Recovered: report.Recovered,
				Retried:   report.Retried,
				Failed:    report.Failed,
			})
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", watchdog.DefaultConfig().Limit, "Maximum runs to recover")
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "Lease timeout (default STALE_AFTER)")
	return cmd
}

func parseScope(project, user string) (domain.Scope, error) {
	var scope domain.Scope
	var err error
	if project != "" {
		if scope.ProjectID, err = uuid.Parse(project); err != nil {
			return scope, fmt.Errorf("invalid --project: %w", err)
		}
	}
	if user != "" {
		if scope.UserID, err = uuid.Parse(user); err != nil {
			return scope, fmt.Errorf("invalid --user: %w", err)
		}
	}
	return scope, nil
}
