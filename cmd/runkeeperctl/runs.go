package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/RedBackRubbish/torbit-sub007/internal/api"
	"github.com/RedBackRubbish/torbit-sub007/internal/domain"
	"github.com/RedBackRubbish/torbit-sub007/internal/store"
)

func CreateCmd(withEnv envRunner) *cobra.Command {
	var (
		project, user, runType string
		input, metadata, key   string
		maxAttempts            int
		noRetry                bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Queue a new run",
		RunE: withEnv(func(ctx context.Context, cmd *cobra.Command, args []string, e *env) error {
			p := domain.NewRunParams{RunType: runType, MaxAttempts: maxAttempts}
			var err error
			if p.ProjectID, err = uuid.Parse(project); err != nil {
				return fmt.Errorf("invalid --project: %w", err)
			}
			if p.UserID, err = uuid.Parse(user); err != nil {
				return fmt.Errorf("invalid --user: %w", err)
			}
			if maxAttempts < 0 || maxAttempts > domain.MaxMaxAttempts {
				return fmt.Errorf("--max-attempts must be between 1 and %d", domain.MaxMaxAttempts)
			}
			if input != "" {
				if !json.Valid([]byte(input)) {
					return errors.New("--input must be valid JSON")
				}
				p.Input = json.RawMessage(input)
			}
			if metadata != "" {
				var obj map[string]any
				if err := json.Unmarshal([]byte(metadata), &obj); err != nil {
					return errors.New("--metadata must be a JSON object")
				}
				p.Metadata = json.RawMessage(metadata)
			}
			if p.IdempotencyKey, err = domain.NormalizeIdempotencyKey(key); err != nil {
				return err
			}
			if noRetry {
				retryable := false
				p.Retryable = &retryable
			}

			run, deduplicated, err := e.store.CreateRun(ctx, domain.NewRun(p, e.clock()))
			if err != nil {
				return fmt.Errorf("create run: %w", err)
			}
			resp := api.NewRunResponse(run)
			return printJSON(cmd, api.RunEnvelope{Success: true, Run: &resp, Deduplicated: deduplicated})
		}),
	}
	cmd.Flags().StringVar(&project, "project", "", "Project ID")
	cmd.Flags().StringVar(&user, "user", "", "Owning user ID")
	cmd.Flags().StringVar(&runType, "type", "", "Run type")
	cmd.Flags().StringVar(&input, "input", "", "Run input as JSON")
	cmd.Flags().StringVar(&metadata, "metadata", "", "Run metadata as a JSON object")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "Deduplicate creation on this key")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Attempt budget (default 3)")
	cmd.Flags().BoolVar(&noRetry, "no-retry", false, "Fail on the first error")
	cmd.MarkFlagRequired("project")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("type")
	return cmd
}

func GetCmd(withEnv envRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "get [run-id]",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(ctx context.Context, cmd *cobra.Command, args []string, e *env) error {
			run, err := loadRun(ctx, e, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, api.NewRunResponse(run))
		}),
	}
}

func ListCmd(withEnv envRunner) *cobra.Command {
	var (
		status, project, user string
		limit                 int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: withEnv(func(ctx context.Context, cmd *cobra.Command, args []string, e *env) error {
			var filter store.RunFilter
			if status != "" {
				filter.Status = domain.RunStatus(status)
				if !filter.Status.Valid() {
					return fmt.Errorf("invalid --status %q", status)
				}
			}
			scope, err := parseScope(project, user)
			if err != nil {
				return err
			}
			filter.ProjectID, filter.UserID = scope.ProjectID, scope.UserID

			runs, err := e.store.ListRuns(ctx, filter, limit, 0)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			resp := api.ListRunsResponse{Runs: make([]api.RunResponse, len(runs))}
			for i, run := range runs {
				resp.Runs[i] = api.NewRunResponse(run)
			}
			return printJSON(cmd, resp)
		}),
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (queued, running, succeeded, failed, cancelled)")
	cmd.Flags().StringVar(&project, "project", "", "Filter by project ID")
	cmd.Flags().StringVar(&user, "user", "", "Filter by user ID")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to list")
	return cmd
}

func RetryCmd(withEnv envRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [run-id]",
		Short: "Requeue a failed or cancelled run",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(ctx context.Context, cmd *cobra.Command, args []string, e *env) error {
			run, err := loadRun(ctx, e, args[0])
			if err != nil {
				return err
			}
			if err := run.CheckManualRetry(); err != nil {
				return fmt.Errorf("run %s (%s, %d/%d attempts): %w", run.ID, run.Status, run.AttemptCount, run.MaxAttempts, err)
			}

			requeued, err := e.store.RequeueRun(ctx, run.ID, e.clock())
			if err != nil {
				return fmt.Errorf("requeue run %s: %w", run.ID, err)
			}
			resp := api.NewRunResponse(requeued)
			return printJSON(cmd, api.RunEnvelope{Success: true, Run: &resp})
		}),
	}
}

func CancelCmd(withEnv envRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [run-id]",
		Short: "Request cancellation of a queued or running run",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(ctx context.Context, cmd *cobra.Command, args []string, e *env) error {
			run, err := loadRun(ctx, e, args[0])
			if err != nil {
				return err
			}
			if run.Status.IsTerminal() {
				return fmt.Errorf("run %s is already %s", run.ID, run.Status)
			}
			if !run.CancelRequested {
				if run, err = e.store.RequestCancel(ctx, run.ID, e.clock()); err != nil {
					return fmt.Errorf("cancel run: %w", err)
				}
			}
			resp := api.NewRunResponse(run)
			return printJSON(cmd, api.RunEnvelope{Success: true, Run: &resp})
		}),
	}
}

func loadRun(ctx context.Context, e *env, raw string) (domain.BackgroundRun, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return domain.BackgroundRun{}, fmt.Errorf("invalid run id %q", raw)
	}
	run, err := e.store.GetRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.BackgroundRun{}, fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return domain.BackgroundRun{}, fmt.Errorf("load run: %w", err)
	}
	return run, nil
}
