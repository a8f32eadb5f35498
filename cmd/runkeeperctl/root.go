package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/RedBackRubbish/torbit-sub007/internal/app"
	"github.com/RedBackRubbish/torbit-sub007/internal/config"
	"github.com/RedBackRubbish/torbit-sub007/internal/domain"
	"github.com/RedBackRubbish/torbit-sub007/internal/metrics"
	"github.com/RedBackRubbish/torbit-sub007/internal/store"
	"github.com/RedBackRubbish/torbit-sub007/internal/transport/channel"
	"github.com/RedBackRubbish/torbit-sub007/internal/worker"
)

type Store interface {
	CreateRun(ctx context.Context, run domain.BackgroundRun) (domain.BackgroundRun, bool, error)
	GetRun(ctx context.Context, runID uuid.UUID) (domain.BackgroundRun, error)
	ListRuns(ctx context.Context, filter store.RunFilter, limit, offset int) ([]domain.BackgroundRun, error)
	RequestCancel(ctx context.Context, runID uuid.UUID, at time.Time) (domain.BackgroundRun, error)
	RequeueRun(ctx context.Context, runID uuid.UUID, at time.Time) (domain.BackgroundRun, error)
}

type Loop interface {
	Run(ctx context.Context, req worker.Request) (worker.Report, error)
}

type Recoverer interface {
	RecoverStale(ctx context.Context, scope domain.Scope, staleAfter time.Duration, limit int) (domain.WatchdogReport, error)
}

// env is what one command invocation works against.
type env struct {
	cfg      config.Config
	store    Store
	loop     Loop
	watchdog Recoverer
	clock    func() time.Time
	close    func()
}

type opener func(ctx context.Context) (*env, error)

// openEnv connects with the server's configuration. Run events are delivered
// inline because the process exits right after the command.
func openEnv(ctx context.Context) (*env, error) {
	cfg := config.Load()
	if cfg.StoreDriver() == "" {
		return nil, errors.New("DATABASE_URL must be a postgres:// or sqlite:// URL")
	}

	db, st, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rdb := app.NewRedis(cfg)
	closeAll := func() {
		if rdb != nil {
			rdb.Close()
		}
		db.Close()
	}

	events := channel.Inline(app.EventHandlers(cfg, rdb))
	c, err := app.Build(ctx, cfg, st, metrics.NewNoopSink(), events)
	if err != nil {
		closeAll()
		return nil, err
	}

	return &env{
		cfg:      cfg,
		store:    st,
		loop:     c.Loop,
		watchdog: c.Watchdog,
		clock:    func() time.Time { return time.Now().UTC() },
		close:    closeAll,
	}, nil
}

func newRootCmd(open opener) *cobra.Command {
	var timeout time.Duration

	root := &cobra.Command{
		Use:           "runkeeperctl",
		Short:         "Operate runkeeper background runs",
		SilenceUsage: true,
	}
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "Overall deadline for the command")

	var withEnv envRunner = func(fn envFunc) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			e, err := open(ctx)
			if err != nil {
				return err
			}
			defer e.close()
			return fn(ctx, cmd, args, e)
		}
	}

	root.AddCommand(
		TickCmd(withEnv),
		RecoverCmd(withEnv),
		CreateCmd(withEnv),
		GetCmd(withEnv),
		ListCmd(withEnv),
		RetryCmd(withEnv),
		CancelCmd(withEnv),
	)
	return root
}

type envFunc func(ctx context.Context, cmd *cobra.Command, args []string, e *env) error

// envRunner adapts an envFunc to a cobra RunE: it opens an env under the
// --timeout deadline and closes it afterwards.
type envRunner func(fn envFunc) func(*cobra.Command, []string) error

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
