package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"kiln/pkg/cleanup"
	"kiln/pkg/logging"
	"kiln/pkg/processor"
	"kiln/pkg/reconcile"
	"kiln/pkg/scheduler"
	"kiln/pkg/statusapi"
	"kiln/pkg/watch"
)

// watchConfig holds configuration for the watch command.
type watchConfig struct {
	once      bool
	logStderr bool
}

// newWatchCmd creates the "kiln watch" subcommand.
func newWatchCmd() *cobra.Command {
	var wc watchConfig

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll GitHub and dispatch labelled work",
		Long: "Runs the watch loop: every interval it lists labelled issues and pull\n" +
			"requests, dispatches the next items in round-robin order as background\n" +
			"jobs, and runs worktree reconciliation and cleanup when due.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			if wc.once {
				a.cfg.Once = true
			}

			logFile := a.paths.LogFile
			if wc.logStderr {
				logFile = ""
			}
			closeLog := logging.Init(logging.Config{Level: a.cfg.Log.Level, Format: a.cfg.Log.Format, File: logFile})
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runWatch(ctx, a)
		},
	}

	cmd.Flags().BoolVar(&wc.once, "once", false, "run a single cycle and exit")
	cmd.Flags().BoolVar(&wc.logStderr, "log-stderr", false, "log to stderr instead of .kiln/kiln.log")

	return cmd
}

// runWatch wires the daemon and blocks until ctx is done (or after one cycle
// in once mode).
func runWatch(ctx context.Context, a *app) error {
	if err := os.MkdirAll(a.paths.KilnDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", a.paths.KilnDir, err)
	}
	if err := AcquirePIDFile(a.paths.PIDFile); err != nil {
		return err
	}
	defer func() { _ = RemovePIDFile(a.paths.PIDFile) }()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	gh, err := a.ghClient(ctx)
	if err != nil {
		return err
	}

	wts := a.worktrees()
	runner := a.jobRunner()
	proc := processor.NewJobProcessor(store, runner, wts, a.cfg.BaseBranch, a.cfg.Labels.Build)
	sched := scheduler.New(ctx, store)

	w := watch.New(a.cfg, gh, store, sched, proc,
		watch.WithReconciler(reconcile.New(a.cfg.Reconciliation, wts, gh, proc, reconcile.WithInFlight(proc))),
		watch.WithCleaner(cleanup.New(a.cfg.Cleanup, wts)),
	)

	if a.cfg.Once || a.cfg.Status.Addr == "" {
		return w.Run(ctx)
	}

	srv := statusapi.New(a.cfg.Status.Addr, a.cfg.Repository, w, runner)
	return runWithStatusAPI(ctx, w.Run, srv.Serve)
}

// runWithStatusAPI runs the watch loop next to the status API. The API stops
// when the loop returns; an API failure is logged and the loop keeps going.
func runWithStatusAPI(ctx context.Context, run, serve func(context.Context) error) error {
	srvCtx, stopSrv := context.WithCancel(ctx)
	defer stopSrv()

	var g errgroup.Group
	g.Go(func() error {
		defer stopSrv()
		return run(ctx)
	})
	g.Go(func() error {
		if err := serve(srvCtx); err != nil {
			slog.Error("watch: status api stopped, watch loop continues", "error", err)
		}
		return nil
	})
	return g.Wait()
}
