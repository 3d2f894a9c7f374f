package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"kiln/pkg/cleanup"
	"kiln/pkg/watch"
)

// newCleanupCmd creates the "kiln cleanup" subcommand.
func newCleanupCmd() *cobra.Command {
	var (
		force  bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove clean worktrees whose branch is merged",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}

			cfg := a.cfg.Cleanup
			if force {
				cfg.Enabled = true
			}
			if !cfg.Enabled {
				fmt.Fprintln(cmd.ErrOrStderr(), "cleanup is disabled in config (use --force)")
				return nil
			}

			res := cleanup.New(cfg, a.worktrees()).Execute(ctx)

			// A forced run leaves the daemon's schedule alone.
			if a.cfg.Cleanup.Enabled {
				recordCleanupRun(ctx, a)
			}

			if asJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			printCleanup(cmd.OutOrStdout(), res)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "run even when cleanup is disabled in config")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func recordCleanupRun(ctx context.Context, a *app) {
	store, err := a.openStore(ctx)
	if err != nil {
		slog.Warn("cleanup: cannot record last run", "error", err)
		return
	}
	defer store.Close()
	if err := store.RecordLastRun(ctx, watch.CleanupJob, time.Now()); err != nil {
		slog.Warn("cleanup: cannot record last run", "error", err)
	}
}

func printCleanup(w io.Writer, res cleanup.Result) {
	st := newStyler(w)
	fmt.Fprintf(w, "cleaned=%d skipped=%d errors=%d\n", res.Cleaned, res.Skipped, len(res.Errors))
	for _, slug := range res.Removed {
		fmt.Fprintf(w, "  %s %s\n", st.status("cleaned"), slug)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  %s %s %s\n", st.status("error"), e.Slug, e.Message)
	}
}
