package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"kiln/pkg/processor"
	"kiln/pkg/reconcile"
	"kiln/pkg/watch"
)

// newReconcileCmd creates the "kiln reconcile" subcommand.
func newReconcileCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile worktrees with GitHub now",
		Long: "Inspects every dirty worktree: interrupted builds are resumed and\n" +
			"worktrees whose pull request merged or whose issue closed are removed.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
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
			proc := processor.NewJobProcessor(store, a.jobRunner(), wts, a.cfg.BaseBranch, a.cfg.Labels.Build)
			r := reconcile.New(a.cfg.Reconciliation, wts, gh, proc, reconcile.WithInFlight(proc))

			enabled := a.cfg.Reconciliation.Enabled
			if !enabled {
				fmt.Fprintln(cmd.ErrOrStderr(), "reconciliation is disabled in config")
			}
			res := r.Execute(ctx)
			if enabled {
				if err := store.RecordLastRun(ctx, watch.ReconcileJob, time.Now()); err != nil {
					slog.Warn("reconcile: cannot record last run", "error", err)
				}
			}

			if asJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			printReconcile(cmd.OutOrStdout(), res)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func printReconcile(w io.Writer, res reconcile.Result) {
	st := newStyler(w)
	fmt.Fprintf(w, "resumed=%d reconciled=%d cleaned=%d skipped=%d\n",
		res.Resumed, res.Reconciled, res.Cleaned, res.Skipped)
	for _, act := range res.Actions {
		line := fmt.Sprintf("  %-40s %s", act.Slug, st.status(act.Kind))
		if act.Number > 0 {
			line += fmt.Sprintf(" #%d", act.Number)
		}
		if act.Reason != "" {
			line += " " + st.muted(act.Reason)
		}
		if act.Error != "" {
			line += " " + act.Error
		}
		fmt.Fprintln(w, line)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  %s %s\n", st.status("error"), e)
	}
}
