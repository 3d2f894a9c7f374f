package main

import (
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"kiln/pkg/harness"
	"kiln/pkg/logging"
	"kiln/pkg/processor"
)

// newJobRunCmd creates the hidden "kiln job-run" subcommand executed by
// background job children. Its stdout and stderr are the job's output.log.
func newJobRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "job-run <job-id>",
		Short:  "Run one background job (internal)",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			closeLog := logging.Init(logging.Config{Level: a.cfg.Log.Level, Format: a.cfg.Log.Format})
			defer closeLog()

			ctx := cmd.Context()
			runner := a.jobRunner()
			info, err := runner.JobStatus(id)
			if err != nil {
				return jobErr(id, err)
			}

			dir := info.Args[processor.ArgWorktree]
			if dir == "" {
				dir = a.paths.Project
			}
			base := &harness.ExecRunner{
				Command: a.cfg.Harness.Command,
				Dir:     dir,
				Timeout: time.Duration(a.cfg.Harness.TimeoutSeconds) * time.Second,
			}

			var h harness.Runner = base
			store, err := a.openStore(ctx)
			if err != nil {
				slog.Error("job-run: outcome will not be recorded", "job_id", id, "error", err)
			} else {
				defer store.Close()
				h = &processor.RecordingHarness{Inner: base, Store: store}
			}

			return runner.RunJob(ctx, id, h)
		},
	}
}
