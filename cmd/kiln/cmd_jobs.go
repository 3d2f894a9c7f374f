package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os/signal"
	"slices"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"kiln/pkg/jobs"
	"kiln/pkg/processor"
)

// newJobsCmd creates the "kiln jobs" command group.
func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and control background jobs",
	}
	cmd.AddCommand(
		newJobsListCmd(),
		newJobsStatusCmd(),
		newJobsStopCmd(),
		newJobsLogsCmd(),
		newJobsWaitCmd(),
	)
	return cmd
}

// runnerFor resolves paths for cmd and returns the job runner.
func runnerFor(cmd *cobra.Command) (*jobs.Runner, error) {
	a, err := loadApp(cmd)
	if err != nil {
		return nil, err
	}
	return a.jobRunner(), nil
}

func newJobsListCmd() *cobra.Command {
	var (
		asJSON  bool
		running bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := runnerFor(cmd)
			if err != nil {
				return err
			}
			list, err := r.ListJobs()
			if err != nil {
				return err
			}
			if running {
				kept := list[:0]
				for _, j := range list {
					if j.Status == jobs.StateRunning {
						kept = append(kept, j)
					}
				}
				list = kept
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), list)
			}
			printJobTable(cmd.OutOrStdout(), list)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print jobs as JSON")
	cmd.Flags().BoolVar(&running, "running", false, "only show running jobs")
	return cmd
}

func printJobTable(w io.Writer, list []jobs.Info) {
	if len(list) == 0 {
		fmt.Fprintln(w, "no jobs found")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMODE\tNUMBER\tSTATUS\tSTARTED\tDURATION")
	for _, j := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			j.JobID, j.Mode, j.Args[processor.ArgNumber], j.Status,
			j.StartedAt.Local().Format(time.DateTime), jobDuration(j.Meta))
	}
	_ = tw.Flush()
}

// jobDuration is the job's run time so far, rounded to the second.
func jobDuration(m jobs.Meta) string {
	end := time.Now()
	if m.FinishedAt != nil {
		end = *m.FinishedAt
	}
	return end.Sub(m.StartedAt).Truncate(time.Second).String()
}

func newJobsStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job's metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := runnerFor(cmd)
			if err != nil {
				return err
			}
			info, err := r.JobStatus(args[0])
			if err != nil {
				return jobErr(args[0], err)
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), info)
			}
			printJobInfo(cmd.OutOrStdout(), info)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the job as JSON")
	return cmd
}

func printJobInfo(w io.Writer, info *jobs.Info) {
	st := newStyler(w)
	fmt.Fprintf(w, "%s %s\n", st.header("job"), info.JobID)
	fmt.Fprintf(w, "  mode:     %s\n", info.Mode)
	fmt.Fprintf(w, "  status:   %s\n", st.status(string(info.Status)))
	if info.PID > 0 {
		fmt.Fprintf(w, "  pid:      %d (alive: %t)\n", info.PID, info.Alive)
	}
	fmt.Fprintf(w, "  started:  %s\n", info.StartedAt.Local().Format(time.DateTime))
	if info.FinishedAt != nil {
		fmt.Fprintf(w, "  finished: %s (%s)\n", info.FinishedAt.Local().Format(time.DateTime), jobDuration(info.Meta))
	}
	for _, k := range slices.Sorted(maps.Keys(info.Args)) {
		fmt.Fprintf(w, "  arg:      %s=%s\n", k, info.Args[k])
	}
	if info.Error != "" {
		fmt.Fprintf(w, "  error:    %s\n", info.Error)
	}
	fmt.Fprintf(w, "  log:      %s\n", st.muted(info.LogFile))
}

func newJobsStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <job-id>",
		Short: "Stop a running job",
		Long:  "Sends SIGTERM to the job's process group, then SIGKILL after a grace period.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := runnerFor(cmd)
			if err != nil {
				return err
			}
			res := r.StopJob(args[0])
			if !res.Success {
				return errors.New(res.Message)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return nil
		},
	}
}

func newJobsLogsCmd() *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Print a job's output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := runnerFor(cmd)
			if err != nil {
				return err
			}
			if follow {
				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				if err := r.FollowLogs(ctx, args[0], cmd.OutOrStdout()); err != nil && ctx.Err() == nil {
					return jobErr(args[0], err)
				}
				return nil
			}

			logs, err := r.JobLogs(args[0])
			if err != nil {
				return jobErr(args[0], err)
			}
			if logs == nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "no output yet")
				return nil
			}
			_, err = io.WriteString(cmd.OutOrStdout(), *logs)
			return err
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream output until the job finishes")
	return cmd
}

func newJobsWaitCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Block until a job finishes",
		Long:  "Waits for the job to reach a terminal status. Exits non-zero unless it completed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := runnerFor(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			info, err := r.Wait(ctx, args[0])
			if err != nil {
				return jobErr(args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", info.JobID, newStyler(cmd.OutOrStdout()).status(string(info.Status)))
			if info.Status != jobs.StateCompleted {
				return fmt.Errorf("job %s %s", info.JobID, info.Status)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits forever)")
	return cmd
}

// jobErr rewrites ErrJobNotFound into a message naming the job.
func jobErr(id string, err error) error {
	if errors.Is(err, jobs.ErrJobNotFound) {
		return fmt.Errorf("job %s not found", id)
	}
	return err
}
