package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"kiln/pkg/harness"
)

type outcome struct {
	result    harness.Result
	err       error
	backtrace string
}

// invoke runs the harness, converting a panic into an error outcome.
func invoke(ctx context.Context, h harness.Runner, mode string, args map[string]string) (out outcome) {
	defer func() {
		if p := recover(); p != nil {
			out = outcome{err: fmt.Errorf("panic: %v", p), backtrace: string(debug.Stack())}
		}
	}()
	res, err := h.Run(ctx, mode, args)
	return outcome{result: res, err: err}
}

// RunJob is the child side of a job. It records its own pid, runs the
// harness with the job's mode and args, and writes the final status. SIGTERM
// or SIGINT cancel the harness and finish the job as stopped. A job that was
// already moved out of running (for example by StopJob) is left as is.
//
// The returned error reports only problems reading the job itself.
func (r *Runner) RunJob(ctx context.Context, id string, h harness.Runner) error {
	dir := r.jobDir(id)
	pid := os.Getpid()
	m, err := updateMeta(dir, func(m *Meta) bool {
		if m.Status != StateRunning || m.PID == pid {
			return false
		}
		m.PID = pid
		return true
	})
	if err != nil {
		return fmt.Errorf("job %s: %w", id, err)
	}
	if m.Status != StateRunning {
		slog.Info("jobs: not running, nothing to do", "job_id", id, "status", m.Status)
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	slog.Info("jobs: running", "job_id", id, "mode", m.Mode, "args", m.Args)
	out := invoke(ctx, h, m.Mode, m.Args)

	status, apply := r.settle(ctx, out)
	final, err := finish(dir, status, r.now().UTC(), apply)
	if err != nil {
		return fmt.Errorf("job %s: write final status: %w", id, err)
	}
	slog.Info("jobs: finished", "job_id", id, "status", final.Status, "error", final.Error)
	return nil
}

// settle maps a harness outcome to the job's terminal state.
func (r *Runner) settle(ctx context.Context, out outcome) (State, func(m *Meta)) {
	switch {
	case out.backtrace != "":
		return StateError, func(m *Meta) {
			m.Error = out.err.Error()
			m.Backtrace = out.backtrace
		}
	case ctx.Err() != nil:
		return StateStopped, func(m *Meta) {
			m.Error = "stopped"
			if out.result.Status != "" {
				m.Result = out.result.Map()
			}
		}
	case out.err != nil:
		return StateError, func(m *Meta) { m.Error = out.err.Error() }
	case out.result.Failed():
		return StateError, func(m *Meta) {
			m.Error = out.result.Message
			if m.Error == "" {
				m.Error = "harness reported " + out.result.Status
			}
			m.Result = out.result.Map()
		}
	default:
		return StateCompleted, func(m *Meta) { m.Result = out.result.Map() }
	}
}
