package jobs

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	defaultStopGrace    = 5 * time.Second
	defaultPollInterval = 100 * time.Millisecond

	exitedWithoutStatus = "process exited without reporting status"
)

// StopResult is the outcome of StopJob.
type StopResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Runner starts, inspects, and stops background jobs stored under one jobs
// directory.
//
// The child process is built by a command factory. The default re-executes
// the current binary as `<self> job-run <id>`; the child is expected to call
// RunJob. Each child runs in its own session so it survives the parent and
// StopJob can signal its whole process group.
type Runner struct {
	dir          string
	cmdFactory   func(id string) *exec.Cmd
	now          func() time.Time
	stopGrace    time.Duration
	pollInterval time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithCommandFactory replaces the child command factory.
func WithCommandFactory(f func(id string) *exec.Cmd) Option {
	return func(r *Runner) { r.cmdFactory = f }
}

// WithStopGrace sets how long StopJob waits after SIGTERM before SIGKILL.
func WithStopGrace(d time.Duration) Option {
	return func(r *Runner) { r.stopGrace = d }
}

// WithPollInterval sets the liveness polling interval used by StopJob and Wait.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) { r.pollInterval = d }
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// New returns a Runner rooted at jobsDir (normally <project>/.kiln/jobs).
func New(jobsDir string, opts ...Option) *Runner {
	r := &Runner{
		dir:          jobsDir,
		now:          time.Now,
		stopGrace:    defaultStopGrace,
		pollInterval: defaultPollInterval,
	}
	self := os.Args[0]
	r.cmdFactory = func(id string) *exec.Cmd {
		//nolint:gosec // re-executing ourselves
		return exec.CommandContext(context.Background(), self, "job-run", id)
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Dir returns the jobs directory.
func (r *Runner) Dir() string { return r.dir }

// jobDir confines id to a single path element below the jobs directory.
func (r *Runner) jobDir(id string) string {
	return filepath.Join(r.dir, filepath.Base(filepath.Clean("/"+id)))
}

// LogPath returns the path of a job's output log.
func (r *Runner) LogPath(id string) string { return filepath.Join(r.jobDir(id), logFile) }

// Start creates the job directory and initial metadata, spawns the child,
// records its pid, and returns the job id without waiting for the child.
func (r *Runner) Start(mode string, args map[string]string) (string, error) {
	uid, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	id := uid.String()
	dir := r.jobDir(id)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create job dir %s: %w", dir, err)
	}
	if err := writeMeta(dir, &Meta{
		JobID:     id,
		Mode:      mode,
		Status:    StateRunning,
		StartedAt: r.now().UTC(),
		Args:      args,
	}); err != nil {
		return "", err
	}

	logPath := filepath.Join(dir, logFile)
	out, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path is derived from the job id
	if err != nil {
		r.failStart(dir, err)
		return "", fmt.Errorf("open job log %s: %w", logPath, err)
	}

	cmd := r.cmdFactory(id)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		_ = out.Close()
		r.failStart(dir, err)
		return "", fmt.Errorf("spawn job %s: %w", id, err)
	}
	// The child inherited the fd.
	_ = out.Close()

	pid := cmd.Process.Pid
	if _, err := updateMeta(dir, func(m *Meta) bool {
		if m.Status != StateRunning || m.PID != 0 {
			return false
		}
		m.PID = pid
		return true
	}); err != nil {
		slog.Warn("jobs: cannot record pid", "job_id", id, "pid", pid, "error", err)
	}

	// Reap in the background so a finished child does not linger as a
	// zombie that still answers signal 0.
	go func() { _ = cmd.Wait() }()

	slog.Info("jobs: started", "job_id", id, "mode", mode, "pid", pid)
	return id, nil
}

func (r *Runner) failStart(dir string, cause error) {
	if _, err := finish(dir, StateError, r.now().UTC(), func(m *Meta) {
		m.Error = cause.Error()
	}); err != nil {
		slog.Warn("jobs: cannot record start failure", "dir", dir, "error", err)
	}
}

// ListJobs returns every readable job, newest first. Directories without
// valid metadata are skipped.
func (r *Runner) ListJobs() ([]Info, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Info{}, nil
		}
		return nil, fmt.Errorf("read jobs dir: %w", err)
	}

	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := r.JobStatus(e.Name())
		if err != nil {
			slog.Debug("jobs: skipping unreadable job", "job_id", e.Name(), "error", err)
			continue
		}
		out = append(out, *info)
	}

	slices.SortFunc(out, func(a, b Info) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.JobID, a.JobID)
	})
	return out, nil
}

// JobStatus returns a job's metadata with its log path and liveness. A
// running job whose process has disappeared is finalised as an error.
func (r *Runner) JobStatus(id string) (*Info, error) {
	dir := r.jobDir(id)
	m, err := readMeta(dir)
	if err != nil {
		return nil, err
	}

	alive := m.PID > 0 && IsProcessAlive(m.PID)
	if m.Status == StateRunning && m.PID > 0 && !alive {
		updated, err := finish(dir, StateError, r.now().UTC(), func(m *Meta) {
			m.Error = exitedWithoutStatus
		})
		if err != nil {
			slog.Warn("jobs: cannot finalise dead job", "job_id", id, "error", err)
		} else {
			m = updated
		}
	}

	return &Info{Meta: *m, LogFile: filepath.Join(dir, logFile), Alive: alive}, nil
}

// StopJob terminates a running job: SIGTERM to its process group, a grace
// period, then SIGKILL. Stopping a job that already finished succeeds
// without doing anything.
func (r *Runner) StopJob(id string) StopResult {
	dir := r.jobDir(id)
	m, err := readMeta(dir)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return StopResult{Message: fmt.Sprintf("job %s not found", id)}
		}
		return StopResult{Message: err.Error()}
	}
	if m.Status.Terminal() {
		return StopResult{Success: true, Message: fmt.Sprintf("job %s already %s", id, m.Status)}
	}
	if m.PID <= 0 {
		return StopResult{Message: fmt.Sprintf("job %s has no recorded pid", id)}
	}

	if IsProcessAlive(m.PID) {
		r.terminate(m.PID)
	}

	if _, err := finish(dir, StateStopped, r.now().UTC(), func(m *Meta) {
		m.Error = "stopped"
	}); err != nil {
		return StopResult{Message: fmt.Sprintf("job %s signalled but metadata not updated: %v", id, err)}
	}
	slog.Info("jobs: stopped", "job_id", id, "pid", m.PID)
	return StopResult{Success: true, Message: fmt.Sprintf("job %s stopped", id)}
}

// terminate signals the process group led by pid and escalates to SIGKILL
// once the grace period passes.
func (r *Runner) terminate(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}

	deadline := time.Now().Add(r.stopGrace)
	for time.Now().Before(deadline) {
		if !IsProcessAlive(pid) {
			return
		}
		time.Sleep(r.pollInterval)
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

// JobLogs returns the job's output, or nil when nothing has been logged yet.
func (r *Runner) JobLogs(id string) (*string, error) {
	if _, err := readMeta(r.jobDir(id)); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(r.LogPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read job log: %w", err)
	}
	s := string(data)
	return &s, nil
}

// IsProcessAlive checks whether a process with the given pid exists.
func IsProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
