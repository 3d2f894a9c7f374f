package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"kiln/pkg/harness"
)

const (
	helperEnv    = "KILN_JOBS_HELPER"
	helperDirEnv = "KILN_JOBS_HELPER_DIR"
)

// fakeHarness behaves according to the job mode.
type fakeHarness struct{}

func (fakeHarness) Run(ctx context.Context, mode string, args map[string]string) (harness.Result, error) {
	switch mode {
	case "ok":
		return harness.Result{Status: "completed", Data: map[string]any{"number": args["number"]}}, nil
	case "fail":
		return harness.Result{Status: "error", Message: "tests failed"}, nil
	case "broken":
		return harness.Result{}, errors.New("cannot start harness")
	case "panic":
		panic("harness exploded")
	case "block":
		<-ctx.Done()
		return harness.Result{}, ctx.Err()
	}
	return harness.Result{}, fmt.Errorf("unknown mode %q", mode)
}

// TestHelperJobProcess is the child side of jobs started with helperFactory.
func TestHelperJobProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	id := os.Args[len(os.Args)-1]
	if err := New(os.Getenv(helperDirEnv)).RunJob(context.Background(), id, fakeHarness{}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func helperFactory(dir string) func(id string) *exec.Cmd {
	return func(id string) *exec.Cmd {
		//nolint:gosec // re-executing the test binary
		cmd := exec.Command(os.Args[0], "-test.run=^TestHelperJobProcess$", "--", id)
		cmd.Env = append(os.Environ(), helperEnv+"=1", helperDirEnv+"="+dir)
		return cmd
	}
}

func sleepFactory(string) *exec.Cmd {
	return exec.Command("sleep", "3600")
}

func newRunner(t *testing.T, opts ...Option) *Runner {
	t.Helper()
	opts = append([]Option{WithStopGrace(2 * time.Second), WithPollInterval(20 * time.Millisecond)}, opts...)
	return New(t.TempDir(), opts...)
}

// seed writes metadata for a job without spawning anything.
func seed(t *testing.T, r *Runner, m Meta) {
	t.Helper()
	dir := r.jobDir(m.JobID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if m.StartedAt.IsZero() {
		m.StartedAt = time.Now().UTC()
	}
	if err := writeMeta(dir, &m); err != nil {
		t.Fatalf("writeMeta: %v", err)
	}
}

func waitFor(t *testing.T, r *Runner, id string) *Info {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	info, err := r.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s): %v", id, err)
	}
	return info
}

func TestStart_RunningThenStop(t *testing.T) {
	r := newRunner(t, WithCommandFactory(sleepFactory))

	id, err := r.Start("build", map[string]string{"number": "42"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	info, err := r.JobStatus(id)
	if err != nil {
		t.Fatalf("JobStatus: %v", err)
	}
	if info.Status != StateRunning || info.PID <= 0 || !info.Alive {
		t.Fatalf("status after start: %+v", info)
	}
	if info.Mode != "build" || info.Args["number"] != "42" {
		t.Fatalf("meta: %+v", info.Meta)
	}
	if info.LogFile != filepath.Join(r.Dir(), id, "output.log") {
		t.Fatalf("log file: %s", info.LogFile)
	}

	res := r.StopJob(id)
	if !res.Success {
		t.Fatalf("StopJob: %+v", res)
	}
	info, err = r.JobStatus(id)
	if err != nil {
		t.Fatalf("JobStatus: %v", err)
	}
	if info.Status != StateStopped || info.FinishedAt == nil {
		t.Fatalf("status after stop: %+v", info)
	}

	again := r.StopJob(id)
	if !again.Success || !strings.Contains(again.Message, "already stopped") {
		t.Fatalf("second stop: %+v", again)
	}
}

func TestStopJob_Missing(t *testing.T) {
	r := newRunner(t)
	res := r.StopJob("missing")
	if res.Success || !strings.Contains(res.Message, "not found") {
		t.Fatalf("StopJob(missing): %+v", res)
	}
}

func TestStopJob_NoPID(t *testing.T) {
	r := newRunner(t)
	seed(t, r, Meta{JobID: "j1", Mode: "build", Status: StateRunning})
	if res := r.StopJob("j1"); res.Success {
		t.Fatalf("expected failure without pid: %+v", res)
	}
}

func TestJobStatus_DeadProcessFinalised(t *testing.T) {
	r := newRunner(t, WithCommandFactory(func(string) *exec.Cmd { return exec.Command("true") }))

	id, err := r.Start("build", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	info := waitFor(t, r, id)
	if info.Status != StateError || info.Error != exitedWithoutStatus {
		t.Fatalf("dead job: %+v", info)
	}
}

func TestStart_SpawnFailureMarksError(t *testing.T) {
	r := newRunner(t, WithCommandFactory(func(string) *exec.Cmd {
		return exec.Command("/nonexistent/kiln-12345")
	}))

	if _, err := r.Start("build", nil); err == nil {
		t.Fatal("expected spawn error")
	}
	list, err := r.ListJobs()
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(list) != 1 || list[0].Status != StateError || list[0].Error == "" {
		t.Fatalf("jobs: %+v", list)
	}
}

func TestRunJob_Outcomes(t *testing.T) {
	tests := []struct {
		mode      string
		status    State
		errSubstr string
	}{
		{"ok", StateCompleted, ""},
		{"fail", StateError, "tests failed"},
		{"broken", StateError, "cannot start harness"},
		{"panic", StateError, "panic: harness exploded"},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			r := newRunner(t)
			seed(t, r, Meta{JobID: "job", Mode: tt.mode, Status: StateRunning, Args: map[string]string{"number": "7"}})

			if err := r.RunJob(context.Background(), "job", fakeHarness{}); err != nil {
				t.Fatalf("RunJob: %v", err)
			}
			m, err := readMeta(r.jobDir("job"))
			if err != nil {
				t.Fatalf("readMeta: %v", err)
			}
			if m.Status != tt.status || m.FinishedAt == nil {
				t.Fatalf("meta: %+v", m)
			}
			if m.PID != os.Getpid() {
				t.Fatalf("pid: got %d, want %d", m.PID, os.Getpid())
			}
			if tt.errSubstr != "" && !strings.Contains(m.Error, tt.errSubstr) {
				t.Fatalf("error: got %q, want %q", m.Error, tt.errSubstr)
			}
			if tt.mode == "panic" && m.Backtrace == "" {
				t.Fatal("panic should record a backtrace")
			}
			if tt.mode == "ok" && m.Result["status"] != "completed" {
				t.Fatalf("result: %v", m.Result)
			}
		})
	}
}

func TestRunJob_CancelledIsStopped(t *testing.T) {
	r := newRunner(t)
	seed(t, r, Meta{JobID: "job", Mode: "block", Status: StateRunning})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	if err := r.RunJob(ctx, "job", fakeHarness{}); err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	m, _ := readMeta(r.jobDir("job"))
	if m.Status != StateStopped {
		t.Fatalf("status: %s", m.Status)
	}
}

func TestRunJob_DoesNotOverwriteStopped(t *testing.T) {
	r := newRunner(t)
	seed(t, r, Meta{JobID: "job", Mode: "ok", Status: StateStopped, Error: "stopped"})

	if err := r.RunJob(context.Background(), "job", fakeHarness{}); err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	m, _ := readMeta(r.jobDir("job"))
	if m.Status != StateStopped || m.Result != nil {
		t.Fatalf("stopped job was modified: %+v", m)
	}
}

func TestRunJob_Missing(t *testing.T) {
	r := newRunner(t)
	if err := r.RunJob(context.Background(), "nope", fakeHarness{}); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("RunJob(missing): got %v, want ErrJobNotFound", err)
	}
}

func TestBackgroundJob_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, WithCommandFactory(helperFactory(dir)), WithPollInterval(20*time.Millisecond))

	id, err := r.Start("ok", map[string]string{"number": "12"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	info := waitFor(t, r, id)
	if info.Status != StateCompleted {
		t.Fatalf("final status: %+v", info)
	}
	data, _ := info.Result["data"].(map[string]any)
	if data["number"] != "12" {
		t.Fatalf("result: %v", info.Result)
	}
}

func TestBackgroundJob_StopWhileBlocked(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, WithCommandFactory(helperFactory(dir)), WithStopGrace(5*time.Second), WithPollInterval(20*time.Millisecond))

	id, err := r.Start("block", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if res := r.StopJob(id); !res.Success {
		t.Fatalf("StopJob: %+v", res)
	}
	info, err := r.JobStatus(id)
	if err != nil {
		t.Fatalf("JobStatus: %v", err)
	}
	if info.Status != StateStopped {
		t.Fatalf("status: %+v", info)
	}
}

func TestListJobs_SkipsMalformedNewestFirst(t *testing.T) {
	r := newRunner(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed(t, r, Meta{JobID: "old", Mode: "plan", Status: StateCompleted, StartedAt: base})
	seed(t, r, Meta{JobID: "new", Mode: "build", Status: StateError, StartedAt: base.Add(time.Hour)})

	bad := filepath.Join(r.Dir(), "garbage")
	if err := os.MkdirAll(bad, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bad, "meta.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(r.Dir(), "empty"), 0o700); err != nil {
		t.Fatal(err)
	}

	list, err := r.ListJobs()
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(list) != 2 || list[0].JobID != "new" || list[1].JobID != "old" {
		t.Fatalf("jobs: %+v", list)
	}
}

func TestListJobs_NoDirectory(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "absent"))
	list, err := r.ListJobs()
	if err != nil || len(list) != 0 {
		t.Fatalf("ListJobs: %v %v", list, err)
	}
}

func TestJobLogs(t *testing.T) {
	r := newRunner(t)
	seed(t, r, Meta{JobID: "job", Mode: "build", Status: StateCompleted})

	logs, err := r.JobLogs("job")
	if err != nil || logs != nil {
		t.Fatalf("JobLogs before output: %v %v", logs, err)
	}

	if err := os.WriteFile(r.LogPath("job"), []byte("line 1\nline 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	logs, err = r.JobLogs("job")
	if err != nil || logs == nil || *logs != "line 1\nline 2\n" {
		t.Fatalf("JobLogs: %v %v", logs, err)
	}

	if _, err := r.JobLogs("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("JobLogs(missing): %v", err)
	}
}

func TestFollowLogs_FinishedJob(t *testing.T) {
	r := newRunner(t)
	seed(t, r, Meta{JobID: "job", Mode: "build", Status: StateCompleted})
	if err := os.WriteFile(r.LogPath("job"), []byte("done\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := r.FollowLogs(context.Background(), "job", &buf); err != nil {
		t.Fatalf("FollowLogs: %v", err)
	}
	if buf.String() != "done\n" {
		t.Fatalf("output: %q", buf.String())
	}
}

func TestFollowLogs_StreamsUntilFinished(t *testing.T) {
	r := newRunner(t)
	seed(t, r, Meta{JobID: "job", Mode: "build", Status: StateRunning})
	dir := r.jobDir("job")

	go func() {
		time.Sleep(100 * time.Millisecond)
		f, err := os.OpenFile(r.LogPath("job"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return
		}
		_, _ = f.WriteString("first\n")
		time.Sleep(100 * time.Millisecond)
		_, _ = f.WriteString("second\n")
		_ = f.Close()
		_, _ = finish(dir, StateCompleted, time.Now(), nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	var buf bytes.Buffer
	if err := r.FollowLogs(ctx, "job", &buf); err != nil {
		t.Fatalf("FollowLogs: %v", err)
	}
	if buf.String() != "first\nsecond\n" {
		t.Fatalf("output: %q", buf.String())
	}
}

func TestUpdateMeta_ConcurrentWritersSerialised(t *testing.T) {
	r := newRunner(t)
	seed(t, r, Meta{JobID: "job", Mode: "build", Status: StateRunning, Args: map[string]string{}})
	dir := r.jobDir("job")

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := updateMeta(dir, func(m *Meta) bool {
				m.Args[fmt.Sprintf("k%d", i)] = "v"
				return true
			})
			if err != nil {
				t.Errorf("updateMeta: %v", err)
			}
		}()
	}
	wg.Wait()

	m, err := readMeta(dir)
	if err != nil {
		t.Fatalf("readMeta: %v", err)
	}
	if len(m.Args) != 20 {
		t.Fatalf("lost updates: %d keys", len(m.Args))
	}
	if _, err := os.Stat(filepath.Join(dir, "meta.json.lock")); err != nil {
		t.Fatalf("lock file: %v", err)
	}
}

func TestJobDir_ConfinesID(t *testing.T) {
	r := New("/tmp/jobs")
	if got := r.jobDir("../../etc"); got != "/tmp/jobs/etc" {
		t.Fatalf("jobDir: %s", got)
	}
}
