package watch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"kiln/pkg/cleanup"
	"kiln/pkg/config"
	"kiln/pkg/github"
	"kiln/pkg/processor"
	"kiln/pkg/protocol"
	"kiln/pkg/reconcile"
	"kiln/pkg/scheduler"
	"kiln/pkg/state"
)

type fakeSource struct {
	issues  map[string][]github.Issue
	prs     map[string][]github.PullRequest
	failFor string
}

func (f *fakeSource) ListIssues(_ context.Context, label string) ([]github.Issue, error) {
	if label == f.failFor {
		return nil, errors.New("gh: rate limited")
	}
	return f.issues[label], nil
}

func (f *fakeSource) ListPullRequests(_ context.Context, label string) ([]github.PullRequest, error) {
	if label == f.failFor {
		return nil, errors.New("gh: rate limited")
	}
	return f.prs[label], nil
}

type fakeProcessor struct {
	processed []string
	failKey   string
}

func (f *fakeProcessor) Process(_ context.Context, item protocol.WorkItem) (processor.Dispatch, error) {
	if item.Key() == f.failKey {
		return processor.Dispatch{}, errors.New("worktree busy")
	}
	f.processed = append(f.processed, item.Key())
	return processor.Dispatch{Key: item.Key(), JobID: "job-" + item.Key()}, nil
}

// recoveringProcessor releases the running records of the listed keys.
type recoveringProcessor struct {
	fakeProcessor
	abandoned map[string]bool
	checked   []string
}

func (f *recoveringProcessor) RecoverAbandoned(_ context.Context, item protocol.WorkItem) (bool, error) {
	f.checked = append(f.checked, item.Key())
	return f.abandoned[item.Key()], nil
}

type fakeReconciler struct {
	due  bool
	runs int
}

func (f *fakeReconciler) Due(*time.Time) bool { return f.due }

func (f *fakeReconciler) Execute(context.Context) reconcile.Result {
	f.runs++
	return reconcile.Result{Resumed: 1, Errors: []string{}}
}

type fakeCleaner struct {
	runs int
}

// Due mirrors the real job: due when never run.
func (f *fakeCleaner) Due(last *time.Time) bool { return last == nil }

func (f *fakeCleaner) Execute(context.Context) cleanup.Result {
	f.runs++
	return cleanup.Result{Cleaned: 2, Errors: []cleanup.Error{}}
}

func issue(n int, labels ...string) github.Issue {
	is := github.Issue{Number: n, Title: "Issue", State: github.StateOpen}
	for _, l := range labels {
		is.Labels = append(is.Labels, github.Label{Name: l})
	}
	return is
}

type env struct {
	cfg   config.Config
	store *state.Store
	src   *fakeSource
	proc  *fakeProcessor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := state.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"), "acme/widgets")
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default()
	cfg.Repository = "acme/widgets"
	return &env{
		cfg:   cfg,
		store: store,
		src:   &fakeSource{issues: map[string][]github.Issue{}, prs: map[string][]github.PullRequest{}},
		proc:  &fakeProcessor{},
	}
}

func (e *env) watcher(opts ...Option) *Watcher {
	sched := scheduler.New(context.Background(), e.store)
	return New(e.cfg, e.src, e.store, sched, e.proc, opts...)
}

func TestCycle_PlanFirstThenRotates(t *testing.T) {
	e := newEnv(t)
	e.src.issues["kiln:build"] = []github.Issue{issue(2, "kiln:build")}
	e.src.issues["kiln:plan"] = []github.Issue{issue(1, "kiln:plan")}
	e.src.prs["kiln:review"] = []github.PullRequest{{Number: 9, Title: "PR", HeadRefName: "kiln/issue-2-x"}}
	w := e.watcher()
	ctx := context.Background()

	s1 := w.Cycle(ctx)
	if s1.Items != 3 || len(s1.Dispatched) != 1 || s1.Dispatched[0].Key != "issue_1_plan" {
		t.Fatalf("cycle 1: %+v", s1)
	}
	s2 := w.Cycle(ctx)
	if len(s2.Dispatched) != 1 || s2.Dispatched[0].Key != "issue_2_build" {
		t.Fatalf("cycle 2: %+v", s2)
	}
	s3 := w.Cycle(ctx)
	if len(s3.Dispatched) != 1 || s3.Dispatched[0].Key != "pr_9_review" {
		t.Fatalf("cycle 3: %+v", s3)
	}

	key, err := e.store.RoundRobinLastKey(ctx)
	if err != nil || key != "pr_9_review" {
		t.Fatalf("cursor: %q %v", key, err)
	}
}

func TestCycle_MaxDispatchPerCycle(t *testing.T) {
	e := newEnv(t)
	e.cfg.MaxDispatchPerCycle = 5
	e.src.issues["kiln:plan"] = []github.Issue{issue(1), issue(2), issue(3)}

	s := e.watcher().Cycle(context.Background())
	if len(s.Dispatched) != 3 {
		t.Fatalf("dispatched: %+v", s.Dispatched)
	}
}

func TestCycle_PausedItemsSkipped(t *testing.T) {
	e := newEnv(t)
	e.cfg.MaxDispatchPerCycle = 5
	e.src.issues["kiln:plan"] = []github.Issue{issue(1, "kiln:plan", "kiln:paused"), issue(2, "kiln:plan")}

	s := e.watcher().Cycle(context.Background())
	if s.Paused != 1 || len(e.proc.processed) != 1 || e.proc.processed[0] != "issue_2_plan" {
		t.Fatalf("summary=%+v processed=%v", s, e.proc.processed)
	}
}

func TestCycle_ProcessedGate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.store.RecordPlan(ctx, 1, state.PlanUpdate{}); err != nil {
		t.Fatalf("RecordPlan: %v", err)
	}
	e.src.issues["kiln:plan"] = []github.Issue{issue(1)}

	s := e.watcher().Cycle(ctx)
	if s.AlreadyProcessed != 1 || len(e.proc.processed) != 0 {
		t.Fatalf("summary=%+v processed=%v", s, e.proc.processed)
	}
}

func TestCycle_FailuresCountedNotReturned(t *testing.T) {
	e := newEnv(t)
	e.cfg.MaxDispatchPerCycle = 5
	e.src.issues["kiln:plan"] = []github.Issue{issue(1), issue(2)}
	e.src.failFor = "kiln:review"
	e.proc.failKey = "issue_1_plan"

	s := e.watcher().Cycle(context.Background())
	if s.Failures != 1 || len(s.Dispatched) != 1 {
		t.Fatalf("summary: %+v", s)
	}
	if len(s.Errors) != 2 {
		t.Fatalf("errors (listing + dispatch): %v", s.Errors)
	}
}

func TestCycle_Maintenance(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rec, cl := &fakeReconciler{}, &fakeCleaner{}
	w := e.watcher(WithReconciler(rec), WithCleaner(cl))

	s1 := w.Cycle(ctx)
	if rec.runs != 1 || s1.Reconcile == nil {
		t.Fatalf("reconciler must run on the first cycle: runs=%d", rec.runs)
	}
	if cl.runs != 1 || s1.Cleanup == nil || s1.Cleanup.Cleaned != 2 {
		t.Fatalf("cleanup: runs=%d summary=%+v", cl.runs, s1.Cleanup)
	}

	s2 := w.Cycle(ctx)
	if rec.runs != 1 || s2.Reconcile != nil {
		t.Fatal("reconciler should wait until due")
	}
	if cl.runs != 1 {
		t.Fatal("cleanup should not rerun once recorded")
	}

	rec.due = true
	w.Cycle(ctx)
	if rec.runs != 2 {
		t.Fatalf("reconciler due: runs=%d", rec.runs)
	}

	for _, name := range []string{ReconcileJob, CleanupJob} {
		last, err := e.store.LastRun(ctx, name)
		if err != nil || last == nil {
			t.Fatalf("LastRun(%s): %v %v", name, last, err)
		}
	}
}

func TestRun_OnceAndLastSummary(t *testing.T) {
	e := newEnv(t)
	e.cfg.Once = true
	e.src.issues["kiln:plan"] = []github.Issue{issue(4)}
	w := e.watcher()

	if _, ok := w.LastSummary(); ok {
		t.Fatal("no summary before the first cycle")
	}
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	sum, ok := w.LastSummary()
	if !ok || sum.Cycle != 1 || len(sum.Dispatched) != 1 {
		t.Fatalf("summary: %+v", sum)
	}
	if st := w.SchedulerStats(); st.Total != 1 || st.LastProcessedKey != "issue_4_plan" {
		t.Fatalf("stats: %+v", st)
	}

	events, err := e.store.RecentEvents(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 1 || events[0].Type != "cycle" {
		t.Fatalf("events: %+v", events)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	e := newEnv(t)
	e.cfg.IntervalSeconds = 3600
	w := e.watcher()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestCycle_RecoversAbandonedRecords(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.cfg.MaxDispatchPerCycle = 5
	running := state.BuildRunning
	for _, n := range []int{7, 8} {
		if _, err := e.store.RecordBuild(ctx, n, state.BuildUpdate{Status: &running}); err != nil {
			t.Fatalf("RecordBuild: %v", err)
		}
	}
	e.src.issues["kiln:build"] = []github.Issue{issue(7), issue(8)}

	proc := &recoveringProcessor{abandoned: map[string]bool{"issue_7_build": true}}
	w := New(e.cfg, e.src, e.store, scheduler.New(ctx, e.store), proc)

	s := w.Cycle(ctx)
	if s.Recovered != 1 || s.AlreadyProcessed != 1 {
		t.Fatalf("summary: %+v", s)
	}
	if len(proc.processed) != 1 || proc.processed[0] != "issue_7_build" {
		t.Fatalf("processed: %v", proc.processed)
	}
	if len(proc.checked) != 2 {
		t.Fatalf("both running records should be checked: %v", proc.checked)
	}
}

func TestCycle_AllPausedSkipsDispatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.src.issues["kiln:plan"] = []github.Issue{issue(1, "kiln:paused"), issue(2, "kiln:paused")}

	s := e.watcher().Cycle(ctx)
	if s.Paused != 2 || len(s.Dispatched) != 0 || len(e.proc.processed) != 0 {
		t.Fatalf("summary=%+v processed=%v", s, e.proc.processed)
	}
	if key, err := e.store.RoundRobinLastKey(ctx); err != nil || key != "" {
		t.Fatalf("cursor should not move: %q %v", key, err)
	}
}
