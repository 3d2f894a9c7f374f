// Package watch drives the daemon's polling loop. Each cycle rebuilds the
// work queue from live GitHub listings, dispatches up to a configured number
// of items in round-robin order, and runs the periodic maintenance jobs.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"kiln/pkg/cleanup"
	"kiln/pkg/config"
	"kiln/pkg/github"
	"kiln/pkg/processor"
	"kiln/pkg/protocol"
	"kiln/pkg/reconcile"
	"kiln/pkg/scheduler"
)

// Names under which maintenance last-run timestamps are stored.
const (
	ReconcileJob = "reconcile"
	CleanupJob   = "cleanup"
)

// Source lists labelled work. *github.Client satisfies it.
type Source interface {
	ListIssues(ctx context.Context, label string) ([]github.Issue, error)
	ListPullRequests(ctx context.Context, label string) ([]github.PullRequest, error)
}

// Store is the subset of *state.Store the loop uses.
type Store interface {
	Processed(ctx context.Context, number int, p protocol.ProcessorType) (bool, error)
	LastRun(ctx context.Context, name string) (*time.Time, error)
	RecordLastRun(ctx context.Context, name string, at time.Time) error
	LogEvent(ctx context.Context, evType, source string, number int, payload any) error
}

// Reconciler is satisfied by *reconcile.Reconciler.
type Reconciler interface {
	Due(lastRun *time.Time) bool
	Execute(ctx context.Context) reconcile.Result
}

// Cleaner is satisfied by *cleanup.Job.
type Cleaner interface {
	Due(lastRun *time.Time) bool
	Execute(ctx context.Context) cleanup.Result
}

// Recoverer is implemented by processors that can release records left
// running by a job that died. *processor.JobProcessor satisfies it.
type Recoverer interface {
	RecoverAbandoned(ctx context.Context, item protocol.WorkItem) (bool, error)
}

// Summary describes one cycle.
type Summary struct {
	Cycle      int                  `json:"cycle"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	Items      int                  `json:"items"`
	Paused     int                  `json:"paused"`
	Dispatched []processor.Dispatch `json:"dispatched"`
	// AlreadyProcessed counts items the state store reported as handled.
	AlreadyProcessed int `json:"already_processed"`
	// Recovered counts running records released because their job died.
	Recovered int               `json:"recovered"`
	Failures  int               `json:"failures"`
	Errors    []string          `json:"errors"`
	Reconcile *reconcile.Result `json:"reconcile,omitempty"`
	Cleanup   *cleanup.Result   `json:"cleanup,omitempty"`
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithReconciler enables worktree reconciliation.
func WithReconciler(r Reconciler) Option {
	return func(w *Watcher) { w.reconciler = r }
}

// WithCleaner enables merged-worktree cleanup.
func WithCleaner(c Cleaner) Option {
	return func(w *Watcher) { w.cleaner = c }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) { w.now = now }
}

// labelRoute binds a configured label to the items it produces.
type labelRoute struct {
	label     string
	itemType  protocol.ItemType
	processor protocol.ProcessorType
}

// Watcher runs watch cycles.
type Watcher struct {
	cfg        config.Config
	source     Source
	store      Store
	sched      *scheduler.Scheduler
	proc       processor.Processor
	recoverer  Recoverer
	reconciler Reconciler
	cleaner    Cleaner
	now        func() time.Time

	mu     sync.Mutex
	cycles int
	last   *Summary
	stats  scheduler.Stats
}

// New creates a Watcher.
func New(cfg config.Config, source Source, store Store, sched *scheduler.Scheduler, proc processor.Processor, opts ...Option) *Watcher {
	w := &Watcher{
		cfg:    cfg,
		source: source,
		store:  store,
		sched:  sched,
		proc:   proc,
		now:    time.Now,
	}
	if r, ok := proc.(Recoverer); ok {
		w.recoverer = r
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Watcher) routes() []labelRoute {
	l := w.cfg.Labels
	return []labelRoute{
		{l.Plan, protocol.ItemIssue, protocol.ProcessorPlan},
		{l.Build, protocol.ItemIssue, protocol.ProcessorBuild},
		{l.Review, protocol.ItemPR, protocol.ProcessorReview},
		{l.CIFix, protocol.ItemPR, protocol.ProcessorCIFix},
		{l.ChangeRequest, protocol.ItemPR, protocol.ProcessorChangeRequest},
		{l.Rebase, protocol.ItemPR, protocol.ProcessorRebase},
	}
}

// Run loops cycles every interval_seconds until ctx is done. In once mode it
// runs a single cycle.
func (w *Watcher) Run(ctx context.Context) error {
	interval := time.Duration(w.cfg.IntervalSeconds) * time.Second
	slog.Info("watch: starting", "repository", w.cfg.Repository, "interval", interval, "once", w.cfg.Once)

	for {
		w.Cycle(ctx)
		if w.cfg.Once {
			return nil
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			slog.Info("watch: stopping")
			return nil
		case <-t.C:
		}
	}
}

// Cycle runs one iteration: maintenance, queue rebuild, dispatch. Failures
// are recorded in the summary, never returned.
func (w *Watcher) Cycle(ctx context.Context) Summary {
	w.mu.Lock()
	w.cycles++
	n := w.cycles
	w.mu.Unlock()

	sum := Summary{Cycle: n, StartedAt: w.now().UTC(), Dispatched: []processor.Dispatch{}, Errors: []string{}}

	w.maintain(ctx, n == 1, &sum)

	items, paused := w.collect(ctx, &sum)
	sum.Items, sum.Paused = len(items), len(paused)
	w.sched.Refresh(items)

	if w.sched.HasWork(paused) {
		w.dispatch(ctx, paused, &sum)
	} else {
		slog.Debug("watch: nothing to dispatch", "items", len(items), "paused", len(paused))
	}

	sum.FinishedAt = w.now().UTC()
	if err := w.store.LogEvent(ctx, "cycle", "watch", 0, sum); err != nil {
		slog.Warn("watch: cannot log cycle", "error", err)
	}
	slog.Info("watch: cycle complete",
		"cycle", sum.Cycle, "items", sum.Items, "dispatched", len(sum.Dispatched),
		"already_processed", sum.AlreadyProcessed, "recovered", sum.Recovered, "failures", sum.Failures)

	stats := w.sched.Stats()
	w.mu.Lock()
	w.last = &sum
	w.stats = stats
	w.mu.Unlock()
	return sum
}

// dispatch walks the rotation until max_dispatch_per_cycle items were
// considered or the rotation comes back to an item seen this cycle.
func (w *Watcher) dispatch(ctx context.Context, paused map[int]bool, sum *Summary) {
	seen := map[string]bool{}
	for range w.cfg.MaxDispatchPerCycle {
		if ctx.Err() != nil {
			return
		}
		item := w.sched.Next(paused)
		if item == nil || seen[item.Key()] {
			return
		}
		seen[item.Key()] = true
		if err := w.sched.MarkProcessed(ctx, *item); err != nil {
			slog.Warn("watch: cannot persist cursor", "key", item.Key(), "error", err)
		}

		done, err := w.processed(ctx, *item, sum)
		if err != nil {
			sum.Errors = append(sum.Errors, fmt.Sprintf("%s: processed check: %v", item.Key(), err))
			continue
		}
		if done {
			sum.AlreadyProcessed++
			slog.Debug("watch: already processed", "key", item.Key())
			continue
		}

		d, err := w.proc.Process(ctx, *item)
		if err != nil {
			sum.Failures++
			sum.Errors = append(sum.Errors, fmt.Sprintf("%s: %v", item.Key(), err))
			slog.Error("watch: dispatch failed", "key", item.Key(), "error", err)
			continue
		}
		sum.Dispatched = append(sum.Dispatched, d)
	}
}

// processed applies the store's processed rule. A record still running
// after its job died does not count.
func (w *Watcher) processed(ctx context.Context, item protocol.WorkItem, sum *Summary) (bool, error) {
	done, err := w.store.Processed(ctx, item.Number, item.ProcessorType)
	if err != nil || !done || w.recoverer == nil {
		return done, err
	}
	recovered, err := w.recoverer.RecoverAbandoned(ctx, item)
	if err != nil {
		return false, err
	}
	if recovered {
		sum.Recovered++
		return false, nil
	}
	return true, nil
}

// LastSummary returns the most recent cycle summary.
func (w *Watcher) LastSummary() (Summary, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last == nil {
		return Summary{}, false
	}
	return *w.last, true
}

// SchedulerStats returns the queue statistics as of the last cycle.
func (w *Watcher) SchedulerStats() scheduler.Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// collect lists every configured label and builds the queue. Items carrying
// the paused label are returned in paused.
func (w *Watcher) collect(ctx context.Context, sum *Summary) ([]protocol.WorkItem, map[int]bool) {
	var items []protocol.WorkItem
	paused := map[int]bool{}
	pausedLabel := w.cfg.Labels.Paused

	for _, r := range w.routes() {
		switch r.itemType {
		case protocol.ItemIssue:
			issues, err := w.source.ListIssues(ctx, r.label)
			if err != nil {
				sum.Errors = append(sum.Errors, fmt.Sprintf("list issues %q: %v", r.label, err))
				continue
			}
			for _, is := range issues {
				if is.HasLabel(pausedLabel) {
					paused[is.Number] = true
				}
				items = append(items, protocol.WorkItem{
					Number: is.Number, ItemType: r.itemType, ProcessorType: r.processor, Label: r.label,
					Data: map[string]any{"title": is.Title, "url": is.URL},
				})
			}
		case protocol.ItemPR:
			prs, err := w.source.ListPullRequests(ctx, r.label)
			if err != nil {
				sum.Errors = append(sum.Errors, fmt.Sprintf("list pull requests %q: %v", r.label, err))
				continue
			}
			for _, pr := range prs {
				if pr.HasLabel(pausedLabel) {
					paused[pr.Number] = true
				}
				items = append(items, protocol.WorkItem{
					Number: pr.Number, ItemType: r.itemType, ProcessorType: r.processor, Label: r.label,
					Data: map[string]any{"title": pr.Title, "url": pr.URL, "branch": pr.HeadRefName},
				})
			}
		}
	}
	return items, paused
}

// maintain runs the reconciler (always on the first cycle) and the cleanup
// job when due, persisting their last-run timestamps.
func (w *Watcher) maintain(ctx context.Context, first bool, sum *Summary) {
	if w.reconciler != nil {
		last := w.lastRun(ctx, ReconcileJob)
		if first || w.reconciler.Due(last) {
			res := w.reconciler.Execute(ctx)
			sum.Reconcile = &res
			w.recordRun(ctx, ReconcileJob, res)
		}
	}
	if w.cleaner != nil {
		last := w.lastRun(ctx, CleanupJob)
		if w.cleaner.Due(last) {
			res := w.cleaner.Execute(ctx)
			sum.Cleanup = &res
			w.recordRun(ctx, CleanupJob, res)
		}
	}
}

func (w *Watcher) lastRun(ctx context.Context, name string) *time.Time {
	t, err := w.store.LastRun(ctx, name)
	if err != nil {
		slog.Warn("watch: cannot read last run", "job", name, "error", err)
		return nil
	}
	return t
}

func (w *Watcher) recordRun(ctx context.Context, name string, result any) {
	if err := w.store.RecordLastRun(ctx, name, w.now().UTC()); err != nil {
		slog.Warn("watch: cannot record last run", "job", name, "error", err)
	}
	if err := w.store.LogEvent(ctx, name, "watch", 0, result); err != nil {
		slog.Warn("watch: cannot log maintenance", "job", name, "error", err)
	}
}
