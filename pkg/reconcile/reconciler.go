// Package reconcile recovers work left behind in git worktrees by a previous
// run. For every dirty worktree it recovers the originating issue or pull
// request from the slug, looks up its live GitHub state, and resumes, cleans,
// or skips it. One worktree's failure never aborts the batch.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"kiln/pkg/config"
	"kiln/pkg/github"
	"kiln/pkg/protocol"
	"kiln/pkg/worktree"
)

// Action kinds.
const (
	ActionResumed = "resumed"
	ActionCleaned = "cleaned"
	ActionSkipped = "skipped"
)

// Skip reasons.
const (
	ReasonOrphan                = "orphan_worktree"
	ReasonAutoResumeDisabled    = "auto_resume_disabled"
	ReasonPRClosed              = "pr_closed_without_merge"
	ReasonAutoReconcileDisabled = "auto_reconcile_disabled"
	ReasonMissingBuildLabel     = "issue_missing_build_label"
	ReasonIssueClosed           = "issue_closed_with_uncommitted_changes"
	ReasonPRMissingIssue        = "pr_missing_linked_issue"
	ReasonMergedWithChanges     = "merged_with_remaining_changes"
	ReasonBuildInProgress       = "build_in_progress"
	ReasonLookupFailed          = "lookup_failed"
	ReasonRemoveFailed          = "remove_failed"
	ReasonResumeFailed          = "resume_failed"
)

// Worktrees is the worktree collaborator. *worktree.Manager satisfies it.
type Worktrees interface {
	List(ctx context.Context) ([]worktree.Info, error)
	Remove(ctx context.Context, info worktree.Info, deleteBranch bool) error
	HasRemainingDiff(ctx context.Context, path, base string) (bool, error)
}

// GitHub is the subset of the repository client the reconciler reads.
type GitHub interface {
	FetchIssue(ctx context.Context, number int) (*github.Issue, error)
	FetchPullRequest(ctx context.Context, number int) (*github.PullRequest, error)
	FindPullRequestForBranch(ctx context.Context, branch string) (*github.PullRequest, error)
}

// Resumer dispatches an interrupted build back into the build pipeline.
type Resumer interface {
	Resume(ctx context.Context, issue int, wt worktree.Info) error
}

// InFlight reports whether a build for issue is currently running, so the
// reconciler never touches a worktree a live job owns.
type InFlight interface {
	BuildInFlight(ctx context.Context, issue int) bool
}

// Action records what happened to one worktree.
type Action struct {
	Slug   string `json:"slug"`
	Kind   string `json:"kind"`
	Number int    `json:"number,omitempty"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Result aggregates one Execute run.
type Result struct {
	Resumed    int      `json:"resumed"`
	Reconciled int      `json:"reconciled"`
	Cleaned    int      `json:"cleaned"`
	Skipped    int      `json:"skipped"`
	Errors     []string `json:"errors"`
	Actions    []Action `json:"actions,omitempty"`
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithInFlight installs an in-flight build check.
func WithInFlight(f InFlight) Option {
	return func(r *Reconciler) { r.inflight = f }
}

// WithClock overrides the clock used by Due.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// Reconciler is the worktree reconciliation control loop.
type Reconciler struct {
	cfg       config.Reconciliation
	worktrees Worktrees
	gh        GitHub
	resumer   Resumer
	inflight  InFlight
	now       func() time.Time
}

// New creates a Reconciler.
func New(cfg config.Reconciliation, worktrees Worktrees, gh GitHub, resumer Resumer, opts ...Option) *Reconciler {
	r := &Reconciler{cfg: cfg, worktrees: worktrees, gh: gh, resumer: resumer, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Due reports whether a run is due. A disabled reconciler is never due.
func (r *Reconciler) Due(lastRun *time.Time) bool {
	if !r.cfg.Enabled {
		return false
	}
	if lastRun == nil {
		return true
	}
	interval := time.Duration(r.cfg.IntervalSeconds) * time.Second
	return r.now().Sub(*lastRun) >= interval
}

// Execute reconciles every dirty worktree. It never returns an error: a
// disabled reconciler or a failed listing yields zero counters.
func (r *Reconciler) Execute(ctx context.Context) Result {
	res := Result{Errors: []string{}}
	if !r.cfg.Enabled {
		return res
	}

	infos, err := r.worktrees.List(ctx)
	if err != nil {
		slog.Error("reconcile: cannot list worktrees", "error", err)
		res.Errors = append(res.Errors, fmt.Sprintf("list worktrees: %v", err))
		return res
	}

	for _, wt := range infos {
		if !wt.Dirty {
			continue
		}
		a := r.reconcile(ctx, wt)
		res.record(a)
		slog.Info("reconcile: worktree", "slug", a.Slug, "action", a.Kind, "number", a.Number, "reason", a.Reason)
	}
	return res
}

func (res *Result) record(a outcome) {
	switch a.Kind {
	case ActionResumed:
		res.Resumed++
	case ActionCleaned:
		res.Cleaned++
	default:
		res.Skipped++
	}
	if a.resolved {
		res.Reconciled++
	}
	if a.Error != "" {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", a.Slug, a.Error))
	}
	res.Actions = append(res.Actions, a.Action)
}

// outcome is an Action plus whether the live GitHub state was resolved.
type outcome struct {
	Action
	resolved bool
}

func skipped(wt worktree.Info, number int, reason string) outcome {
	return outcome{Action: Action{Slug: wt.Slug, Kind: ActionSkipped, Number: number, Reason: reason}}
}

func failed(wt worktree.Info, number int, reason string, err error) outcome {
	o := skipped(wt, number, reason)
	o.Error = err.Error()
	return o
}

func (r *Reconciler) reconcile(ctx context.Context, wt worktree.Info) outcome {
	ref := protocol.ParseSlug(wt.Slug)
	if ref.Orphan() {
		ref = protocol.ParseSlug(wt.Branch)
	}
	if ref.Orphan() {
		return skipped(wt, 0, ReasonOrphan)
	}

	switch ref.Kind {
	case protocol.SlugPR:
		pr, err := r.gh.FetchPullRequest(ctx, ref.Number)
		if err != nil {
			slog.Warn("reconcile: pull request lookup failed", "slug", wt.Slug, "number", ref.Number, "error", err)
			return failed(wt, ref.Number, ReasonLookupFailed, err)
		}
		return r.fromPullRequest(ctx, wt, pr, 0)

	default:
		if wt.Branch != "" {
			pr, err := r.gh.FindPullRequestForBranch(ctx, wt.Branch)
			if err != nil {
				slog.Warn("reconcile: branch PR lookup failed", "slug", wt.Slug, "error", err)
				return failed(wt, ref.Number, ReasonLookupFailed, err)
			}
			if pr != nil {
				return r.fromPullRequest(ctx, wt, pr, ref.Number)
			}
		}
		issue, err := r.gh.FetchIssue(ctx, ref.Number)
		if err != nil {
			slog.Warn("reconcile: issue lookup failed", "slug", wt.Slug, "number", ref.Number, "error", err)
			return failed(wt, ref.Number, ReasonLookupFailed, err)
		}
		return r.fromIssue(ctx, wt, issue)
	}
}

// fromPullRequest applies the pull request rules. issue is the number
// recovered from an issue slug, or 0 to use the PR's linked issue.
func (r *Reconciler) fromPullRequest(ctx context.Context, wt worktree.Info, pr *github.PullRequest, issue int) outcome {
	var o outcome
	switch pr.State {
	case github.StateMerged:
		o = r.merged(ctx, wt, pr)
	case github.StateOpen:
		if issue == 0 {
			issue = pr.LinkedIssue()
		}
		if issue == 0 {
			o = skipped(wt, pr.Number, ReasonPRMissingIssue)
		} else {
			o = r.resume(ctx, wt, issue)
		}
	default:
		o = skipped(wt, pr.Number, ReasonPRClosed)
	}
	o.resolved = true
	return o
}

func (r *Reconciler) merged(ctx context.Context, wt worktree.Info, pr *github.PullRequest) outcome {
	if !r.cfg.AutoReconcile {
		return skipped(wt, pr.Number, ReasonAutoReconcileDisabled)
	}

	base := pr.BaseRefName
	if base == "" {
		base = r.cfg.BaseBranch
	}
	remaining, err := r.worktrees.HasRemainingDiff(ctx, wt.Path, base)
	if err != nil {
		return failed(wt, pr.Number, ReasonLookupFailed, err)
	}
	if remaining {
		return skipped(wt, pr.Number, ReasonMergedWithChanges)
	}

	if err := r.worktrees.Remove(ctx, wt, true); err != nil {
		return failed(wt, pr.Number, ReasonRemoveFailed, err)
	}
	return outcome{Action: Action{Slug: wt.Slug, Kind: ActionCleaned, Number: pr.Number}}
}

func (r *Reconciler) fromIssue(ctx context.Context, wt worktree.Info, issue *github.Issue) outcome {
	var o outcome
	switch {
	case !issue.Open():
		o = skipped(wt, issue.Number, ReasonIssueClosed)
	case !issue.HasLabel(r.cfg.BuildLabel):
		o = skipped(wt, issue.Number, ReasonMissingBuildLabel)
	default:
		o = r.resume(ctx, wt, issue.Number)
	}
	o.resolved = true
	return o
}

func (r *Reconciler) resume(ctx context.Context, wt worktree.Info, issue int) outcome {
	if !r.cfg.AutoResume {
		return skipped(wt, issue, ReasonAutoResumeDisabled)
	}
	if r.inflight != nil && r.inflight.BuildInFlight(ctx, issue) {
		return skipped(wt, issue, ReasonBuildInProgress)
	}
	if err := r.resumer.Resume(ctx, issue, wt); err != nil {
		return failed(wt, issue, ReasonResumeFailed, err)
	}
	return outcome{Action: Action{Slug: wt.Slug, Kind: ActionResumed, Number: issue}}
}
