// Package cleanup reclaims disk space from finished work: it removes active
// worktrees that are clean and whose branch is merged into the base branch.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"kiln/pkg/config"
	"kiln/pkg/worktree"
)

// Frequency periods.
const (
	Daily  = 24 * time.Hour
	Weekly = 7 * Daily
)

// Period maps a configured frequency to its duration. Unknown values are
// weekly.
func Period(frequency string) time.Duration {
	if frequency == config.FrequencyDaily {
		return Daily
	}
	return Weekly
}

// Worktrees is the worktree collaborator. *worktree.Manager satisfies it.
type Worktrees interface {
	List(ctx context.Context) ([]worktree.Info, error)
	Remove(ctx context.Context, info worktree.Info, deleteBranch bool) error
	BranchMerged(ctx context.Context, branch, base string) (bool, error)
	Prune(ctx context.Context) error
}

// Error is a per-worktree failure.
type Error struct {
	Slug    string `json:"slug"`
	Message string `json:"message"`
}

// Result aggregates one Execute run.
type Result struct {
	Cleaned int      `json:"cleaned"`
	Skipped int      `json:"skipped"`
	Errors  []Error  `json:"errors"`
	Removed []string `json:"removed,omitempty"`
}

// Job is the merged-worktree garbage collector.
type Job struct {
	cfg       config.Cleanup
	worktrees Worktrees
	now       func() time.Time
}

// New creates a cleanup job.
func New(cfg config.Cleanup, worktrees Worktrees) *Job {
	return &Job{cfg: cfg, worktrees: worktrees, now: time.Now}
}

// SetClock overrides the clock used by Due.
func (j *Job) SetClock(now func() time.Time) { j.now = now }

// Due reports whether a run is due. A disabled job is always due; Execute
// then does nothing.
func (j *Job) Due(lastRun *time.Time) bool {
	if !j.cfg.Enabled || lastRun == nil {
		return true
	}
	return j.now().Sub(*lastRun) >= Period(j.cfg.Frequency)
}

// Execute removes every active, clean worktree whose branch is merged.
// Per-worktree failures are collected and the run continues.
func (j *Job) Execute(ctx context.Context) Result {
	res := Result{Errors: []Error{}}
	if !j.cfg.Enabled {
		return res
	}

	infos, err := j.worktrees.List(ctx)
	if err != nil {
		slog.Error("cleanup: cannot list worktrees", "error", err)
		res.Errors = append(res.Errors, Error{Message: err.Error()})
		return res
	}

	for _, wt := range infos {
		if !wt.Active || wt.Dirty {
			res.Skipped++
			continue
		}

		merged, err := j.worktrees.BranchMerged(ctx, wt.Branch, j.cfg.BaseBranch)
		if err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, Error{Slug: wt.Slug, Message: err.Error()})
			continue
		}
		if !merged {
			res.Skipped++
			continue
		}

		if err := j.worktrees.Remove(ctx, wt, j.cfg.DeleteBranch); err != nil {
			slog.Warn("cleanup: remove failed", "slug", wt.Slug, "error", err)
			res.Errors = append(res.Errors, Error{Slug: wt.Slug, Message: err.Error()})
			continue
		}
		slog.Info("cleanup: removed merged worktree", "slug", wt.Slug, "branch", wt.Branch)
		res.Cleaned++
		res.Removed = append(res.Removed, wt.Slug)
	}

	if res.Cleaned > 0 {
		if err := j.worktrees.Prune(ctx); err != nil {
			slog.Warn("cleanup: prune failed", "error", err)
		}
	}
	return res
}
