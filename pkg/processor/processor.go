// Package processor turns scheduled WorkItems into background harness jobs
// and records their outcomes in the state store.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"kiln/pkg/jobs"
	"kiln/pkg/protocol"
	"kiln/pkg/state"
	"kiln/pkg/worktree"
)

// Job argument keys passed to the harness.
const (
	ArgNumber   = "number"
	ArgItemType = "item_type"
	ArgLabel    = "label"
	ArgWorktree = "worktree"
	ArgBranch   = "branch"
	ArgResume   = "resume"
)

// Dispatch describes what Process did with an item.
type Dispatch struct {
	Key      string `json:"key"`
	JobID    string `json:"job_id,omitempty"`
	Worktree string `json:"worktree,omitempty"`
	// Skipped is set when a job for the same item is already running.
	Skipped bool `json:"skipped,omitempty"`
}

// Processor handles one scheduled WorkItem.
type Processor interface {
	Process(ctx context.Context, item protocol.WorkItem) (Dispatch, error)
}

// Store is the subset of *state.Store processors write to.
type Store interface {
	RecordPlan(ctx context.Context, number int, u state.PlanUpdate) (state.PlanState, error)
	RecordBuild(ctx context.Context, number int, u state.BuildUpdate) (state.BuildState, error)
	BuildData(ctx context.Context, number int) (*state.BuildState, error)
	RecordChangeRequest(ctx context.Context, number int, u state.ChangeRequestUpdate) (state.ChangeRequestState, error)
	RecordCIFix(ctx context.Context, number int, u state.StageUpdate) (state.StageState, error)
	RecordReview(ctx context.Context, number int, u state.StageUpdate) (state.StageState, error)
	RecordRebase(ctx context.Context, number int, u state.StageUpdate) (state.StageState, error)
	CIFixData(ctx context.Context, number int) (*state.StageState, error)
	ReviewData(ctx context.Context, number int) (*state.StageState, error)
	RebaseData(ctx context.Context, number int) (*state.StageState, error)
	LogEvent(ctx context.Context, evType, source string, number int, payload any) error
}

// Jobs is the background runner. *jobs.Runner satisfies it.
type Jobs interface {
	Start(mode string, args map[string]string) (string, error)
	ListJobs() ([]jobs.Info, error)
	JobStatus(id string) (*jobs.Info, error)
}

// Worktrees creates build worktrees. *worktree.Manager satisfies it.
type Worktrees interface {
	Create(ctx context.Context, kind protocol.SlugKind, number int, title, base string) (worktree.Info, error)
}

// JobProcessor dispatches every processor type as a background job whose
// mode is the processor type.
type JobProcessor struct {
	store      Store
	jobs       Jobs
	worktrees  Worktrees
	baseBranch string
	buildLabel string
}

// NewJobProcessor creates a JobProcessor. buildLabel is passed to resumed
// builds, which have no WorkItem of their own.
func NewJobProcessor(store Store, runner Jobs, worktrees Worktrees, baseBranch, buildLabel string) *JobProcessor {
	return &JobProcessor{
		store:      store,
		jobs:       runner,
		worktrees:  worktrees,
		baseBranch: baseBranch,
		buildLabel: buildLabel,
	}
}

// Process starts a job for item unless one is already running for the same
// item and processor.
func (p *JobProcessor) Process(ctx context.Context, item protocol.WorkItem) (Dispatch, error) {
	d := Dispatch{Key: item.Key()}
	mode := string(item.ProcessorType)

	if id := p.activeJob(mode, item.Number); id != "" {
		slog.Info("processor: job already running", "key", d.Key, "job_id", id)
		d.JobID, d.Skipped = id, true
		return d, nil
	}

	args := map[string]string{
		ArgNumber:   strconv.Itoa(item.Number),
		ArgItemType: string(item.ItemType),
		ArgLabel:    item.Label,
	}

	switch item.ProcessorType {
	case protocol.ProcessorBuild:
		title, _ := item.Data["title"].(string)
		wt, err := p.worktrees.Create(ctx, protocol.SlugIssue, item.Number, title, p.baseBranch)
		if err != nil {
			p.recordBuildFailure(ctx, item.Number, err)
			return d, fmt.Errorf("create worktree for #%d: %w", item.Number, err)
		}
		d.Worktree = wt.Path
		args[ArgWorktree], args[ArgBranch] = wt.Path, wt.Branch
		return p.startBuild(ctx, d, item.Number, wt, args)

	default:
		if isStage(item.ProcessorType) {
			if err := p.markStage(ctx, item.ProcessorType, item.Number); err != nil {
				return d, err
			}
		}
	}

	id, err := p.jobs.Start(mode, args)
	if err != nil {
		p.recordStartFailure(ctx, item.ProcessorType, item.Number, err)
		return d, fmt.Errorf("start %s job for #%d: %w", mode, item.Number, err)
	}
	if isStage(item.ProcessorType) {
		if err := recordStage(ctx, p.store, item.ProcessorType, item.Number, state.StageUpdate{JobID: &id}); err != nil {
			slog.Warn("processor: cannot record job id", "key", d.Key, "job_id", id, "error", err)
		}
	}
	d.JobID = id
	p.logDispatch(ctx, mode, item.Number, d)
	return d, nil
}

// startBuild records the build as running and starts its job. The running
// status is written before the job exists so the job's own outcome always
// lands last.
func (p *JobProcessor) startBuild(ctx context.Context, d Dispatch, number int, wt worktree.Info, args map[string]string) (Dispatch, error) {
	running := state.BuildRunning
	empty := ""
	if _, err := p.store.RecordBuild(ctx, number, state.BuildUpdate{
		Status:     &running,
		Branch:     &wt.Branch,
		Workstream: &wt.Slug,
		JobID:      &empty,
		Error:      &empty,
	}); err != nil {
		return d, fmt.Errorf("record build for #%d: %w", number, err)
	}

	id, err := p.jobs.Start(string(protocol.ProcessorBuild), args)
	if err != nil {
		p.recordBuildFailure(ctx, number, err)
		return d, fmt.Errorf("start build job for #%d: %w", number, err)
	}
	if _, err := p.store.RecordBuild(ctx, number, state.BuildUpdate{JobID: &id}); err != nil {
		slog.Warn("processor: cannot record build job id", "number", number, "job_id", id, "error", err)
	}

	d.JobID = id
	p.logDispatch(ctx, string(protocol.ProcessorBuild), number, d)
	return d, nil
}

// Resume restarts an interrupted build inside its existing worktree.
func (p *JobProcessor) Resume(ctx context.Context, issue int, wt worktree.Info) error {
	d := Dispatch{Key: fmt.Sprintf("%s_%d_%s", protocol.ItemIssue, issue, protocol.ProcessorBuild), Worktree: wt.Path}
	args := map[string]string{
		ArgNumber:   strconv.Itoa(issue),
		ArgItemType: string(protocol.ItemIssue),
		ArgLabel:    p.buildLabel,
		ArgWorktree: wt.Path,
		ArgBranch:   wt.Branch,
		ArgResume:   "true",
	}
	_, err := p.startBuild(ctx, d, issue, wt, args)
	return err
}

// BuildInFlight reports whether a build job for issue is still running.
func (p *JobProcessor) BuildInFlight(ctx context.Context, issue int) bool {
	if p.activeJob(string(protocol.ProcessorBuild), issue) != "" {
		return true
	}
	b, err := p.store.BuildData(ctx, issue)
	if err != nil || b == nil || b.Status != state.BuildRunning || b.JobID == "" {
		return false
	}
	info, err := p.jobs.JobStatus(b.JobID)
	return err == nil && info.Status == jobs.StateRunning
}

// RecoverAbandoned checks an item the store reports as processed. When its
// build or stage record is still running but no job is working on it, the
// job died without recording an outcome: the record is marked failed and
// RecoverAbandoned returns true so the item can be dispatched again.
func (p *JobProcessor) RecoverAbandoned(ctx context.Context, item protocol.WorkItem) (bool, error) {
	jobID, running, err := p.runningRecord(ctx, item.ProcessorType, item.Number)
	if err != nil || !running {
		return false, err
	}

	mode := string(item.ProcessorType)
	active, err := p.runningJob(mode, item.Number)
	if err != nil {
		return false, err
	}
	if active != "" {
		return false, nil
	}

	cause := "job ended without recording an outcome"
	if jobID != "" {
		info, err := p.jobs.JobStatus(jobID)
		switch {
		case errors.Is(err, jobs.ErrJobNotFound):
			cause = fmt.Sprintf("job %s is gone", jobID)
		case err != nil:
			return false, fmt.Errorf("status of job %s: %w", jobID, err)
		case info.Status == jobs.StateRunning, info.Status == jobs.StateStopped && info.Alive:
			return false, nil
		default:
			cause = fmt.Sprintf("job %s ended %s without recording an outcome", jobID, info.Status)
			if info.Error != "" {
				cause += ": " + info.Error
			}
		}
	}

	slog.Warn("processor: recovering abandoned record", "key", item.Key(), "job_id", jobID, "cause", cause)
	if item.ProcessorType == protocol.ProcessorBuild {
		p.recordBuildFailure(ctx, item.Number, errors.New(cause))
	} else {
		p.recordStartFailure(ctx, item.ProcessorType, item.Number, errors.New(cause))
	}
	if err := p.store.LogEvent(ctx, "abandoned", mode, item.Number, map[string]string{"job_id": jobID, "error": cause}); err != nil {
		slog.Warn("processor: cannot log abandoned record", "key", item.Key(), "error", err)
	}
	return true, nil
}

// runningRecord reports whether the build or stage record for pt is running,
// and the job id written with it.
func (p *JobProcessor) runningRecord(ctx context.Context, pt protocol.ProcessorType, number int) (string, bool, error) {
	if pt == protocol.ProcessorBuild {
		b, err := p.store.BuildData(ctx, number)
		if err != nil || b == nil {
			return "", false, err
		}
		return b.JobID, b.Status == state.BuildRunning, nil
	}
	if !isStage(pt) {
		return "", false, nil
	}
	doc, err := p.stageData(ctx, pt, number)
	if err != nil || doc == nil {
		return "", false, err
	}
	return doc.JobID, doc.Status == state.StageRunning, nil
}

func (p *JobProcessor) stageData(ctx context.Context, pt protocol.ProcessorType, number int) (*state.StageState, error) {
	switch pt {
	case protocol.ProcessorCIFix:
		return p.store.CIFixData(ctx, number)
	case protocol.ProcessorReview:
		return p.store.ReviewData(ctx, number)
	case protocol.ProcessorRebase:
		return p.store.RebaseData(ctx, number)
	}
	return nil, fmt.Errorf("%s has no stage document", pt)
}

// activeJob returns the id of a running job for mode and number, if any.
func (p *JobProcessor) activeJob(mode string, number int) string {
	id, err := p.runningJob(mode, number)
	if err != nil {
		slog.Warn("processor: cannot list jobs", "error", err)
	}
	return id
}

func (p *JobProcessor) runningJob(mode string, number int) (string, error) {
	list, err := p.jobs.ListJobs()
	if err != nil {
		return "", err
	}
	want := strconv.Itoa(number)
	for _, j := range list {
		if j.Status == jobs.StateRunning && j.Mode == mode && j.Args[ArgNumber] == want {
			return j.JobID, nil
		}
	}
	return "", nil
}

// recordStage writes u to the ci_fix, review or rebase document.
func recordStage(ctx context.Context, store Store, pt protocol.ProcessorType, number int, u state.StageUpdate) error {
	var err error
	switch pt {
	case protocol.ProcessorCIFix:
		_, err = store.RecordCIFix(ctx, number, u)
	case protocol.ProcessorReview:
		_, err = store.RecordReview(ctx, number, u)
	case protocol.ProcessorRebase:
		_, err = store.RecordRebase(ctx, number, u)
	default:
		return fmt.Errorf("%s has no stage document", pt)
	}
	return err
}

func isStage(pt protocol.ProcessorType) bool {
	return pt == protocol.ProcessorCIFix || pt == protocol.ProcessorReview || pt == protocol.ProcessorRebase
}

func (p *JobProcessor) markStage(ctx context.Context, pt protocol.ProcessorType, number int) error {
	running, none := state.StageRunning, ""
	if err := recordStage(ctx, p.store, pt, number, state.StageUpdate{Status: &running, JobID: &none, Attempt: true}); err != nil {
		return fmt.Errorf("record %s for #%d: %w", pt, number, err)
	}
	return nil
}

func (p *JobProcessor) recordStartFailure(ctx context.Context, pt protocol.ProcessorType, number int, cause error) {
	if !isStage(pt) {
		return
	}
	failed := "error"
	u := state.StageUpdate{Status: &failed, Details: map[string]any{"error": cause.Error()}}
	if err := recordStage(ctx, p.store, pt, number, u); err != nil {
		slog.Warn("processor: cannot record start failure", "number", number, "processor", pt, "error", err)
	}
}

func (p *JobProcessor) recordBuildFailure(ctx context.Context, number int, cause error) {
	failed := state.BuildFailed
	msg := cause.Error()
	if _, err := p.store.RecordBuild(ctx, number, state.BuildUpdate{Status: &failed, Error: &msg}); err != nil {
		slog.Warn("processor: cannot record build failure", "number", number, "error", err)
	}
}

func (p *JobProcessor) logDispatch(ctx context.Context, mode string, number int, d Dispatch) {
	slog.Info("processor: dispatched", "key", d.Key, "job_id", d.JobID)
	if err := p.store.LogEvent(ctx, "dispatch", mode, number, d); err != nil {
		slog.Warn("processor: cannot log dispatch", "key", d.Key, "error", err)
	}
}
