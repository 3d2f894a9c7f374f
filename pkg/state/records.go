package state

import (
	"context"
	"fmt"
	"maps"

	"kiln/pkg/protocol"
)

// --- plan ---

// PlanUpdate carries the fields of a RecordPlan call. Nil fields are left
// unchanged; non-nil slices replace the stored slice.
type PlanUpdate struct {
	Summary   *string
	Tasks     []string
	Questions []string
	CommentID *int64
	// Replan marks a new planning iteration: Iteration is incremented and a
	// revision is appended to History. The first record of a plan is always
	// iteration 1.
	Replan bool
}

// RecordPlan merges u into the plan document for number.
func (s *Store) RecordPlan(ctx context.Context, number int, u PlanUpdate) (PlanState, error) {
	return update(ctx, s, number, CategoryPlan, func(doc *PlanState, exists bool) error {
		if u.Summary != nil {
			doc.Summary = *u.Summary
		}
		if u.Tasks != nil {
			doc.Tasks = u.Tasks
		}
		if u.Questions != nil {
			doc.Questions = u.Questions
		}
		if u.CommentID != nil {
			doc.CommentID = *u.CommentID
		}

		now := s.now()
		if !exists || doc.Iteration == 0 || u.Replan {
			doc.Iteration++
			doc.History = append(doc.History, PlanRevision{
				Iteration:  doc.Iteration,
				Summary:    doc.Summary,
				TaskCount:  len(doc.Tasks),
				RecordedAt: now,
			})
		}
		doc.UpdatedAt = now
		return nil
	})
}

// PlanData returns the plan document, or nil when none exists.
func (s *Store) PlanData(ctx context.Context, number int) (*PlanState, error) {
	return loadPtr[PlanState](ctx, s, number, CategoryPlan)
}

// PlanProcessed reports whether a plan has been posted for number.
func (s *Store) PlanProcessed(ctx context.Context, number int) (bool, error) {
	doc, err := s.PlanData(ctx, number)
	if err != nil || doc == nil {
		return false, err
	}
	return doc.Iteration >= 1, nil
}

// ResetPlanState deletes the plan record.
func (s *Store) ResetPlanState(ctx context.Context, number int) error {
	return s.Reset(ctx, number, CategoryPlan)
}

// --- build ---

// BuildUpdate carries the fields of a RecordBuild call.
type BuildUpdate struct {
	Status     *BuildStatus
	Branch     *string
	Workstream *string
	PRURL      *string
	JobID      *string
	Error      *string
}

// RecordBuild merges u into the build document for number.
func (s *Store) RecordBuild(ctx context.Context, number int, u BuildUpdate) (BuildState, error) {
	if u.Status != nil && !u.Status.Valid() {
		return BuildState{}, &InvalidStatusError{Category: CategoryBuild, Status: string(*u.Status)}
	}
	return update(ctx, s, number, CategoryBuild, func(doc *BuildState, exists bool) error {
		if u.Status != nil {
			doc.Status = *u.Status
		} else if !exists {
			doc.Status = BuildPending
		}
		setIf(&doc.Branch, u.Branch)
		setIf(&doc.Workstream, u.Workstream)
		setIf(&doc.PRURL, u.PRURL)
		setIf(&doc.JobID, u.JobID)
		setIf(&doc.Error, u.Error)
		doc.UpdatedAt = s.now()
		return nil
	})
}

// BuildData returns the build document, or nil when none exists.
func (s *Store) BuildData(ctx context.Context, number int) (*BuildState, error) {
	return loadPtr[BuildState](ctx, s, number, CategoryBuild)
}

// BuildProcessed reports whether a build is pending, running or completed.
// Failed builds are eligible for another attempt.
func (s *Store) BuildProcessed(ctx context.Context, number int) (bool, error) {
	doc, err := s.BuildData(ctx, number)
	if err != nil || doc == nil {
		return false, err
	}
	switch doc.Status {
	case BuildPending, BuildRunning, BuildCompleted:
		return true, nil
	}
	return false, nil
}

// ResetBuildState deletes the build record.
func (s *Store) ResetBuildState(ctx context.Context, number int) error {
	return s.Reset(ctx, number, CategoryBuild)
}

// --- change request ---

// ChangeRequestUpdate carries the fields of a RecordChangeRequest call.
// ProcessedCommentIDs is appended (deduplicated); the other slices replace.
type ChangeRequestUpdate struct {
	Status              *ChangeRequestStatus
	ChangesApplied      []string
	MissingItems        []string
	AdditionalWork      []string
	ProcessedCommentIDs []int64
	Error               *string
}

// RecordChangeRequest merges u into the change request document for number.
// Every transition into needs_clarification increments ClarificationCount.
func (s *Store) RecordChangeRequest(ctx context.Context, number int, u ChangeRequestUpdate) (ChangeRequestState, error) {
	if u.Status != nil && !u.Status.Valid() {
		return ChangeRequestState{}, &InvalidStatusError{Category: CategoryChangeRequest, Status: string(*u.Status)}
	}
	return update(ctx, s, number, CategoryChangeRequest, func(doc *ChangeRequestState, _ bool) error {
		if u.Status != nil {
			doc.Status = *u.Status
			if doc.Status == ChangeRequestNeedsClarification {
				doc.ClarificationCount++
			}
		}
		if u.ChangesApplied != nil {
			doc.ChangesApplied = u.ChangesApplied
		}
		if u.MissingItems != nil {
			doc.MissingItems = u.MissingItems
		}
		if u.AdditionalWork != nil {
			doc.AdditionalWork = u.AdditionalWork
		}
		if len(u.ProcessedCommentIDs) > 0 {
			doc.ProcessedCommentIDs = appendUnique(doc.ProcessedCommentIDs, u.ProcessedCommentIDs...)
		}
		setIf(&doc.Error, u.Error)
		doc.UpdatedAt = s.now()
		return nil
	})
}

// ChangeRequestData returns the change request document, or nil when none exists.
func (s *Store) ChangeRequestData(ctx context.Context, number int) (*ChangeRequestState, error) {
	return loadPtr[ChangeRequestState](ctx, s, number, CategoryChangeRequest)
}

// ChangeRequestProcessed reports whether the last change request run reached
// a state that should not be retried automatically. Incomplete
// implementations, verification errors and errors are retried.
func (s *Store) ChangeRequestProcessed(ctx context.Context, number int) (bool, error) {
	doc, err := s.ChangeRequestData(ctx, number)
	if err != nil || doc == nil {
		return false, err
	}
	switch doc.Status {
	case ChangeRequestCompleted, ChangeRequestNoChanges, ChangeRequestNeedsClarification, ChangeRequestCannotImplement:
		return true, nil
	}
	return false, nil
}

// ResetChangeRequestState deletes the change request record, e.g. to retry.
func (s *Store) ResetChangeRequestState(ctx context.Context, number int) error {
	return s.Reset(ctx, number, CategoryChangeRequest)
}

// --- ci_fix, review, rebase ---

// StageUpdate carries the fields of a RecordCIFix/RecordReview/RecordRebase
// call. Details are merged key by key.
type StageUpdate struct {
	Status  *string
	JobID   *string
	Details map[string]any
	// Attempt increments the attempt counter.
	Attempt bool
}

func (s *Store) recordStage(ctx context.Context, number int, category Category, u StageUpdate) (StageState, error) {
	return update(ctx, s, number, category, func(doc *StageState, _ bool) error {
		setIf(&doc.Status, u.Status)
		setIf(&doc.JobID, u.JobID)
		if len(u.Details) > 0 {
			if doc.Details == nil {
				doc.Details = make(map[string]any, len(u.Details))
			}
			maps.Copy(doc.Details, u.Details)
		}
		if u.Attempt {
			doc.Attempts++
		}
		doc.UpdatedAt = s.now()
		return nil
	})
}

func (s *Store) stageProcessed(ctx context.Context, number int, category Category) (bool, error) {
	doc, err := loadPtr[StageState](ctx, s, number, category)
	if err != nil || doc == nil {
		return false, err
	}
	switch doc.Status {
	case "", "error", "failed":
		return false, nil
	}
	return true, nil
}

// RecordCIFix merges u into the ci_fix document.
func (s *Store) RecordCIFix(ctx context.Context, number int, u StageUpdate) (StageState, error) {
	return s.recordStage(ctx, number, CategoryCIFix, u)
}

// CIFixData returns the ci_fix document, or nil when none exists.
func (s *Store) CIFixData(ctx context.Context, number int) (*StageState, error) {
	return loadPtr[StageState](ctx, s, number, CategoryCIFix)
}

// CIFixProcessed reports whether a CI fix is active or done.
func (s *Store) CIFixProcessed(ctx context.Context, number int) (bool, error) {
	return s.stageProcessed(ctx, number, CategoryCIFix)
}

// ResetCIFixState deletes the ci_fix record.
func (s *Store) ResetCIFixState(ctx context.Context, number int) error {
	return s.Reset(ctx, number, CategoryCIFix)
}

// RecordReview merges u into the review document.
func (s *Store) RecordReview(ctx context.Context, number int, u StageUpdate) (StageState, error) {
	return s.recordStage(ctx, number, CategoryReview, u)
}

// ReviewData returns the review document, or nil when none exists.
func (s *Store) ReviewData(ctx context.Context, number int) (*StageState, error) {
	return loadPtr[StageState](ctx, s, number, CategoryReview)
}

// ReviewProcessed reports whether a review is active or done.
func (s *Store) ReviewProcessed(ctx context.Context, number int) (bool, error) {
	return s.stageProcessed(ctx, number, CategoryReview)
}

// ResetReviewState deletes the review record.
func (s *Store) ResetReviewState(ctx context.Context, number int) error {
	return s.Reset(ctx, number, CategoryReview)
}

// RecordRebase merges u into the rebase document.
func (s *Store) RecordRebase(ctx context.Context, number int, u StageUpdate) (StageState, error) {
	return s.recordStage(ctx, number, CategoryRebase, u)
}

// RebaseData returns the rebase document, or nil when none exists.
func (s *Store) RebaseData(ctx context.Context, number int) (*StageState, error) {
	return loadPtr[StageState](ctx, s, number, CategoryRebase)
}

// RebaseProcessed reports whether a rebase is active or done.
func (s *Store) RebaseProcessed(ctx context.Context, number int) (bool, error) {
	return s.stageProcessed(ctx, number, CategoryRebase)
}

// ResetRebaseState deletes the rebase record.
func (s *Store) ResetRebaseState(ctx context.Context, number int) error {
	return s.Reset(ctx, number, CategoryRebase)
}

// --- dispatch helpers ---

// Processed applies the category-specific processed rule for p.
func (s *Store) Processed(ctx context.Context, number int, p protocol.ProcessorType) (bool, error) {
	switch p {
	case protocol.ProcessorPlan:
		return s.PlanProcessed(ctx, number)
	case protocol.ProcessorBuild:
		return s.BuildProcessed(ctx, number)
	case protocol.ProcessorChangeRequest:
		return s.ChangeRequestProcessed(ctx, number)
	case protocol.ProcessorCIFix:
		return s.CIFixProcessed(ctx, number)
	case protocol.ProcessorReview:
		return s.ReviewProcessed(ctx, number)
	case protocol.ProcessorRebase:
		return s.RebaseProcessed(ctx, number)
	default:
		return false, fmt.Errorf("processed: unknown processor type %q", p)
	}
}

// CategoryFor maps a processor type to its state category.
func CategoryFor(p protocol.ProcessorType) (Category, error) {
	if !p.Valid() {
		return "", fmt.Errorf("unknown processor type %q", p)
	}
	return Category(p), nil
}

func loadPtr[T any](ctx context.Context, s *Store, number int, category Category) (*T, error) {
	doc, ok, err := load[T](ctx, s, number, category)
	if err != nil || !ok {
		return nil, err
	}
	return &doc, nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
