package state

import (
	"fmt"
	"time"
)

// --- plan ---

// PlanRevision is one entry of a plan's iteration history.
type PlanRevision struct {
	Iteration  int       `json:"iteration"`
	Summary    string    `json:"summary"`
	TaskCount  int       `json:"task_count"`
	RecordedAt time.Time `json:"recorded_at"`
}

// PlanState is the plan category document.
type PlanState struct {
	Summary   string         `json:"summary"`
	Tasks     []string       `json:"tasks"`
	Questions []string       `json:"questions"`
	CommentID int64          `json:"comment_id,omitempty"`
	Iteration int            `json:"iteration"`
	History   []PlanRevision `json:"history,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// --- build ---

// BuildStatus is the lifecycle state of a build.
type BuildStatus string

// Build statuses.
const (
	BuildPending   BuildStatus = "pending"
	BuildRunning   BuildStatus = "running"
	BuildCompleted BuildStatus = "completed"
	BuildFailed    BuildStatus = "failed"
)

// Valid reports whether s is a known build status.
func (s BuildStatus) Valid() bool {
	switch s {
	case BuildPending, BuildRunning, BuildCompleted, BuildFailed:
		return true
	}
	return false
}

// BuildState is the build category document.
type BuildState struct {
	Status     BuildStatus `json:"status"`
	Branch     string      `json:"branch,omitempty"`
	Workstream string      `json:"workstream,omitempty"`
	PRURL      string      `json:"pr_url,omitempty"`
	JobID      string      `json:"job_id,omitempty"`
	Error      string      `json:"error,omitempty"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// --- change request ---

// ChangeRequestStatus is the outcome of handling review change requests.
type ChangeRequestStatus string

// Change request statuses. VerificationError is distinct from
// IncompleteImplementation: the former means the verification step itself
// failed for technical reasons, the latter that the work is genuinely missing
// pieces.
const (
	ChangeRequestCompleted          ChangeRequestStatus = "completed"
	ChangeRequestNoChanges          ChangeRequestStatus = "no_changes"
	ChangeRequestNeedsClarification ChangeRequestStatus = "needs_clarification"
	ChangeRequestCannotImplement    ChangeRequestStatus = "cannot_implement"
	ChangeRequestIncomplete         ChangeRequestStatus = "incomplete_implementation"
	ChangeRequestVerificationError  ChangeRequestStatus = "verification_error"
	ChangeRequestError              ChangeRequestStatus = "error"
)

// Valid reports whether s is a known change request status.
func (s ChangeRequestStatus) Valid() bool {
	switch s {
	case ChangeRequestCompleted, ChangeRequestNoChanges, ChangeRequestNeedsClarification,
		ChangeRequestCannotImplement, ChangeRequestIncomplete, ChangeRequestVerificationError,
		ChangeRequestError:
		return true
	}
	return false
}

// ChangeRequestState is the change_request category document.
type ChangeRequestState struct {
	Status              ChangeRequestStatus `json:"status"`
	ClarificationCount  int                 `json:"clarification_count"`
	ChangesApplied      []string            `json:"changes_applied"`
	MissingItems        []string            `json:"missing_items"`
	AdditionalWork      []string            `json:"additional_work"`
	ProcessedCommentIDs []int64             `json:"processed_comment_ids,omitempty"`
	Error               string              `json:"error,omitempty"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// --- ci_fix, review, rebase ---

// StageRunning is the stage status written when its job is dispatched.
const StageRunning = "running"

// StageState is the document shared by the ci_fix, review and rebase
// categories: a free-form status plus details.
type StageState struct {
	Status    string         `json:"status"`
	Attempts  int            `json:"attempts"`
	JobID     string         `json:"job_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// --- relationships ---

// Relationships holds cross-entity links for one issue.
type Relationships struct {
	ParentIssue       int       `json:"parent_issue,omitempty"`
	SubIssues         []int     `json:"sub_issues,omitempty"`
	BlockedBy         []int     `json:"blocked_by,omitempty"`
	ProjectItemID     string    `json:"project_item_id,omitempty"`
	TrackedCommentIDs []int64   `json:"tracked_comment_ids,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// BlockingStatus summarizes an issue's blocking dependencies.
type BlockingStatus struct {
	BlockedBy []int `json:"blocked_by"`
	Blocked   bool  `json:"blocked"`
}

// InvalidStatusError is returned when a record call carries an unknown status.
type InvalidStatusError struct {
	Category Category
	Status   string
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("state: invalid %s status %q", e.Category, e.Status)
}

// appendUnique appends the values of add not already present in list.
func appendUnique[T comparable](list []T, add ...T) []T {
	seen := make(map[T]bool, len(list))
	for _, v := range list {
		seen[v] = true
	}
	for _, v := range add {
		if !seen[v] {
			list = append(list, v)
			seen[v] = true
		}
	}
	return list
}
