package protocol

import "fmt"

// ItemType distinguishes issues from pull requests.
type ItemType string

// Item types.
const (
	ItemIssue ItemType = "issue"
	ItemPR    ItemType = "pr"
)

// ProcessorType names the pipeline stage a WorkItem is dispatched to.
type ProcessorType string

// Processor types.
const (
	ProcessorPlan          ProcessorType = "plan"
	ProcessorBuild         ProcessorType = "build"
	ProcessorReview        ProcessorType = "review"
	ProcessorCIFix         ProcessorType = "ci_fix"
	ProcessorChangeRequest ProcessorType = "change_request"
	ProcessorRebase        ProcessorType = "rebase"
)

// ProcessorTypes lists every processor type in a stable order.
var ProcessorTypes = []ProcessorType{ //nolint:gochecknoglobals // read-only table
	ProcessorPlan,
	ProcessorBuild,
	ProcessorReview,
	ProcessorCIFix,
	ProcessorChangeRequest,
	ProcessorRebase,
}

// Priority bands. Lower runs first.
const (
	PriorityPlan    = 1
	PriorityDefault = 2
)

// Priority returns the scheduling band for the processor type. Plans gate all
// downstream work on an issue, so they run ahead of everything else.
func (p ProcessorType) Priority() int {
	if p == ProcessorPlan {
		return PriorityPlan
	}
	return PriorityDefault
}

// Valid reports whether p is a known processor type.
func (p ProcessorType) Valid() bool {
	for _, known := range ProcessorTypes {
		if p == known {
			return true
		}
	}
	return false
}

// WorkItem is one schedulable unit of work: an issue or pull request paired
// with the processor that should handle it. WorkItems are rebuilt from live
// GitHub listings every cycle and never mutated.
type WorkItem struct {
	Number        int            `json:"number"`
	ItemType      ItemType       `json:"item_type"`
	ProcessorType ProcessorType  `json:"processor_type"`
	Label         string         `json:"label"`
	Data          map[string]any `json:"data,omitempty"`
}

// Key returns the scheduling identity "{item_type}_{number}_{processor_type}".
func (w WorkItem) Key() string {
	return fmt.Sprintf("%s_%d_%s", w.ItemType, w.Number, w.ProcessorType)
}

// Priority returns the item's scheduling band.
func (w WorkItem) Priority() int {
	return w.ProcessorType.Priority()
}
