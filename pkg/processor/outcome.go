package processor

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strconv"

	"kiln/pkg/harness"
	"kiln/pkg/protocol"
	"kiln/pkg/state"
)

// RecordingHarness wraps a harness and applies every outcome to the state
// store. It runs inside the background job.
type RecordingHarness struct {
	Inner harness.Runner
	Store Store
}

// Run runs the inner harness and records its outcome. A panic in the inner
// harness is recorded as an error outcome and then re-raised.
func (h *RecordingHarness) Run(ctx context.Context, mode string, args map[string]string) (harness.Result, error) {
	defer func() {
		if p := recover(); p != nil {
			h.record(ctx, mode, args, harness.Result{Status: harness.StatusError, Message: fmt.Sprintf("panic: %v", p)})
			panic(p)
		}
	}()

	res, err := h.Inner.Run(ctx, mode, args)
	recorded := res
	if err != nil {
		recorded = harness.Result{Status: harness.StatusError, Message: err.Error()}
	}
	h.record(ctx, mode, args, recorded)
	return res, err
}

// record applies res even when ctx was cancelled by a stop request.
func (h *RecordingHarness) record(ctx context.Context, mode string, args map[string]string, res harness.Result) {
	if err := ApplyOutcome(context.WithoutCancel(ctx), h.Store, mode, args, res); err != nil {
		slog.Warn("processor: cannot record outcome", "mode", mode, "number", args[ArgNumber], "error", err)
	}
}

// ApplyOutcome maps a harness result for mode onto the matching state
// document and logs an "outcome" event.
//
// Failed plans leave the plan document untouched so the issue is planned
// again. Failed builds become failed (retryable). Change request results use
// the harness status directly; unknown statuses become error.
func ApplyOutcome(ctx context.Context, store Store, mode string, args map[string]string, res harness.Result) error {
	number, err := strconv.Atoi(args[ArgNumber])
	if err != nil || number <= 0 {
		return fmt.Errorf("outcome for %s: bad number %q", mode, args[ArgNumber])
	}

	pt := protocol.ProcessorType(mode)
	switch {
	case pt == protocol.ProcessorPlan:
		err = applyPlan(ctx, store, number, res)
	case pt == protocol.ProcessorBuild:
		err = applyBuild(ctx, store, number, res)
	case pt == protocol.ProcessorChangeRequest:
		err = applyChangeRequest(ctx, store, number, res)
	case isStage(pt):
		status := res.Status
		if status == "" {
			status = harness.StatusError
		}
		details := maps.Clone(res.Data)
		if details == nil {
			details = map[string]any{}
		}
		if res.Message != "" {
			details["message"] = res.Message
		}
		err = recordStage(ctx, store, pt, number, state.StageUpdate{Status: &status, Details: details})
	default:
		return fmt.Errorf("outcome: unknown mode %q", mode)
	}
	if err != nil {
		return fmt.Errorf("record %s outcome for #%d: %w", mode, number, err)
	}

	if err := store.LogEvent(ctx, "outcome", mode, number, res.Map()); err != nil {
		slog.Warn("processor: cannot log outcome", "mode", mode, "number", number, "error", err)
	}
	return nil
}

func applyPlan(ctx context.Context, store Store, number int, res harness.Result) error {
	if res.Failed() {
		slog.Warn("processor: plan failed", "number", number, "message", res.Message)
		return nil
	}
	u := state.PlanUpdate{
		Tasks:     stringsField(res.Data, "tasks"),
		Questions: stringsField(res.Data, "questions"),
		Replan:    boolField(res.Data, "replan"),
	}
	if s, ok := res.Data["summary"].(string); ok {
		u.Summary = &s
	} else if res.Message != "" {
		u.Summary = &res.Message
	}
	if id, ok := int64Field(res.Data, "comment_id"); ok {
		u.CommentID = &id
	}
	_, err := store.RecordPlan(ctx, number, u)
	return err
}

func applyBuild(ctx context.Context, store Store, number int, res harness.Result) error {
	status := state.BuildCompleted
	msg := ""
	if res.Failed() {
		status = state.BuildFailed
		msg = res.Message
		if msg == "" {
			msg = "build failed"
		}
	}
	u := state.BuildUpdate{Status: &status, Error: &msg}
	if url, ok := res.Data["pr_url"].(string); ok && url != "" {
		u.PRURL = &url
	}
	_, err := store.RecordBuild(ctx, number, u)
	return err
}

func applyChangeRequest(ctx context.Context, store Store, number int, res harness.Result) error {
	status := state.ChangeRequestStatus(res.Status)
	if status == "failed" || !status.Valid() {
		status = state.ChangeRequestError
	}
	u := state.ChangeRequestUpdate{
		Status:              &status,
		ChangesApplied:      stringsField(res.Data, "changes_applied"),
		MissingItems:        stringsField(res.Data, "missing_items"),
		AdditionalWork:      stringsField(res.Data, "additional_work"),
		ProcessedCommentIDs: int64sField(res.Data, "comment_ids"),
	}
	if res.Message != "" {
		u.Error = &res.Message
	}
	_, err := store.RecordChangeRequest(ctx, number, u)
	return err
}

// stringsField reads a JSON string array; nil when absent.
func stringsField(data map[string]any, key string) []string {
	raw, ok := data[key].([]any)
	if !ok {
		if s, ok := data[key].([]string); ok {
			return s
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

func int64Field(data map[string]any, key string) (int64, bool) {
	return toInt64(data[key])
}

func int64sField(data map[string]any, key string) []int64 {
	raw, ok := data[key].([]any)
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(raw))
	for _, v := range raw {
		if n, ok := toInt64(v); ok {
			out = append(out, n)
		}
	}
	return out
}

func boolField(data map[string]any, key string) bool {
	b, _ := data[key].(bool)
	return b
}
