package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"kiln/pkg/protocol"
	"kiln/pkg/state"
)

// memCursor is an in-memory CursorStore.
type memCursor struct {
	key     string
	at      time.Time
	loadErr error
	saveErr error
	saves   int
}

func (m *memCursor) RoundRobinLastKey(context.Context) (string, error) {
	return m.key, m.loadErr
}

func (m *memCursor) RecordRoundRobinPosition(_ context.Context, key string, at time.Time) error {
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.key, m.at = key, at
	return nil
}

func issue(n int, p protocol.ProcessorType) protocol.WorkItem {
	return protocol.WorkItem{Number: n, ItemType: protocol.ItemIssue, ProcessorType: p, Label: string(p)}
}

func pr(n int, p protocol.ProcessorType) protocol.WorkItem {
	return protocol.WorkItem{Number: n, ItemType: protocol.ItemPR, ProcessorType: p, Label: string(p)}
}

// drain calls Next/MarkProcessed n times and returns the dispatched keys.
func drain(t *testing.T, s *Scheduler, n int, paused map[int]bool) []string {
	t.Helper()
	var keys []string
	for range n {
		item := s.Next(paused)
		if item == nil {
			t.Fatalf("Next returned nil after %v", keys)
		}
		keys = append(keys, item.Key())
		if err := s.MarkProcessed(context.Background(), *item); err != nil {
			t.Fatalf("MarkProcessed: %v", err)
		}
	}
	return keys
}

func TestRefresh_PlanItemsFirst(t *testing.T) {
	s := New(context.Background(), &memCursor{})
	s.Refresh([]protocol.WorkItem{
		issue(1, protocol.ProcessorBuild),
		issue(2, protocol.ProcessorPlan),
		pr(3, protocol.ProcessorReview),
		issue(4, protocol.ProcessorPlan),
		pr(5, protocol.ProcessorCIFix),
	})

	got := drain(t, s, 5, nil)
	want := []string{"issue_2_plan", "issue_4_plan", "issue_1_build", "pr_3_review", "pr_5_ci_fix"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order: got %v, want %v", got, want)
		}
	}
}

func TestNext_RoundRobinWraps(t *testing.T) {
	s := New(context.Background(), &memCursor{})
	a, b, c := issue(1, protocol.ProcessorBuild), issue(2, protocol.ProcessorBuild), pr(3, protocol.ProcessorReview)
	s.Refresh([]protocol.WorkItem{a, b, c})

	ctx := context.Background()
	if err := s.MarkProcessed(ctx, a); err != nil {
		t.Fatal(err)
	}
	if got := s.Next(nil); got == nil || got.Key() != b.Key() {
		t.Fatalf("after a: got %v, want b", got)
	}
	if err := s.MarkProcessed(ctx, b); err != nil {
		t.Fatal(err)
	}
	if got := s.Next(nil); got == nil || got.Key() != c.Key() {
		t.Fatalf("after b: got %v, want c", got)
	}
	if err := s.MarkProcessed(ctx, c); err != nil {
		t.Fatal(err)
	}
	if got := s.Next(nil); got == nil || got.Key() != a.Key() {
		t.Fatalf("after c: got %v, want a", got)
	}
}

func TestNext_CursorSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store, err := state.Open(ctx, filepath.Join(t.TempDir(), "state.db"), "acme/widgets")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	items := []protocol.WorkItem{issue(1, protocol.ProcessorBuild), issue(2, protocol.ProcessorBuild), issue(3, protocol.ProcessorBuild)}

	first := New(ctx, store)
	first.Refresh(items)
	if err := first.MarkProcessed(ctx, items[1]); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	second := New(ctx, store)
	if second.LastKey() != items[1].Key() {
		t.Fatalf("cursor: got %q, want %q", second.LastKey(), items[1].Key())
	}
	second.Refresh(items)
	if got := second.Next(nil); got == nil || got.Number != 3 {
		t.Fatalf("resume: got %v, want issue 3", got)
	}
}

func TestNext_RemovedCursorRestartsAtHead(t *testing.T) {
	s := New(context.Background(), &memCursor{key: "issue_99_build"})
	s.Refresh([]protocol.WorkItem{issue(5, protocol.ProcessorBuild), issue(6, protocol.ProcessorBuild)})

	got := s.Next(nil)
	if got == nil || got.Number != 5 {
		t.Fatalf("got %v, want issue 5", got)
	}
}

func TestNext_Paused(t *testing.T) {
	s := New(context.Background(), &memCursor{})
	s.Refresh([]protocol.WorkItem{issue(1, protocol.ProcessorBuild), issue(2, protocol.ProcessorBuild)})

	if got := s.Next(map[int]bool{1: true}); got == nil || got.Number != 2 {
		t.Fatalf("got %v, want issue 2", got)
	}
	all := map[int]bool{1: true, 2: true}
	if got := s.Next(all); got != nil {
		t.Fatalf("all paused: got %v, want nil", got)
	}
	if s.HasWork(all) {
		t.Fatal("HasWork should be false when every item is paused")
	}
	if !s.HasWork(nil) {
		t.Fatal("HasWork should be true with unpaused items")
	}
}

func TestNext_EmptyQueue(t *testing.T) {
	s := New(context.Background(), &memCursor{})
	if got := s.Next(nil); got != nil {
		t.Fatalf("got %v, want nil", got)
	}
	if s.HasWork(nil) {
		t.Fatal("empty queue has no work")
	}
}

func TestRefresh_DoesNotTouchCursor(t *testing.T) {
	cur := &memCursor{key: "issue_1_build"}
	s := New(context.Background(), cur)
	s.Refresh(nil)
	s.Refresh([]protocol.WorkItem{issue(1, protocol.ProcessorBuild)})
	if s.LastKey() != "issue_1_build" || cur.saves != 0 {
		t.Fatalf("refresh changed cursor: key=%q saves=%d", s.LastKey(), cur.saves)
	}
}

func TestNew_LoadErrorStartsEmpty(t *testing.T) {
	s := New(context.Background(), &memCursor{key: "issue_1_build", loadErr: errors.New("db gone")})
	if s.LastKey() != "" {
		t.Fatalf("cursor: got %q, want empty", s.LastKey())
	}
}

func TestMarkProcessed_PersistsTimestamp(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cur := &memCursor{}
	s := New(context.Background(), cur, WithClock(func() time.Time { return at }))

	if err := s.MarkProcessed(context.Background(), pr(8, protocol.ProcessorRebase)); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if cur.key != "pr_8_rebase" || !cur.at.Equal(at) {
		t.Fatalf("persisted: key=%q at=%v", cur.key, cur.at)
	}

	cur.saveErr = errors.New("disk full")
	if err := s.MarkProcessed(context.Background(), pr(9, protocol.ProcessorRebase)); err == nil {
		t.Fatal("expected persist error")
	}
	if s.LastKey() != "pr_9_rebase" {
		t.Fatalf("in-memory cursor should still move, got %q", s.LastKey())
	}
}

func TestStats(t *testing.T) {
	s := New(context.Background(), &memCursor{key: "issue_1_plan"})
	s.Refresh([]protocol.WorkItem{
		issue(1, protocol.ProcessorPlan),
		issue(2, protocol.ProcessorBuild),
		pr(3, protocol.ProcessorBuild),
	})

	st := s.Stats()
	if st.Total != 3 {
		t.Fatalf("total: got %d", st.Total)
	}
	if st.ByProcessor[protocol.ProcessorBuild] != 2 || st.ByProcessor[protocol.ProcessorPlan] != 1 {
		t.Fatalf("by processor: got %v", st.ByProcessor)
	}
	if st.ByPriority[protocol.PriorityPlan] != 1 || st.ByPriority[protocol.PriorityDefault] != 2 {
		t.Fatalf("by priority: got %v", st.ByPriority)
	}
	if st.LastProcessedKey != "issue_1_plan" {
		t.Fatalf("last key: got %q", st.LastProcessedKey)
	}
}
