// Package scheduler orders WorkItems by priority and rotates through them
// round-robin, persisting the rotation cursor so a restarted daemon resumes
// where it left off instead of favoring the head of the queue.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"kiln/pkg/protocol"
)

// CursorStore persists the rotation cursor. *state.Store satisfies it.
type CursorStore interface {
	RoundRobinLastKey(ctx context.Context) (string, error)
	RecordRoundRobinPosition(ctx context.Context, key string, at time.Time) error
}

// Stats summarizes the current queue.
type Stats struct {
	Total            int                            `json:"total"`
	ByProcessor      map[protocol.ProcessorType]int `json:"by_processor"`
	ByPriority       map[int]int                    `json:"by_priority"`
	LastProcessedKey string                         `json:"last_processed_key"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the clock used to timestamp cursor writes.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler is the priority round-robin work queue. It is not safe for
// concurrent use; the watch cycle drives it from a single goroutine.
type Scheduler struct {
	store   CursorStore
	now     func() time.Time
	queue   []protocol.WorkItem
	lastKey string
}

// New creates a scheduler and loads the persisted cursor from store. A cursor
// that cannot be read is logged and treated as empty.
func New(ctx context.Context, store CursorStore, opts ...Option) *Scheduler {
	s := &Scheduler{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	key, err := store.RoundRobinLastKey(ctx)
	if err != nil {
		slog.Warn("scheduler: cannot load rotation cursor, starting from head", "error", err)
		key = ""
	}
	s.lastKey = key
	return s
}

// Refresh replaces the queue with items, stable-sorted by priority. The
// cursor is not touched.
func (s *Scheduler) Refresh(items []protocol.WorkItem) {
	queue := slices.Clone(items)
	slices.SortStableFunc(queue, func(a, b protocol.WorkItem) int {
		return a.Priority() - b.Priority()
	})
	s.queue = queue
}

// Next returns the first item after the cursor whose number is not paused,
// wrapping around the end of the queue. When the cursor key is not in the
// current queue, rotation restarts at index 0. Returns nil if the queue is
// empty or every item is paused.
func (s *Scheduler) Next(paused map[int]bool) *protocol.WorkItem {
	n := len(s.queue)
	if n == 0 {
		return nil
	}

	start := 0
	if s.lastKey != "" {
		if i := s.indexOf(s.lastKey); i >= 0 {
			start = i + 1
		}
	}

	for off := range n {
		item := s.queue[(start+off)%n]
		if paused[item.Number] {
			continue
		}
		return &item
	}
	return nil
}

// MarkProcessed moves the cursor to item and persists it. The in-memory
// cursor moves even if persisting fails.
func (s *Scheduler) MarkProcessed(ctx context.Context, item protocol.WorkItem) error {
	s.lastKey = item.Key()
	if err := s.store.RecordRoundRobinPosition(ctx, s.lastKey, s.now()); err != nil {
		return fmt.Errorf("persist rotation cursor: %w", err)
	}
	return nil
}

// HasWork reports whether at least one unpaused item is queued.
func (s *Scheduler) HasWork(paused map[int]bool) bool {
	for _, item := range s.queue {
		if !paused[item.Number] {
			return true
		}
	}
	return false
}

// LastKey returns the current cursor.
func (s *Scheduler) LastKey() string { return s.lastKey }

// Stats returns counts over the current queue.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		Total:            len(s.queue),
		ByProcessor:      make(map[protocol.ProcessorType]int),
		ByPriority:       make(map[int]int),
		LastProcessedKey: s.lastKey,
	}
	for _, item := range s.queue {
		st.ByProcessor[item.ProcessorType]++
		st.ByPriority[item.Priority()]++
	}
	return st
}

func (s *Scheduler) indexOf(key string) int {
	return slices.IndexFunc(s.queue, func(w protocol.WorkItem) bool { return w.Key() == key })
}
