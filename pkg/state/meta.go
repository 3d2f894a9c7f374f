package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// repo_meta keys.
const (
	metaRoundRobinKey  = "round_robin.last_key"
	metaRoundRobinAt   = "round_robin.processed_at"
	metaLastRunPrefix  = "last_run."
	defaultEventsLimit = 20
)

func (s *Store) readMeta(ctx context.Context, q sqlx.QueryerContext, key string) (string, bool, error) {
	var v string
	err := sqlx.GetContext(ctx, q, &v,
		`SELECT value FROM repo_meta WHERE repository = ? AND key = ?`, s.repository, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read meta %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) writeMeta(ctx context.Context, e sqlx.ExecerContext, key, value string) error {
	_, err := e.ExecContext(ctx,
		`INSERT INTO repo_meta (repository, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(repository, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		s.repository, key, value, s.now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}

func (s *Store) readTime(ctx context.Context, key string) (*time.Time, error) {
	v, ok, err := s.readMeta(ctx, s.db, key)
	if err != nil || !ok {
		return nil, err
	}
	t, perr := time.Parse(time.RFC3339Nano, v)
	if perr != nil {
		slog.Warn("state: ignoring unreadable timestamp", "key", key, "error", perr)
		return nil, nil
	}
	return &t, nil
}

// --- round robin ---

// RoundRobinLastKey returns the identity key of the last dispatched WorkItem,
// or "" if nothing has been dispatched yet.
func (s *Store) RoundRobinLastKey(ctx context.Context) (string, error) {
	v, _, err := s.readMeta(ctx, s.db, metaRoundRobinKey)
	return v, err
}

// RoundRobinLastProcessedAt returns when the cursor last moved, or nil.
func (s *Store) RoundRobinLastProcessedAt(ctx context.Context) (*time.Time, error) {
	return s.readTime(ctx, metaRoundRobinAt)
}

// RecordRoundRobinPosition persists the rotation cursor and its timestamp
// atomically.
func (s *Store) RecordRoundRobinPosition(ctx context.Context, key string, at time.Time) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.writeMeta(ctx, tx, metaRoundRobinKey, key); err != nil {
			return err
		}
		return s.writeMeta(ctx, tx, metaRoundRobinAt, at.UTC().Format(time.RFC3339Nano))
	})
}

// --- periodic jobs ---

// LastRun returns when the named periodic job last ran, or nil if never.
func (s *Store) LastRun(ctx context.Context, name string) (*time.Time, error) {
	return s.readTime(ctx, metaLastRunPrefix+name)
}

// RecordLastRun stores the last run time of the named periodic job.
func (s *Store) RecordLastRun(ctx context.Context, name string, at time.Time) error {
	return s.writeMeta(ctx, s.db, metaLastRunPrefix+name, at.UTC().Format(time.RFC3339Nano))
}

// --- event log ---

// Event is one row of the event log.
type Event struct {
	ID        int64          `db:"id" json:"id"`
	Type      string         `db:"type" json:"type"`
	Source    string         `db:"source" json:"source"`
	Number    sql.NullInt64  `db:"number" json:"-"`
	Payload   sql.NullString `db:"payload" json:"-"`
	CreatedAt string         `db:"created_at" json:"created_at"`
}

// LogEvent appends an event. payload may be a string (stored verbatim), nil,
// or any JSON-encodable value. number <= 0 is stored as NULL.
func (s *Store) LogEvent(ctx context.Context, evType, source string, number int, payload any) error {
	var num sql.NullInt64
	if number > 0 {
		num = sql.NullInt64{Int64: int64(number), Valid: true}
	}

	var body sql.NullString
	switch p := payload.(type) {
	case nil:
	case string:
		body = sql.NullString{String: p, Valid: p != ""}
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
		body = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (repository, type, source, number, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		s.repository, evType, source, num, body, s.now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("log event %s: %w", evType, err)
	}
	return nil
}

// RecentEvents returns up to limit events with id > afterID, oldest first.
// When afterID is 0 the newest limit events are returned.
func (s *Store) RecentEvents(ctx context.Context, limit int, afterID int64) ([]Event, error) {
	if limit <= 0 {
		limit = defaultEventsLimit
	}

	var events []Event
	var err error
	if afterID > 0 {
		err = s.db.SelectContext(ctx, &events,
			`SELECT id, type, source, number, payload, created_at FROM events
			 WHERE repository = ? AND id > ? ORDER BY id ASC LIMIT ?`,
			s.repository, afterID, limit)
	} else {
		err = s.db.SelectContext(ctx, &events,
			`SELECT id, type, source, number, payload, created_at FROM (
			   SELECT id, type, source, number, payload, created_at FROM events
			   WHERE repository = ? ORDER BY id DESC LIMIT ?
			 ) ORDER BY id ASC`,
			s.repository, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return events, nil
}
