// Package state implements the crash-safe per-entity state store. Every
// issue/PR/category combination owns one JSON document in SQLite; the store
// is the sole source of truth for whether work is new, in progress, or done.
//
// Every write is a full read-modify-write of one document inside a single
// transaction, so a crash mid-write leaves the previous document intact.
// Unreadable documents are treated as absent: the orchestrator degrades to
// "process as new" instead of crash-looping.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"kiln/pkg/protocol"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Category names one kind of progress document.
type Category string

// Known categories. The processor categories share their names with
// protocol.ProcessorType.
const (
	CategoryPlan          Category = "plan"
	CategoryBuild         Category = "build"
	CategoryReview        Category = "review"
	CategoryCIFix         Category = "ci_fix"
	CategoryChangeRequest Category = "change_request"
	CategoryRebase        Category = "rebase"
	CategoryRelationships Category = "relationships"
)

// ErrNotFound is returned by accessors that require an existing record.
var ErrNotFound = errors.New("state: record not found")

// Store is the per-repository state store.
type Store struct {
	db         *sqlx.DB
	repository string

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// Open opens (or creates) the state database at path, scoped to repository.
// Failure here is a setup error and should abort startup.
func Open(ctx context.Context, path, repository string) (*Store, error) {
	if repository == "" {
		return nil, errors.New("open state: repository is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	db, err := openDB(ctx, path)
	if err != nil {
		return nil, err
	}

	if _, err := db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, repository: repository, nowFunc: time.Now}, nil
}

// openDB opens a SQLite database at path with WAL journaling and a 5-second
// busy timeout, so the daemon and detached job processes can share it.
func openDB(ctx context.Context, path string) (*sqlx.DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection serializes in-process transactions; other processes
	// are handled by busy_timeout.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return db, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close state db: %w", err)
	}
	return nil
}

// Repository returns the repository this store is scoped to.
func (s *Store) Repository() string { return s.repository }

// SetNowFunc overrides the clock. Used by tests.
func (s *Store) SetNowFunc(fn func() time.Time) { s.nowFunc = fn }

func (s *Store) now() time.Time { return s.nowFunc().UTC() }

// withTx runs fn inside a transaction, committing on success and rolling back
// on any error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// readDocument loads the raw document for (number, category). Missing rows
// return ("", false, nil).
func readDocument(ctx context.Context, q sqlx.QueryerContext, repository string, number int, category Category) (string, bool, error) {
	var raw string
	err := sqlx.GetContext(ctx, q, &raw,
		`SELECT document FROM entity_state WHERE repository = ? AND number = ? AND category = ?`,
		repository, number, string(category))
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s #%d: %w", category, number, err)
	}
	return raw, true, nil
}

// decodeDocument unmarshals raw into a T. A corrupt document is logged and
// reported as absent.
func decodeDocument[T any](raw string, number int, category Category) (T, bool) {
	var doc T
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		slog.Warn("state: discarding unreadable record",
			"category", string(category), "number", number, "error", err)
		var zero T
		return zero, false
	}
	return doc, true
}

// load returns the document for (number, category) and whether it exists.
func load[T any](ctx context.Context, s *Store, number int, category Category) (T, bool, error) {
	var zero T
	raw, ok, err := readDocument(ctx, s.db, s.repository, number, category)
	if err != nil || !ok {
		return zero, false, err
	}
	doc, ok := decodeDocument[T](raw, number, category)
	return doc, ok, nil
}

// update performs the read-modify-write of one document in a single
// transaction. fn receives the current document (zero value when absent) and
// whether it existed. If fn or the write fails, the previous document is left
// untouched.
func update[T any](ctx context.Context, s *Store, number int, category Category, fn func(doc *T, exists bool) error) (T, error) {
	var out T
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		raw, exists, err := readDocument(ctx, tx, s.repository, number, category)
		if err != nil {
			return err
		}
		var doc T
		if exists {
			doc, exists = decodeDocument[T](raw, number, category)
		}

		if err := fn(&doc, exists); err != nil {
			return err
		}

		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode %s #%d: %w", category, number, err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO entity_state (repository, number, category, document, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(repository, number, category)
			 DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
			s.repository, number, string(category), string(data), s.now().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("write %s #%d: %w", category, number, err)
		}
		out = doc
		return nil
	})
	return out, err
}

// Reset deletes the record for (number, category), allowing re-processing.
// Resetting a missing record is not an error.
func (s *Store) Reset(ctx context.Context, number int, category Category) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM entity_state WHERE repository = ? AND number = ? AND category = ?`,
		s.repository, number, string(category))
	if err != nil {
		return fmt.Errorf("reset %s #%d: %w", category, number, err)
	}
	return nil
}

// Forget deletes every record for an entity (e.g., after the issue is removed).
func (s *Store) Forget(ctx context.Context, number int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM entity_state WHERE repository = ? AND number = ?`,
		s.repository, number)
	if err != nil {
		return fmt.Errorf("forget #%d: %w", number, err)
	}
	return nil
}

// Entity returns every raw document stored for number, keyed by category.
// Unreadable documents are omitted.
func (s *Store) Entity(ctx context.Context, number int) (map[Category]json.RawMessage, error) {
	var rows []struct {
		Category string `db:"category"`
		Document string `db:"document"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT category, document FROM entity_state WHERE repository = ? AND number = ? ORDER BY category`,
		s.repository, number)
	if err != nil {
		return nil, fmt.Errorf("load entity #%d: %w", number, err)
	}

	out := make(map[Category]json.RawMessage, len(rows))
	for _, r := range rows {
		if !json.Valid([]byte(r.Document)) {
			slog.Warn("state: skipping unreadable record", "category", r.Category, "number", number)
			continue
		}
		out[Category(r.Category)] = json.RawMessage(r.Document)
	}
	return out, nil
}

// Numbers returns the entity numbers that have a record in category.
func (s *Store) Numbers(ctx context.Context, category Category) ([]int, error) {
	var nums []int
	err := s.db.SelectContext(ctx, &nums,
		`SELECT number FROM entity_state WHERE repository = ? AND category = ? ORDER BY number`,
		s.repository, string(category))
	if err != nil {
		return nil, fmt.Errorf("list %s records: %w", category, err)
	}
	return nums, nil
}
