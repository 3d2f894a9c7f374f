package protocol

// SchemaDDL defines the SQLite schema for the kiln state database.
// Tables: entity_state, repo_meta, events.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Per-entity progress documents, one row per (repository, number, category)
CREATE TABLE IF NOT EXISTS entity_state (
    repository TEXT NOT NULL,
    number INTEGER NOT NULL,
    category TEXT NOT NULL,
    document TEXT NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    PRIMARY KEY (repository, number, category)
);

-- Repository-scoped scalar state (round-robin cursor, last-run timestamps)
CREATE TABLE IF NOT EXISTS repo_meta (
    repository TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    PRIMARY KEY (repository, key)
);

-- Event log: cycle summaries, dispatches, reconciliation and cleanup actions
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    repository TEXT NOT NULL,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    number INTEGER,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_events_repo_id ON events(repository, id);
`
