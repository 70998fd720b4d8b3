package artifacts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Index is a local SQLite catalog of written artifacts. It backs the bundle
// download view: listing a request's artifacts without walking the sink.
type Index struct {
	db *sql.DB
}

// NewIndex opens (and migrates) the index database at path. Use ":memory:"
// for tests.
func NewIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("artifacts: open index: %w", err)
	}
	// The index is written from one process; a single connection avoids
	// SQLITE_BUSY under concurrent request teardown.
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	name       TEXT NOT NULL,
	size       INTEGER NOT NULL,
	sha256     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE (request_id, name)
);
CREATE INDEX IF NOT EXISTS idx_artifacts_request ON artifacts (request_id);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("artifacts: migrate index: %w", err)
	}
	return &Index{db: db}, nil
}

// Insert records one artifact. Re-writing the same (request, name) replaces
// the previous row.
func (ix *Index) Insert(ctx context.Context, rec Record) error {
	_, err := ix.db.ExecContext(ctx, `
INSERT INTO artifacts (request_id, name, size, sha256, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (request_id, name) DO UPDATE SET
	size = excluded.size, sha256 = excluded.sha256, created_at = excluded.created_at`,
		rec.RequestID, rec.Name, rec.Size, rec.SHA256, rec.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("artifacts: insert index row: %w", err)
	}
	return nil
}

// ListByRequest returns a request's artifacts in write order.
func (ix *Index) ListByRequest(ctx context.Context, requestID string) ([]Record, error) {
	rows, err := ix.db.QueryContext(ctx, `
SELECT request_id, name, size, sha256, created_at
FROM artifacts WHERE request_id = ? ORDER BY id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("artifacts: list index rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var rec Record
		var createdAt string
		if err := rows.Scan(&rec.RequestID, &rec.Name, &rec.Size, &rec.SHA256, &createdAt); err != nil {
			return nil, fmt.Errorf("artifacts: scan index row: %w", err)
		}
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("artifacts: bad created_at %q: %w", createdAt, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (ix *Index) Close() error {
	return ix.db.Close()
}
