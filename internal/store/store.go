// Package store is the append-only message log replayed to clients as history.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one persisted envelope line.
type Record struct {
	ID        int64
	Content   string
	CreatedAt time.Time
}

// Log is a SQLite-backed append-only log. Every operation holds mu, so a
// reader never sees a write in progress and writes never interleave.
type Log struct {
	mu sync.Mutex
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	json_content TEXT,
	timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// Open opens (or creates) the log at path.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// All access is serialized by Log.mu; one connection is enough.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Log{db: db}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}

// Append stores content and returns its id.
func (l *Log) Append(ctx context.Context, content string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.ExecContext(ctx, "INSERT INTO messages (json_content) VALUES (?)", content)
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	return id, nil
}

// Recent returns the limit most recent records in ascending id order.
func (l *Log) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// timestamp is stored as UTC text; read it back as unix seconds.
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, COALESCE(json_content, ''), CAST(strftime('%s', timestamp) AS INTEGER) FROM (
			SELECT id, json_content, timestamp FROM messages ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		var (
			r       Record
			created sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if created.Valid {
			r.CreatedAt = time.Unix(created.Int64, 0)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return records, nil
}

// Purge deletes every record and returns how many were removed.
func (l *Log) Purge(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.ExecContext(ctx, "DELETE FROM messages")
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	return n, nil
}
