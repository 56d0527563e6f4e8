// Package history keeps a log of served predictions in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Record is one served prediction.
type Record struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	Filename   string    `json:"filename"`
	Disease    string    `json:"disease"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS predictions (
		id          TEXT PRIMARY KEY,
		request_id  TEXT NOT NULL,
		filename    TEXT DEFAULT '',
		disease     TEXT NOT NULL,
		confidence  REAL NOT NULL,
		created_at  DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_predictions_created_at ON predictions(created_at);
	CREATE INDEX IF NOT EXISTS idx_predictions_request ON predictions(request_id);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Insert stores rec. CreatedAt defaults to now.
func (s *Store) Insert(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO predictions (id, request_id, filename, disease, confidence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RequestID, rec.Filename, rec.Disease, rec.Confidence, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, filename, disease, confidence, created_at
		 FROM predictions
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.Filename, &rec.Disease, &rec.Confidence, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes records created before cutoff and reports how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM predictions WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Close() error {
	return s.db.Close()
}
