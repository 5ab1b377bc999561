package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"stratflow/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ RunStore = (*SQLiteStore)(nil)

// SQLiteStore implements RunStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	intent     TEXT NOT NULL,
	success    INTEGER NOT NULL,
	message    TEXT NOT NULL,
	spec       TEXT NOT NULL,
	parameters TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_session_created ON runs (session_id, created_at);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates
// the schema and returns a ready-to-use SQLiteStore. Use ":memory:" for a
// throwaway database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" databases shared and serialises
	// writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRun inserts or replaces a run.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *Run) error {
	params, err := json.Marshal(run.Parameters)
	if err != nil {
		return fmt.Errorf("encoding parameters: %w", err)
	}
	created := run.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (id, session_id, intent, success, message, spec, parameters, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SessionID, string(run.Intent), run.Success, run.Message, run.Spec, string(params), created.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, intent, success, message, spec, parameters, created_at
		FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, sessionID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, session_id, intent, success, message, spec, parameters, created_at FROM runs`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		run     Run
		intent  string
		params  string
		created int64
	)
	if err := sc.Scan(&run.ID, &run.SessionID, &intent, &run.Success, &run.Message, &run.Spec, &params, &created); err != nil {
		return nil, err
	}
	run.Intent = domain.Intent(intent)
	run.CreatedAt = time.UnixMilli(created)
	if params != "" && params != "null" {
		if err := json.Unmarshal([]byte(params), &run.Parameters); err != nil {
			return nil, fmt.Errorf("decoding parameters: %w", err)
		}
	}
	return &run, nil
}
