// Package store persists the hand-off records of the workflow: a SQLite
// ledger of execution runs and a Parquet journal of approval decisions.
// Conversation history is not persisted.
package store

import (
	"context"
	"errors"
	"time"

	"stratflow/internal/domain"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Run is one approved strategy handed to the execution service.
type Run struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	Intent     domain.Intent  `json:"intent"`
	Success    bool           `json:"success"`
	Message    string         `json:"message"`
	Spec       string         `json:"spec"`
	Parameters map[string]any `json:"parameters"`
	CreatedAt  time.Time      `json:"created_at"`
}

// RunStore persists and retrieves execution runs.
type RunStore interface {
	// SaveRun inserts a run. Saving an existing id replaces it.
	SaveRun(ctx context.Context, run *Run) error

	// GetRun retrieves a single run by its ID.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns the most recent runs, newest first, up to limit. An
	// empty sessionID lists runs of all sessions.
	ListRuns(ctx context.Context, sessionID string, limit int) ([]Run, error)
}

// Decision is one approval-gate outcome.
type Decision struct {
	SessionID  string
	Decision   domain.Decision
	RunID      string
	Success    bool
	Message    string
	Spec       string
	Parameters map[string]any
	Timestamp  time.Time
}

// Journal is an append-only log of approval decisions.
type Journal interface {
	// Append records d under the day of its timestamp.
	Append(ctx context.Context, d *Decision) error

	// ReadDay returns the decisions recorded on day, oldest first.
	ReadDay(ctx context.Context, day time.Time) ([]Decision, error)
}
