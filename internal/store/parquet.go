package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"stratflow/internal/domain"
)

// Compile-time interface check.
var _ Journal = (*ParquetJournal)(nil)

// ParquetJournal implements Journal using one Parquet file per day:
//
//	<DataDir>/approvals/<YYYY-MM-DD>.parquet
type ParquetJournal struct {
	DataDir string

	mu sync.Mutex
}

// NewParquetJournal creates a journal rooted at the given data directory.
func NewParquetJournal(dataDir string) *ParquetJournal {
	return &ParquetJournal{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// DecisionRecord is the Parquet schema for an approval decision.
type DecisionRecord struct {
	SessionID  string `parquet:"session_id"`
	Decision   string `parquet:"decision"`
	RunID      string `parquet:"run_id"`
	Success    bool   `parquet:"success"`
	Message    string `parquet:"message"`
	Spec       string `parquet:"spec"`
	Parameters string `parquet:"parameters"`
	Timestamp  int64  `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
}

// Append adds d to the file for its day. Existing records are read back
// and rewritten, since Parquet files are immutable once closed.
func (j *ParquetJournal) Append(_ context.Context, d *Decision) error {
	params, err := json.Marshal(d.Parameters)
	if err != nil {
		return fmt.Errorf("encoding parameters: %w", err)
	}
	ts := d.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	rec := DecisionRecord{
		SessionID:  d.SessionID,
		Decision:   string(d.Decision),
		RunID:      d.RunID,
		Success:    d.Success,
		Message:    d.Message,
		Spec:       d.Spec,
		Parameters: string(params),
		Timestamp:  ts.UnixMilli(),
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	path := j.dayPath(ts)
	existing, err := readParquetFile[DecisionRecord](path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading journal %s: %w", path, err)
	}
	records := append(existing, rec)
	sort.SliceStable(records, func(a, b int) bool {
		return records[a].Timestamp < records[b].Timestamp
	})
	if err := writeParquetFile(path, records); err != nil {
		return fmt.Errorf("writing journal %s: %w", path, err)
	}
	return nil
}

// ReadDay returns the decisions recorded on day. A day without a file has
// no decisions.
func (j *ParquetJournal) ReadDay(_ context.Context, day time.Time) ([]Decision, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	records, err := readParquetFile[DecisionRecord](j.dayPath(day))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]Decision, 0, len(records))
	for _, r := range records {
		d := Decision{
			SessionID: r.SessionID,
			Decision:  domain.Decision(r.Decision),
			RunID:     r.RunID,
			Success:   r.Success,
			Message:   r.Message,
			Spec:      r.Spec,
			Timestamp: time.UnixMilli(r.Timestamp),
		}
		if r.Parameters != "" && r.Parameters != "null" {
			if err := json.Unmarshal([]byte(r.Parameters), &d.Parameters); err != nil {
				return nil, fmt.Errorf("decoding parameters: %w", err)
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// dayPath returns the filesystem path for a day's journal file. Days are
// UTC.
func (j *ParquetJournal) dayPath(t time.Time) string {
	return filepath.Join(j.DataDir, "approvals", t.UTC().Format("2006-01-02")+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
