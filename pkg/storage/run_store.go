// Package storage keeps records of finished pipeline runs.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/polisai/polis-exec/pkg/executor"
)

// ErrNotFound is returned when a requested run does not exist in the store.
var ErrNotFound = errors.New("run not found")

// RunRecord describes one finished pipeline execution.
type RunRecord struct {
	ID         string                  `json:"id"`
	QueryID    string                  `json:"query_id,omitempty"`
	Pipeline   string                  `json:"pipeline"`
	Threads    int                     `json:"threads"`
	Outcome    string                  `json:"outcome"`
	Error      string                  `json:"error,omitempty"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Stats      executor.ExecutionStats `json:"stats"`
	Results    map[string][]int64      `json:"results,omitempty"`
}

// Duration is the wall time of the run.
func (r *RunRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunStore exposes persistence operations for run records.
type RunStore interface {
	// SaveRun stores rec, assigning an id when it has none.
	SaveRun(ctx context.Context, rec *RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	// ListRuns returns up to limit records, newest first. limit <= 0 returns all.
	ListRuns(ctx context.Context, limit int) ([]*RunRecord, error)
	Close() error
}
