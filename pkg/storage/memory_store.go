package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// DefaultMaxRuns bounds a MemoryRunStore created with a non-positive capacity.
const DefaultMaxRuns = 1000

// MemoryRunStore is an in-memory implementation of RunStore. It keeps the
// most recent runs and drops the oldest ones beyond its capacity.
type MemoryRunStore struct {
	mu    sync.RWMutex
	max   int
	order []string
	runs  map[string]*RunRecord
}

// NewMemoryRunStore creates a store holding at most maxRuns records.
func NewMemoryRunStore(maxRuns int) *MemoryRunStore {
	if maxRuns <= 0 {
		maxRuns = DefaultMaxRuns
	}
	return &MemoryRunStore{
		max:  maxRuns,
		runs: make(map[string]*RunRecord),
	}
}

// SaveRun stores a copy of rec.
func (s *MemoryRunStore) SaveRun(_ context.Context, rec *RunRecord) error {
	if rec == nil {
		return fmt.Errorf("save run: nil record")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	stored := *rec

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[stored.ID]; !ok {
		s.order = append(s.order, stored.ID)
	}
	s.runs[stored.ID] = &stored
	for len(s.order) > s.max {
		delete(s.runs, s.order[0])
		s.order = s.order[1:]
	}
	return nil
}

// GetRun retrieves a run by id.
func (s *MemoryRunStore) GetRun(_ context.Context, id string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := *rec
	return &out, nil
}

// ListRuns returns the newest runs first.
func (s *MemoryRunStore) ListRuns(_ context.Context, limit int) ([]*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*RunRecord, 0, n)
	for i := len(s.order) - 1; i >= 0 && len(out) < n; i-- {
		rec := *s.runs[s.order[i]]
		out = append(out, &rec)
	}
	return out, nil
}

// Close is a no-op for memory store.
func (s *MemoryRunStore) Close() error {
	return nil
}
