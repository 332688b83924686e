// Package processlist tracks running queries and the executors working on
// them, so operators can list and kill queries.
package processlist

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/polisai/polis-exec/pkg/executor"
	"github.com/polisai/polis-exec/pkg/metrics"
)

// ErrNotFound is returned for unknown query ids.
var ErrNotFound = errors.New("query not found")

// Query is one registered query. It implements executor.QueryStatus.
type Query struct {
	ID        string
	Name      string
	StartedAt time.Time

	killed    atomic.Bool
	mu        sync.Mutex
	executors map[*executor.PipelineExecutor]struct{}
}

var _ executor.QueryStatus = (*Query)(nil)

// IsKilled reports whether Kill was called.
func (q *Query) IsKilled() bool { return q.killed.Load() }

// AddExecutor registers e. Executors added to a killed query are cancelled
// right away.
func (q *Query) AddExecutor(e *executor.PipelineExecutor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.killed.Load() {
		e.Cancel()
		return
	}
	q.executors[e] = struct{}{}
}

// RemoveExecutor deregisters e.
func (q *Query) RemoveExecutor(e *executor.PipelineExecutor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.executors, e)
}

// Executors returns the number of registered executors.
func (q *Query) Executors() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.executors)
}

// kill marks the query and cancels every registered executor. It reports
// false when the query was already killed.
func (q *Query) kill() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.killed.CompareAndSwap(false, true) {
		return false
	}
	for e := range q.executors {
		e.Cancel()
	}
	return true
}

// Info is a snapshot of a query for listings.
type Info struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	Killed    bool          `json:"killed"`
	Executors int           `json:"executors"`
}

// Info returns a snapshot of q.
func (q *Query) Info() Info {
	return Info{
		ID:        q.ID,
		Name:      q.Name,
		StartedAt: q.StartedAt,
		Elapsed:   time.Since(q.StartedAt),
		Killed:    q.IsKilled(),
		Executors: q.Executors(),
	}
}

// List is the registry of running queries.
type List struct {
	mu      sync.RWMutex
	queries map[string]*Query
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures a List.
type Option func(*List)

// WithMetrics records query gauges and kill counts in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *List) { l.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *List) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New returns an empty list.
func New(opts ...Option) *List {
	l := &List{
		queries: make(map[string]*Query),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start registers a new query.
func (l *List) Start(name string) *Query {
	q := &Query{
		ID:        uuid.NewString(),
		Name:      name,
		StartedAt: time.Now(),
		executors: make(map[*executor.PipelineExecutor]struct{}),
	}
	l.mu.Lock()
	l.queries[q.ID] = q
	l.mu.Unlock()
	if l.metrics != nil {
		l.metrics.QueryStarted()
	}
	l.logger.Debug("query started", "query_id", q.ID, "name", name)
	return q
}

// Finish removes q from the list.
func (l *List) Finish(q *Query) {
	l.mu.Lock()
	_, ok := l.queries[q.ID]
	delete(l.queries, q.ID)
	l.mu.Unlock()
	if !ok {
		return
	}
	if l.metrics != nil {
		l.metrics.QueryFinished()
	}
	l.logger.Debug("query finished", "query_id", q.ID, "elapsed", time.Since(q.StartedAt))
}

// Get returns the query with id.
func (l *List) Get(id string) (*Query, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	q, ok := l.queries[id]
	return q, ok
}

// List returns snapshots of all running queries, oldest first.
func (l *List) List() []Info {
	l.mu.RLock()
	queries := make([]*Query, 0, len(l.queries))
	for _, q := range l.queries {
		queries = append(queries, q)
	}
	l.mu.RUnlock()

	out := make([]Info, 0, len(queries))
	for _, q := range queries {
		out = append(out, q.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Kill cancels the query with id. Killing a query twice is not an error.
func (l *List) Kill(id string) error {
	q, ok := l.Get(id)
	if !ok {
		return ErrNotFound
	}
	if q.kill() {
		if l.metrics != nil {
			l.metrics.RecordQueryKilled()
		}
		l.logger.Info("query killed", "query_id", id, "name", q.Name)
	}
	return nil
}
