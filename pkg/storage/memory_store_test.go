package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndGetRun(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRunStore(0)
	defer func() { require.NoError(t, s.Close()) }()

	started := time.Now()
	rec := &RunRecord{Pipeline: "demo", Outcome: "ok", StartedAt: started, FinishedAt: started.Add(time.Second)}
	require.NoError(t, s.SaveRun(ctx, rec))
	require.NotEmpty(t, rec.ID)

	got, err := s.GetRun(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Pipeline)
	assert.Equal(t, time.Second, got.Duration())

	got.Pipeline = "changed"
	again, err := s.GetRun(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "demo", again.Pipeline)

	_, err = s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Error(t, s.SaveRun(ctx, nil))
}

func TestListRunsNewestFirstAndEviction(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRunStore(3)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveRun(ctx, &RunRecord{ID: fmt.Sprintf("run-%d", i)}))
	}

	all, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "run-4", all[0].ID)
	assert.Equal(t, "run-2", all[2].ID)

	_, err = s.GetRun(ctx, "run-0")
	assert.ErrorIs(t, err, ErrNotFound)

	two, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, two, 2)

	require.NoError(t, s.SaveRun(ctx, &RunRecord{ID: "run-3", Outcome: "error"}))
	all, err = s.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	got, err := s.GetRun(ctx, "run-3")
	require.NoError(t, err)
	assert.Equal(t, "error", got.Outcome)
}
