package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medleads/clinic-scout/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRequest() model.RunRequest {
	return model.RunRequest{
		Regions:      []string{"渋谷", "新宿"},
		SearchSuffix: "AGAクリニック",
		Preview:      false,
	}
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, testRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, []string{"渋谷", "新宿"}, got.Request.Regions)
	assert.Equal(t, "AGAクリニック", got.Request.SearchSuffix)
	assert.Nil(t, got.Summary)
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRun(context.Background(), "nope")
	assert.Error(t, err)
}

func TestUpdateRunStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, testRequest())
	require.NoError(t, err)

	require.NoError(t, s.UpdateRunStatus(ctx, run.ID, model.RunStatusCancelled))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, got.Status)
}

func TestRecoverStaleRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale, err := s.CreateRun(ctx, testRequest())
	require.NoError(t, err)

	finished, err := s.CreateRun(ctx, testRequest())
	require.NoError(t, err)
	require.NoError(t, s.UpdateRunStatus(ctx, finished.ID, model.RunStatusCompleted))

	n, err := RecoverStaleRuns(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetRun(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)

	kept, err := s.GetRun(ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, kept.Status)
}

func TestUpdateRunStatus_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateRunStatus(context.Background(), "missing", model.RunStatusFailed)
	assert.Error(t, err)
}

func TestSetSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, testRequest())
	require.NoError(t, err)

	summary := &model.RunSummary{
		RunID:  run.ID,
		Status: model.RunStatusCompletedWithErrors,
		Found:  10,
		Regions: []model.RegionSummary{
			{Region: "渋谷", Stage: model.StageDone, Found: 10, Published: 5},
			{Region: "新宿", Stage: model.StageFailed, Error: "navigation timeout"},
		},
	}
	require.NoError(t, s.SetSummary(ctx, run.ID, summary))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompletedWithErrors, got.Status)
	require.NotNil(t, got.Summary)
	assert.Equal(t, 10, got.Summary.Found)
	require.Len(t, got.Summary.Regions, 2)
	assert.Equal(t, model.StageFailed, got.Summary.Regions[1].Stage)
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.CreateRun(ctx, testRequest())
	require.NoError(t, err)
	_, err = s.CreateRun(ctx, testRequest())
	require.NoError(t, err)
	require.NoError(t, s.UpdateRunStatus(ctx, first.ID, model.RunStatusCompleted))

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	completed, err := s.ListRuns(ctx, RunFilter{Status: model.RunStatusCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, first.ID, completed[0].ID)

	limited, err := s.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestListRuns_Empty(t *testing.T) {
	s := newTestStore(t)
	runs, err := s.ListRuns(context.Background(), RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}
