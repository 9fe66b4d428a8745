// Package store persists run history so past scrapes can be inspected
// after the fact. Candidates themselves are never persisted; only the
// run request, status and final summary are recorded.
package store

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/medleads/clinic-scout/internal/model"
)

// RunFilter narrows ListRuns results.
type RunFilter struct {
	Status model.RunStatus
	Limit  int
	Offset int
}

// Store records scrape runs.
type Store interface {
	Migrate(ctx context.Context) error
	CreateRun(ctx context.Context, req model.RunRequest) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	SetSummary(ctx context.Context, runID string, summary *model.RunSummary) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	Close() error
}

// RecoverStaleRuns marks runs a previous process left in the running
// state as failed. A crashed run can never finish, and a stale running
// record would read as an in-flight scrape forever.
func RecoverStaleRuns(ctx context.Context, s Store) (int, error) {
	stale, err := s.ListRuns(ctx, RunFilter{Status: model.RunStatusRunning})
	if err != nil {
		return 0, eris.Wrap(err, "store: list stale runs")
	}
	for _, run := range stale {
		if err := s.UpdateRunStatus(ctx, run.ID, model.RunStatusFailed); err != nil {
			return 0, eris.Wrapf(err, "store: recover run %s", run.ID)
		}
		zap.L().Warn("marked stale run as failed", zap.String("run_id", run.ID))
	}
	return len(stale), nil
}
