// Package store persists migration runs, their errors, and the imported
// entities.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-import/internal/model"
)

// Sentinel errors returned by RunStore implementations.
var (
	ErrRunNotFound     = eris.New("store: run not found")
	ErrVersionConflict = eris.New("store: run version conflict")
	ErrActiveRun       = eris.New("store: integration already has an active run")
	ErrErrorNotFound   = eris.New("store: migration error not found")
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	IntegrationID string          `json:"integration_id,omitempty"`
	Status        model.RunStatus `json:"status,omitempty"`
	Limit         int             `json:"limit,omitempty"`
	Offset        int             `json:"offset,omitempty"`
}

// ErrorFilter specifies criteria for listing a run's errors.
type ErrorFilter struct {
	Phase           model.Phase `json:"phase,omitempty"`
	IncludeResolved bool        `json:"include_resolved,omitempty"`
	Limit           int         `json:"limit,omitempty"`
}

// RunStore persists migration runs, their errors, and the sync log.
type RunStore interface {
	// Runs

	// CreateRun inserts run, assigning its ID, timestamps, and version 1.
	// It returns ErrActiveRun when the integration already has a pending or
	// running run.
	CreateRun(ctx context.Context, run *model.MigrationRun) error
	GetRun(ctx context.Context, runID string) (*model.MigrationRun, error)
	// FindActiveRun returns nil, nil when the integration has no pending or
	// running run.
	FindActiveRun(ctx context.Context, integrationID string) (*model.MigrationRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.MigrationRun, error)
	// SaveRun writes run if its stored version still equals run.Version and
	// increments run.Version on success.
	SaveRun(ctx context.Context, run *model.MigrationRun) error

	// Errors

	// RecordErrors stores errors; a repeat of the same (run, phase,
	// external id, kind) bumps retry_count instead of adding a row.
	RecordErrors(ctx context.Context, errs []model.MigrationError) error
	ListErrors(ctx context.Context, runID string, filter ErrorFilter) ([]model.MigrationError, error)
	ResolveError(ctx context.Context, errorID string) error

	// Sync log

	// LastSync returns the zero time when the phase never completed.
	LastSync(ctx context.Context, integrationID string, phase model.Phase) (time.Time, error)
	RecordSync(ctx context.Context, integrationID string, phase model.Phase, at time.Time) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func defaultLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
