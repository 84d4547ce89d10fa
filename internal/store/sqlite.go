package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/crm-import/internal/model"
)

// SQLiteRunStore implements RunStore using modernc.org/sqlite. It keeps run
// state only; imported entities always live in Postgres.
type SQLiteRunStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteRunStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteRunStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS migration_runs (
	id             TEXT PRIMARY KEY,
	integration_id TEXT NOT NULL,
	run_type       TEXT NOT NULL,
	entity_types   TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	processed      INTEGER NOT NULL DEFAULT 0,
	created        INTEGER NOT NULL DEFAULT 0,
	updated        INTEGER NOT NULL DEFAULT 0,
	skipped        INTEGER NOT NULL DEFAULT 0,
	errored        INTEGER NOT NULL DEFAULT 0,
	checkpoint     TEXT,
	version        INTEGER NOT NULL DEFAULT 1,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	started_at     DATETIME,
	completed_at   DATETIME,
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_migration_runs_active
	ON migration_runs(integration_id) WHERE status IN ('pending', 'running');
CREATE INDEX IF NOT EXISTS idx_migration_runs_integration ON migration_runs(integration_id, created_at);

CREATE TABLE IF NOT EXISTS migration_errors (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES migration_runs(id) ON DELETE CASCADE,
	phase       TEXT NOT NULL,
	external_id TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL,
	message     TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	resolved    BOOLEAN NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (run_id, phase, external_id, kind)
);

CREATE INDEX IF NOT EXISTS idx_migration_errors_run ON migration_errors(run_id, resolved);

CREATE TABLE IF NOT EXISTS migration_sync_log (
	integration_id  TEXT NOT NULL,
	phase           TEXT NOT NULL,
	last_success_at DATETIME NOT NULL,
	PRIMARY KEY (integration_id, phase)
);
`

func (s *SQLiteRunStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteRunStore) Close() error {
	return s.db.Close()
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteRunStore) CreateRun(ctx context.Context, run *model.MigrationRun) error {
	now := time.Now().UTC()
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = model.RunStatusPending
	}
	run.CreatedAt = now
	run.UpdatedAt = now
	run.Version = 1

	types, err := json.Marshal(phaseNames(run.EntityTypes))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal entity types")
	}
	cp, err := marshalCheckpoint(run.Checkpoint)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO migration_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.IntegrationID, string(run.RunType), string(types), string(run.Status),
		run.Counters.Processed, run.Counters.Created, run.Counters.Updated, run.Counters.Skipped, run.Counters.Errored,
		nullString(cp), run.Version, run.CreatedAt, nullTime(run.StartedAt), nullTime(run.CompletedAt), run.UpdatedAt,
	)
	if isSQLiteUnique(err) {
		return eris.Wrapf(ErrActiveRun, "sqlite: create run for %s", run.IntegrationID)
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: insert run")
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row scannable) (*model.MigrationRun, error) {
	var (
		run                    model.MigrationRun
		runType, status, types string
		checkpoint             sql.NullString
		startedAt, completedAt sql.NullTime
	)
	err := row.Scan(
		&run.ID, &run.IntegrationID, &runType, &types, &status,
		&run.Counters.Processed, &run.Counters.Created, &run.Counters.Updated, &run.Counters.Skipped, &run.Counters.Errored,
		&checkpoint, &run.Version, &run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	var names []string
	if err := json.Unmarshal([]byte(types), &names); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal entity types")
	}
	run.EntityTypes = toPhases(names)
	run.RunType = model.RunType(runType)
	run.Status = model.RunStatus(status)
	if checkpoint.Valid {
		run.Checkpoint, err = unmarshalCheckpoint([]byte(checkpoint.String))
		if err != nil {
			return nil, err
		}
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		run.CompletedAt = &t
	}
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	return &run, nil
}

func (s *SQLiteRunStore) GetRun(ctx context.Context, runID string) (*model.MigrationRun, error) {
	run, err := scanSQLiteRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM migration_runs WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrRunNotFound, "sqlite: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get run")
	}
	return run, nil
}

func (s *SQLiteRunStore) FindActiveRun(ctx context.Context, integrationID string) (*model.MigrationRun, error) {
	run, err := scanSQLiteRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM migration_runs
		WHERE integration_id = ? AND status IN ('pending', 'running')
		ORDER BY created_at DESC LIMIT 1`, integrationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find active run")
	}
	return run, nil
}

func (s *SQLiteRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.MigrationRun, error) {
	query := `SELECT ` + runColumns + ` FROM migration_runs WHERE 1=1`
	var args []any

	if filter.IntegrationID != "" {
		query += ` AND integration_id = ?`
		args = append(args, filter.IntegrationID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, defaultLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.MigrationRun
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteRunStore) SaveRun(ctx context.Context, run *model.MigrationRun) error {
	cp, err := marshalCheckpoint(run.Checkpoint)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE migration_runs SET status = ?, processed = ?, created = ?, updated = ?, skipped = ?, errored = ?,
			checkpoint = ?, started_at = ?, completed_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(run.Status), run.Counters.Processed, run.Counters.Created, run.Counters.Updated, run.Counters.Skipped, run.Counters.Errored,
		nullString(cp), nullTime(run.StartedAt), nullTime(run.CompletedAt), now, run.ID, run.Version,
	)
	if isSQLiteUnique(err) {
		return eris.Wrapf(ErrActiveRun, "sqlite: save run %s", run.ID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: save run %s", run.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM migration_runs WHERE id = ?)`, run.ID,
		).Scan(&exists); err != nil {
			return eris.Wrap(err, "sqlite: check run exists")
		}
		if !exists {
			return eris.Wrapf(ErrRunNotFound, "sqlite: save run %s", run.ID)
		}
		return eris.Wrapf(ErrVersionConflict, "sqlite: save run %s at version %d", run.ID, run.Version)
	}

	run.Version++
	run.UpdatedAt = now
	return nil
}

func (s *SQLiteRunStore) RecordErrors(ctx context.Context, errs []model.MigrationError) error {
	if len(errs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin record errors")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for _, e := range errs {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO migration_errors (id, run_id, phase, external_id, kind, message, retry_count, resolved, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_id, phase, external_id, kind)
			DO UPDATE SET retry_count = retry_count + 1, message = excluded.message, resolved = 0`,
			e.ID, e.RunID, string(e.Phase), e.ExternalID, string(e.Kind), e.Message, e.RetryCount, e.Resolved, e.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: record error for run %s", e.RunID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit record errors")
}

func (s *SQLiteRunStore) ListErrors(ctx context.Context, runID string, filter ErrorFilter) ([]model.MigrationError, error) {
	query := `SELECT id, run_id, phase, external_id, kind, message, retry_count, resolved, created_at
		FROM migration_errors WHERE run_id = ?`
	args := []any{runID}
	if filter.Phase != "" {
		query += ` AND phase = ?`
		args = append(args, string(filter.Phase))
	}
	if !filter.IncludeResolved {
		query += ` AND resolved = 0`
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, defaultLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list errors")
	}
	defer rows.Close()

	var out []model.MigrationError
	for rows.Next() {
		var (
			e           model.MigrationError
			phase, kind string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &phase, &e.ExternalID, &kind, &e.Message, &e.RetryCount, &e.Resolved, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan error")
		}
		e.Phase = model.Phase(phase)
		e.Kind = model.ErrorKind(kind)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list errors iterate")
}

func (s *SQLiteRunStore) ResolveError(ctx context.Context, errorID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE migration_errors SET resolved = 1 WHERE id = ?`, errorID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve error %s", errorID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrErrorNotFound, "sqlite: resolve error %s", errorID)
	}
	return nil
}

func (s *SQLiteRunStore) LastSync(ctx context.Context, integrationID string, phase model.Phase) (time.Time, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT last_success_at FROM migration_sync_log WHERE integration_id = ? AND phase = ?`,
		integrationID, string(phase),
	).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, eris.Wrap(err, "sqlite: last sync")
	}
	return at.UTC(), nil
}

// RecordSync keeps the later of the stored and given timestamps.
func (s *SQLiteRunStore) RecordSync(ctx context.Context, integrationID string, phase model.Phase, at time.Time) error {
	prev, err := s.LastSync(ctx, integrationID, phase)
	if err != nil {
		return err
	}
	if !prev.IsZero() && !at.After(prev) {
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO migration_sync_log (integration_id, phase, last_success_at) VALUES (?, ?, ?)
		ON CONFLICT (integration_id, phase) DO UPDATE SET last_success_at = excluded.last_success_at`,
		integrationID, string(phase), at.UTC(),
	)
	return eris.Wrap(err, "sqlite: record sync")
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
