package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-import/internal/db"
	"github.com/sells-group/crm-import/internal/model"
)

// PostgresRunStore implements RunStore using pgxpool.
type PostgresRunStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// OpenPool creates and pings a connection pool.
func OpenPool(ctx context.Context, connString string, poolCfg *PoolConfig) (*pgxpool.Pool, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return pool, nil
}

// NewPostgres creates a PostgresRunStore that owns its connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresRunStore, error) {
	pool, err := OpenPool(ctx, connString, poolCfg)
	if err != nil {
		return nil, err
	}
	return &PostgresRunStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool creates a PostgresRunStore on a pool owned by the
// caller. Close is a no-op.
func NewPostgresWithPool(pool db.Pool) *PostgresRunStore {
	return &PostgresRunStore{pool: pool}
}

// Pool returns the underlying database pool so the entity store and the
// Postgres queue can share it.
func (s *PostgresRunStore) Pool() db.Pool {
	return s.pool
}

// Migrate applies the embedded SQL migrations.
func (s *PostgresRunStore) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.pool)
}

// Close releases the pool if the store owns it.
func (s *PostgresRunStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const runColumns = `id, integration_id, run_type, entity_types, status, processed, created, updated, skipped, errored, checkpoint, version, created_at, started_at, completed_at, updated_at`

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func marshalCheckpoint(cp *model.Checkpoint) ([]byte, error) {
	if cp == nil {
		return nil, nil
	}
	b, err := json.Marshal(cp)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal checkpoint")
	}
	return b, nil
}

func unmarshalCheckpoint(raw []byte) (*model.Checkpoint, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var cp model.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal checkpoint")
	}
	return &cp, nil
}

func phaseNames(phases []model.Phase) []string {
	out := make([]string, len(phases))
	for i, p := range phases {
		out[i] = string(p)
	}
	return out
}

func toPhases(names []string) []model.Phase {
	out := make([]model.Phase, len(names))
	for i, n := range names {
		out[i] = model.Phase(n)
	}
	return out
}

func (s *PostgresRunStore) CreateRun(ctx context.Context, run *model.MigrationRun) error {
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

	cp, err := marshalCheckpoint(run.Checkpoint)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO migration_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		run.ID, run.IntegrationID, string(run.RunType), phaseNames(run.EntityTypes), string(run.Status),
		run.Counters.Processed, run.Counters.Created, run.Counters.Updated, run.Counters.Skipped, run.Counters.Errored,
		cp, run.Version, run.CreatedAt, run.StartedAt, run.CompletedAt, run.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return eris.Wrapf(ErrActiveRun, "postgres: create run for %s", run.IntegrationID)
	}
	if err != nil {
		return eris.Wrap(err, "postgres: insert run")
	}
	return nil
}

func scanRun(row pgx.Row) (*model.MigrationRun, error) {
	var (
		run         model.MigrationRun
		runType     string
		status      string
		entityTypes []string
		checkpoint  []byte
	)
	err := row.Scan(
		&run.ID, &run.IntegrationID, &runType, &entityTypes, &status,
		&run.Counters.Processed, &run.Counters.Created, &run.Counters.Updated, &run.Counters.Skipped, &run.Counters.Errored,
		&checkpoint, &run.Version, &run.CreatedAt, &run.StartedAt, &run.CompletedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.RunType = model.RunType(runType)
	run.Status = model.RunStatus(status)
	run.EntityTypes = toPhases(entityTypes)
	run.Checkpoint, err = unmarshalCheckpoint(checkpoint)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *PostgresRunStore) GetRun(ctx context.Context, runID string) (*model.MigrationRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM migration_runs WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrRunNotFound, "postgres: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get run")
	}
	return run, nil
}

func (s *PostgresRunStore) FindActiveRun(ctx context.Context, integrationID string) (*model.MigrationRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM migration_runs
		WHERE integration_id = $1 AND status IN ('pending', 'running')
		ORDER BY created_at DESC LIMIT 1`, integrationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find active run")
	}
	return run, nil
}

func (s *PostgresRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.MigrationRun, error) {
	query := `SELECT ` + runColumns + ` FROM migration_runs`
	var (
		where []string
		args  []any
	)
	if filter.IntegrationID != "" {
		args = append(args, filter.IntegrationID)
		where = append(where, fmt.Sprintf("integration_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, defaultLimit(filter.Limit), filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.MigrationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs rows")
}

func (s *PostgresRunStore) SaveRun(ctx context.Context, run *model.MigrationRun) error {
	cp, err := marshalCheckpoint(run.Checkpoint)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`UPDATE migration_runs SET status = $1, processed = $2, created = $3, updated = $4, skipped = $5, errored = $6,
			checkpoint = $7, started_at = $8, completed_at = $9, updated_at = $10, version = version + 1
		WHERE id = $11 AND version = $12`,
		string(run.Status), run.Counters.Processed, run.Counters.Created, run.Counters.Updated, run.Counters.Skipped, run.Counters.Errored,
		cp, run.StartedAt, run.CompletedAt, now, run.ID, run.Version,
	)
	if isUniqueViolation(err) {
		return eris.Wrapf(ErrActiveRun, "postgres: save run %s", run.ID)
	}
	if err != nil {
		return eris.Wrap(err, "postgres: save run")
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM migration_runs WHERE id = $1)`, run.ID,
		).Scan(&exists); err != nil {
			return eris.Wrap(err, "postgres: check run exists")
		}
		if !exists {
			return eris.Wrapf(ErrRunNotFound, "postgres: save run %s", run.ID)
		}
		return eris.Wrapf(ErrVersionConflict, "postgres: save run %s at version %d", run.ID, run.Version)
	}

	run.Version++
	run.UpdatedAt = now
	return nil
}

var errorColumns = []string{"id", "run_id", "phase", "external_id", "kind", "message", "retry_count", "resolved", "created_at"}

func (s *PostgresRunStore) RecordErrors(ctx context.Context, errs []model.MigrationError) error {
	if len(errs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([][]any, len(errs))
	for i, e := range errs {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		rows[i] = []any{e.ID, e.RunID, string(e.Phase), e.ExternalID, string(e.Kind), e.Message, e.RetryCount, e.Resolved, e.CreatedAt}
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "migration_errors",
		Columns:      errorColumns,
		ConflictKeys: []string{"run_id", "phase", "external_id", "kind"},
		UpdateSet: []string{
			"retry_count = migration_errors.retry_count + 1",
			"message = EXCLUDED.message",
			"resolved = false",
		},
	}, rows)
	return eris.Wrap(err, "postgres: record errors")
}

func (s *PostgresRunStore) ListErrors(ctx context.Context, runID string, filter ErrorFilter) ([]model.MigrationError, error) {
	query := `SELECT ` + strings.Join(errorColumns, ", ") + ` FROM migration_errors WHERE run_id = $1`
	args := []any{runID}
	if filter.Phase != "" {
		args = append(args, string(filter.Phase))
		query += fmt.Sprintf(" AND phase = $%d", len(args))
	}
	if !filter.IncludeResolved {
		query += " AND NOT resolved"
	}
	args = append(args, defaultLimit(filter.Limit))
	query += fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list errors")
	}
	defer rows.Close()

	var out []model.MigrationError
	for rows.Next() {
		var (
			e           model.MigrationError
			phase, kind string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &phase, &e.ExternalID, &kind, &e.Message, &e.RetryCount, &e.Resolved, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan error")
		}
		e.Phase = model.Phase(phase)
		e.Kind = model.ErrorKind(kind)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list errors rows")
}

func (s *PostgresRunStore) ResolveError(ctx context.Context, errorID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE migration_errors SET resolved = true WHERE id = $1`, errorID)
	if err != nil {
		return eris.Wrap(err, "postgres: resolve error")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrErrorNotFound, "postgres: resolve error %s", errorID)
	}
	return nil
}

func (s *PostgresRunStore) LastSync(ctx context.Context, integrationID string, phase model.Phase) (time.Time, error) {
	var at time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT last_success_at FROM migration_sync_log WHERE integration_id = $1 AND phase = $2`,
		integrationID, string(phase),
	).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, eris.Wrap(err, "postgres: last sync")
	}
	return at.UTC(), nil
}

func (s *PostgresRunStore) RecordSync(ctx context.Context, integrationID string, phase model.Phase, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO migration_sync_log (integration_id, phase, last_success_at) VALUES ($1, $2, $3)
		ON CONFLICT (integration_id, phase)
		DO UPDATE SET last_success_at = GREATEST(migration_sync_log.last_success_at, EXCLUDED.last_success_at)`,
		integrationID, string(phase), at.UTC(),
	)
	return eris.Wrap(err, "postgres: record sync")
}
