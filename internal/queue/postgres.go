package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-import/internal/db"
	"github.com/sells-group/crm-import/internal/migration"
	"github.com/sells-group/crm-import/internal/resilience"
)

// Queue row statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusDead       = "dead"
)

// PostgresOptions tunes a Postgres queue.
type PostgresOptions struct {
	Lease       time.Duration
	MaxAttempts int
	Retry       resilience.RetryConfig
}

// Postgres is a polling queue on the migration_queue table. Claims lease
// rows with FOR UPDATE SKIP LOCKED so several workers can share it.
type Postgres struct {
	pool        db.Pool
	lease       time.Duration
	maxAttempts int
	retry       resilience.RetryConfig
	now         func() time.Time
	log         *zap.Logger
}

// NewPostgres creates a queue on pool. Zero options take defaults.
func NewPostgres(pool db.Pool, opts PostgresOptions) *Postgres {
	if opts.Lease <= 0 {
		opts.Lease = 5 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Retry.InitialBackoff <= 0 {
		opts.Retry = resilience.RetryConfig{
			InitialBackoff: 5 * time.Second,
			MaxBackoff:     5 * time.Minute,
			Multiplier:     2.0,
		}
	}
	return &Postgres{
		pool:        pool,
		lease:       opts.Lease,
		maxAttempts: opts.MaxAttempts,
		retry:       opts.Retry,
		now:         func() time.Time { return time.Now().UTC() },
		log:         zap.L().With(zap.String("component", "queue.postgres")),
	}
}

// Enqueue inserts msg. A message whose dedupe key is already pending or in
// flight is silently dropped.
func (q *Postgres) Enqueue(ctx context.Context, msg migration.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return eris.Wrap(err, "queue: marshal message")
	}
	at := msg.AvailableAt
	if at.IsZero() {
		at = q.now()
	}

	tag, err := q.pool.Exec(ctx, `
		INSERT INTO migration_queue (dedupe_key, payload, status, available_at)
		VALUES ($1, $2, 'pending', $3)
		ON CONFLICT (dedupe_key) WHERE status IN ('pending', 'processing') DO NOTHING`,
		msg.DedupeKey(), payload, at,
	)
	if err != nil {
		return eris.Wrapf(err, "queue: enqueue %s", msg.DedupeKey())
	}
	if tag.RowsAffected() == 0 {
		q.log.Debug("queue: duplicate enqueue suppressed", zap.String("dedupe_key", msg.DedupeKey()))
	}
	return nil
}

func (q *Postgres) Claim(ctx context.Context, limit int) ([]Delivery, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "queue: begin claim")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, payload, attempts
		FROM migration_queue
		WHERE status = 'pending' AND available_at <= now()
		ORDER BY available_at, id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "queue: claim rows")
	}

	var (
		claimed []Delivery
		ids     []int64
		corrupt []int64
	)
	for rows.Next() {
		var (
			d       Delivery
			payload []byte
		)
		if err := rows.Scan(&d.ID, &payload, &d.Attempts); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "queue: scan row")
		}
		if err := json.Unmarshal(payload, &d.Message); err != nil {
			q.log.Error("queue: undecodable payload", zap.Int64("queue_id", d.ID), zap.Error(err))
			corrupt = append(corrupt, d.ID)
			continue
		}
		d.Attempts++
		claimed = append(claimed, d)
		ids = append(ids, d.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "queue: iterate rows")
	}

	if len(corrupt) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE migration_queue
			SET status = 'dead', last_error = 'undecodable payload', updated_at = now()
			WHERE id = ANY($1)`,
			corrupt,
		); err != nil {
			return nil, eris.Wrap(err, "queue: dead-letter corrupt rows")
		}
	}
	if len(ids) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE migration_queue
			SET status = 'processing', attempts = attempts + 1, locked_until = $2, updated_at = now()
			WHERE id = ANY($1)`,
			ids, q.now().Add(q.lease),
		); err != nil {
			return nil, eris.Wrap(err, "queue: mark processing")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "queue: commit claim")
	}
	return claimed, nil
}

func (q *Postgres) Ack(ctx context.Context, d Delivery) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE migration_queue
		SET status = 'done', locked_until = NULL, last_error = NULL, updated_at = now()
		WHERE id = $1`,
		d.ID,
	)
	return eris.Wrapf(err, "queue: ack %d", d.ID)
}

func (q *Postgres) Nack(ctx context.Context, d Delivery, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if d.Attempts >= q.maxAttempts {
		q.log.Error("queue: message dead-lettered",
			zap.Int64("queue_id", d.ID),
			zap.String("dedupe_key", d.Message.DedupeKey()),
			zap.Int("attempts", d.Attempts),
			zap.String("error", msg),
		)
		_, err := q.pool.Exec(ctx, `
			UPDATE migration_queue
			SET status = 'dead', locked_until = NULL, last_error = $2, updated_at = now()
			WHERE id = $1`,
			d.ID, msg,
		)
		return eris.Wrapf(err, "queue: dead-letter %d", d.ID)
	}

	retryAt := q.now().Add(resilience.Backoff(d.Attempts-1, q.retry))
	_, err := q.pool.Exec(ctx, `
		UPDATE migration_queue
		SET status = 'pending', locked_until = NULL, last_error = $2, available_at = $3, updated_at = now()
		WHERE id = $1`,
		d.ID, msg, retryAt,
	)
	return eris.Wrapf(err, "queue: nack %d", d.ID)
}

func (q *Postgres) ReclaimExpired(ctx context.Context) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE migration_queue
		SET status = 'pending', locked_until = NULL, updated_at = now()
		WHERE status = 'processing' AND locked_until < now()`)
	if err != nil {
		return 0, eris.Wrap(err, "queue: reclaim expired leases")
	}
	if n := tag.RowsAffected(); n > 0 {
		q.log.Warn("queue: reclaimed expired leases", zap.Int64("count", n))
	}
	return tag.RowsAffected(), nil
}

// Stats counts queue rows by status.
func (q *Postgres) Stats(ctx context.Context) (map[string]int64, error) {
	rows, err := q.pool.Query(ctx, `SELECT status, count(*) FROM migration_queue GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "queue: stats")
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "queue: scan stats")
		}
		out[status] = n
	}
	return out, eris.Wrap(rows.Err(), "queue: iterate stats")
}

// Requeue moves a dead-lettered message back to pending with a fresh
// attempt budget.
func (q *Postgres) Requeue(ctx context.Context, id int64) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE migration_queue
		SET status = 'pending', attempts = 0, available_at = now(), last_error = NULL, updated_at = now()
		WHERE id = $1 AND status = 'dead'`,
		id,
	)
	if err != nil {
		return eris.Wrapf(err, "queue: requeue %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("queue: no dead message %d", id)
	}
	return nil
}
