package main

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sells-group/crm-import/internal/config"
	"github.com/sells-group/crm-import/internal/dedupe"
	"github.com/sells-group/crm-import/internal/identity"
	"github.com/sells-group/crm-import/internal/lookup"
	"github.com/sells-group/crm-import/internal/migration"
	"github.com/sells-group/crm-import/internal/monitoring"
	"github.com/sells-group/crm-import/internal/queue"
	"github.com/sells-group/crm-import/internal/resilience"
	"github.com/sells-group/crm-import/internal/store"
	"github.com/sells-group/crm-import/internal/transform"
	"github.com/sells-group/crm-import/internal/upsert"
	"github.com/sells-group/crm-import/pkg/crm"
)

// appEnv holds the shared dependencies of a command.
type appEnv struct {
	cfg      *config.Config
	pool     *pgxpool.Pool
	runs     store.RunStore
	entities *store.EntityStore
	temporal client.Client
}

// initEnv validates cfg for mode, opens the databases, and applies
// migrations. The Postgres pool is skipped when an inspect command runs
// against a SQLite run store without a database URL.
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	env := &appEnv{cfg: cfg}

	if cfg.Store.DatabaseURL != "" {
		pool, err := store.OpenPool(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, err
		}
		env.pool = pool
		env.entities = store.NewEntityStore(pool)
		if err := store.Migrate(ctx, pool); err != nil {
			env.Close()
			return nil, err
		}
	}

	switch cfg.Store.Driver {
	case "sqlite":
		st, err := store.NewSQLite(cfg.Store.SQLitePath)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.runs = st
		if err := st.Migrate(ctx); err != nil {
			env.Close()
			return nil, err
		}
	default:
		if env.pool == nil {
			return nil, eris.New("store.database_url is required for the postgres run store")
		}
		env.runs = store.NewPostgresWithPool(env.pool)
	}
	return env, nil
}

// Close releases everything initEnv and the queue constructors opened.
func (e *appEnv) Close() {
	if e.temporal != nil {
		e.temporal.Close()
	}
	if e.runs != nil {
		if err := e.runs.Close(); err != nil {
			zap.L().Warn("close run store", zap.Error(err))
		}
	}
	if e.pool != nil {
		e.pool.Close()
	}
}

// credentials builds the CRM client factory from config.
func (e *appEnv) credentials() crm.CredentialProvider {
	c := e.cfg.CRM
	opts := []crm.Option{
		crm.WithRetry(resilience.FromRetryConfig(e.cfg.Retry.MaxAttempts, e.cfg.Retry.InitialBackoffMs, e.cfg.Retry.MaxBackoffMs)),
	}
	if c.BaseURL != "" {
		opts = append(opts, crm.WithBaseURL(c.BaseURL))
	}
	if c.RateLimitRPS > 0 {
		opts = append(opts, crm.WithRateLimit(c.RateLimitRPS))
	}
	if c.TimeoutSecs > 0 {
		opts = append(opts, crm.WithHTTPClient(&http.Client{Timeout: time.Duration(c.TimeoutSecs) * time.Second}))
	}
	return crm.NewStaticCredentials(c.Token, c.Tokens, opts...)
}

// memoryQueue builds the in-process queue used by inline runs.
func (e *appEnv) memoryQueue() *queue.Memory {
	return queue.NewMemory(queue.WithMemoryRetry(e.cfg.Queue.MaxAttempts, resilience.DefaultRetryConfig()))
}

// postgresQueue builds the polling queue on the entity database.
func (e *appEnv) postgresQueue() (*queue.Postgres, error) {
	if e.pool == nil {
		return nil, eris.New("the postgres queue requires store.database_url")
	}
	return queue.NewPostgres(e.pool, queue.PostgresOptions{
		Lease:       time.Duration(e.cfg.Queue.LeaseSecs) * time.Second,
		MaxAttempts: e.cfg.Queue.MaxAttempts,
	}), nil
}

// temporalQueue dials Temporal once and returns a queue on the configured
// task queue.
func (e *appEnv) temporalQueue() (*queue.Temporal, error) {
	if e.temporal == nil {
		c, err := queue.DialTemporal(e.cfg.Temporal)
		if err != nil {
			return nil, err
		}
		e.temporal = c
	}
	return queue.NewTemporal(e.temporal, e.cfg.Temporal.TaskQueue), nil
}

// configuredQueue returns the queue selected by queue.driver.
func (e *appEnv) configuredQueue() (migration.Queue, error) {
	switch e.cfg.Queue.Driver {
	case "memory":
		return e.memoryQueue(), nil
	case "temporal":
		return e.temporalQueue()
	default:
		return e.postgresQueue()
	}
}

// orchestrator wires the migration engine onto q.
func (e *appEnv) orchestrator(q migration.Queue) (*migration.Orchestrator, error) {
	if e.entities == nil {
		return nil, eris.New("migrations require store.database_url")
	}
	source := e.cfg.CRM.Source
	engine := upsert.New(e.entities, dedupe.New(e.entities), identity.New(e.entities, source))
	return migration.New(
		e.runs,
		e.credentials(),
		transform.New(source),
		engine,
		lookup.NewRegistry(),
		q,
		migration.WithPolicy(migration.PolicyFromConfig(e.cfg.Migration)),
	), nil
}

// startMonitoring runs the health checker in the background when a
// webhook is configured. stats may be nil.
func (e *appEnv) startMonitoring(ctx context.Context, stats monitoring.QueueStats) {
	mc := e.cfg.Monitoring
	if mc.WebhookURL == "" {
		return
	}
	collector := monitoring.NewCollector(e.runs, stats, time.Duration(mc.StallMinutes)*time.Minute)
	go monitoring.NewChecker(collector, monitoring.NewAlerter(mc), mc).Run(ctx)
}
