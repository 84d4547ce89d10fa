package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/crm-import/internal/queue"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued migration messages",
	Long:  "Consumes the configured queue. The postgres driver polls migration_queue; the temporal driver runs a Temporal worker on the configured task queue.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		switch env.cfg.Queue.Driver {
		case "temporal":
			return runTemporalWorker(ctx, env)
		case "memory":
			return eris.New("the memory queue has no worker; use migrate --inline")
		default:
			return runPostgresWorker(ctx, env)
		}
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runPostgresWorker(ctx context.Context, env *appEnv) error {
	q, err := env.postgresQueue()
	if err != nil {
		return err
	}
	o, err := env.orchestrator(q)
	if err != nil {
		return err
	}
	env.startMonitoring(ctx, q)
	w := queue.NewWorker(q, o.Handle, env.cfg.Queue.Concurrency, time.Duration(env.cfg.Queue.PollIntervalMs)*time.Millisecond)
	return w.Run(ctx)
}

func runTemporalWorker(ctx context.Context, env *appEnv) error {
	q, err := env.temporalQueue()
	if err != nil {
		return err
	}
	o, err := env.orchestrator(q)
	if err != nil {
		return err
	}

	env.startMonitoring(ctx, nil)

	w := worker.New(env.temporal, env.cfg.Temporal.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: env.cfg.Queue.Concurrency,
	})
	queue.RegisterTemporal(w, o.Handle)

	if err := w.Start(); err != nil {
		return eris.Wrap(err, "start temporal worker")
	}
	zap.L().Info("temporal worker started",
		zap.String("task_queue", env.cfg.Temporal.TaskQueue),
		zap.String("namespace", env.cfg.Temporal.Namespace),
	)

	<-ctx.Done()
	zap.L().Info("stopping temporal worker")
	w.Stop()
	return nil
}
