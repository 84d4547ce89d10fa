package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/crm-import/internal/migration"
	"github.com/sells-group/crm-import/internal/model"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Start, resume, or pause migration runs",
}

// -- migrate start --

var migrateStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a migration run for an integration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		integration, _ := cmd.Flags().GetString("integration")
		entities, _ := cmd.Flags().GetStringSlice("entities")
		runType, _ := cmd.Flags().GetString("type")
		inline, _ := cmd.Flags().GetBool("inline")

		req, err := parseStartRequest(integration, entities, runType)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		return withQueue(ctx, env, inline, func(o *migration.Orchestrator) error {
			runID, err := o.StartRun(ctx, req)
			var active *migration.ActiveRunError
			if errors.As(err, &active) {
				fmt.Fprintf(os.Stderr, "Run %s is already active for %s.\n", active.RunID, req.IntegrationID)
				return err
			}
			if err != nil {
				return eris.Wrap(err, "migrate start")
			}
			fmt.Println(runID)
			return nil
		})
	},
}

// -- migrate resume --

var migrateResumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a paused run from its checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		inline, _ := cmd.Flags().GetBool("inline")

		env, err := initEnv(ctx, "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		return withQueue(ctx, env, inline, func(o *migration.Orchestrator) error {
			return eris.Wrap(o.ResumeRun(ctx, args[0]), "migrate resume")
		})
	},
}

// -- migrate pause --

var migratePauseCmd = &cobra.Command{
	Use:   "pause <run-id>",
	Short: "Pause a run after its in-flight page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "inspect")
		if err != nil {
			return err
		}
		defer env.Close()

		// Pausing never enqueues, so no transport is needed.
		o, err := env.orchestrator(env.memoryQueue())
		if err != nil {
			return err
		}
		return eris.Wrap(o.PauseRun(ctx, args[0]), "migrate pause")
	},
}

func init() {
	migrateStartCmd.Flags().String("integration", "", "integration id to import (required)")
	migrateStartCmd.Flags().StringSlice("entities", nil, "phases to import (default: all)")
	migrateStartCmd.Flags().String("type", string(model.RunTypeFull), "run type: full or incremental")
	migrateStartCmd.Flags().Bool("inline", false, "process the run in this process instead of the configured queue")
	_ = migrateStartCmd.MarkFlagRequired("integration")

	migrateResumeCmd.Flags().Bool("inline", false, "process the run in this process instead of the configured queue")

	migrateCmd.AddCommand(migrateStartCmd)
	migrateCmd.AddCommand(migrateResumeCmd)
	migrateCmd.AddCommand(migratePauseCmd)
	rootCmd.AddCommand(migrateCmd)
}

// parseStartRequest validates the start flags.
func parseStartRequest(integration string, entities []string, runType string) (migration.StartRequest, error) {
	req := migration.StartRequest{IntegrationID: strings.TrimSpace(integration)}
	if req.IntegrationID == "" {
		return req, eris.New("--integration is required")
	}

	switch model.RunType(runType) {
	case model.RunTypeFull, model.RunTypeIncremental:
		req.RunType = model.RunType(runType)
	default:
		return req, eris.Errorf("--type %q must be full or incremental", runType)
	}

	if len(entities) == 0 {
		req.EntityTypes = append([]model.Phase(nil), model.PhaseOrder...)
		return req, nil
	}
	phases, err := model.ParsePhases(entities)
	if err != nil {
		return req, eris.Wrap(err, "--entities")
	}
	req.EntityTypes = phases
	return req, nil
}

// withQueue builds an orchestrator on the configured queue and runs fn.
// Inline runs, and any run on the memory driver, use an in-process queue
// that is drained before returning.
func withQueue(ctx context.Context, env *appEnv, inline bool, fn func(*migration.Orchestrator) error) error {
	if !inline && env.cfg.Queue.Driver != "memory" {
		q, err := env.configuredQueue()
		if err != nil {
			return err
		}
		o, err := env.orchestrator(q)
		if err != nil {
			return err
		}
		return fn(o)
	}

	mem := env.memoryQueue()
	o, err := env.orchestrator(mem)
	if err != nil {
		return err
	}
	if err := fn(o); err != nil {
		return err
	}
	zap.L().Info("draining run inline", zap.Int("queued", mem.Len()))
	return eris.Wrap(mem.Drain(ctx, o.Handle), "inline run")
}
