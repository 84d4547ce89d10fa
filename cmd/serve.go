package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/crm-import/internal/migration"
	"github.com/sells-group/crm-import/internal/model"
	"github.com/sells-group/crm-import/internal/monitoring"
	"github.com/sells-group/crm-import/internal/queue"
	"github.com/sells-group/crm-import/internal/report"
	"github.com/sells-group/crm-import/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the run control API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		q, err := env.configuredQueue()
		if err != nil {
			return err
		}
		o, err := env.orchestrator(q)
		if err != nil {
			return err
		}
		// Nothing else can consume an in-process queue.
		if mem, ok := q.(*queue.Memory); ok {
			w := queue.NewWorker(mem, o.Handle, env.cfg.Queue.Concurrency, time.Duration(env.cfg.Queue.PollIntervalMs)*time.Millisecond)
			go func() { _ = w.Run(ctx) }()
		}
		var stats monitoring.QueueStats
		if pq, ok := q.(*queue.Postgres); ok {
			stats = pq
		}
		env.startMonitoring(ctx, stats)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(&controlAPI{runs: env.runs, ctl: o}, cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// runController is the part of the orchestrator the API drives.
type runController interface {
	StartRun(ctx context.Context, req migration.StartRequest) (string, error)
	ResumeRun(ctx context.Context, runID string) error
	PauseRun(ctx context.Context, runID string) error
}

// controlAPI serves run control and inspection over HTTP.
type controlAPI struct {
	runs store.RunStore
	ctl  runController
}

func newRouter(api *controlAPI, origins []string) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", api.listRuns)
		r.Post("/", api.startRun)
		r.Route("/{runID}", func(r chi.Router) {
			r.Get("/", api.getRun)
			r.Post("/resume", api.resumeRun)
			r.Post("/pause", api.pauseRun)
			r.Get("/errors", api.listErrors)
			r.Post("/errors/{errorID}/resolve", api.resolveError)
		})
	})
	return r
}

type startRunRequest struct {
	IntegrationID string   `json:"integration_id"`
	EntityTypes   []string `json:"entity_types"`
	RunType       string   `json:"run_type"`
}

func (a *controlAPI) startRun(w http.ResponseWriter, r *http.Request) {
	var body startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.RunType == "" {
		body.RunType = string(model.RunTypeFull)
	}
	req, err := parseStartRequest(body.IntegrationID, body.EntityTypes, body.RunType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runID, err := a.ctl.StartRun(r.Context(), req)
	var active *migration.ActiveRunError
	switch {
	case errors.As(err, &active):
		writeJSON(w, http.StatusConflict, map[string]string{"error": active.Error(), "run_id": active.RunID})
	case errors.Is(err, migration.ErrNoPhases):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		zap.L().Error("api: start run failed", zap.String("integration_id", req.IntegrationID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "start failed", "run_id": runID})
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
	}
}

func (a *controlAPI) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	runs, err := a.runs.ListRuns(r.Context(), store.RunFilter{
		IntegrationID: q.Get("integration_id"),
		Status:        model.RunStatus(q.Get("status")),
		Limit:         limit,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if runs == nil {
		runs = []model.MigrationRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *controlAPI) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.runs.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *controlAPI) resumeRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := a.ctl.ResumeRun(r.Context(), runID); err != nil {
		if errors.Is(err, migration.ErrNotResumable) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "resumed"})
}

func (a *controlAPI) pauseRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := a.ctl.PauseRun(r.Context(), runID); err != nil {
		if errors.Is(err, migration.ErrNotPausable) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": string(model.RunStatusPaused)})
}

// listErrors returns a run's errors as JSON, or as a spreadsheet when
// format=xlsx.
func (a *controlAPI) listErrors(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	run, err := a.runs.GetRun(ctx, chi.URLParam(r, "runID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	all, _ := strconv.ParseBool(q.Get("all"))
	errs, err := a.runs.ListErrors(ctx, run.ID, store.ErrorFilter{
		Phase:           model.Phase(q.Get("phase")),
		IncludeResolved: all,
		Limit:           limit,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if q.Get("format") == "xlsx" {
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="run-%s-errors.xlsx"`, truncateID(run.ID)))
		if err := report.WriteErrors(w, *run, errs); err != nil {
			zap.L().Error("api: write error report", zap.String("run_id", run.ID), zap.Error(err))
		}
		return
	}
	if errs == nil {
		errs = []model.MigrationError{}
	}
	writeJSON(w, http.StatusOK, errs)
}

func (a *controlAPI) resolveError(w http.ResponseWriter, r *http.Request) {
	if err := a.runs.ResolveError(r.Context(), chi.URLParam(r, "errorID")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrRunNotFound), errors.Is(err, store.ErrErrorNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		zap.L().Error("api: request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
