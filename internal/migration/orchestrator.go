package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-import/internal/config"
	"github.com/sells-group/crm-import/internal/lookup"
	"github.com/sells-group/crm-import/internal/model"
	"github.com/sells-group/crm-import/internal/store"
	"github.com/sells-group/crm-import/internal/upsert"
	"github.com/sells-group/crm-import/pkg/crm"
)

// maxConflictRetries bounds reload-and-reapply after a version conflict.
const maxConflictRetries = 3

// ActiveRunError rejects a start while the integration has an active run.
type ActiveRunError struct {
	RunID string
}

func (e *ActiveRunError) Error() string {
	return fmt.Sprintf("migration: run %s is already active for this integration", e.RunID)
}

// Transformer converts one CRM resource into a candidate record.
type Transformer interface {
	Record(phase model.Phase, r crm.Resource, runID string) (model.Candidate, error)
}

// Upserter writes one page of candidates.
type Upserter interface {
	UpsertBatch(ctx context.Context, caches *lookup.Caches, runID string, phase model.Phase, cands []model.Candidate) (upsert.BatchResult, error)
}

// StartRequest describes a new run.
type StartRequest struct {
	IntegrationID string
	EntityTypes   []model.Phase
	RunType       model.RunType
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPolicy overrides the rate-limit policy.
func WithPolicy(p Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// PolicyFromConfig builds a Policy, keeping defaults for unset values.
func PolicyFromConfig(cfg config.MigrationConfig) Policy {
	p := DefaultPolicy()
	if cfg.MaxRateLimitRetries > 0 {
		p.MaxRateLimitRetries = cfg.MaxRateLimitRetries
	}
	if cfg.DefaultRetryAfterSecs > 0 {
		p.DefaultRetryAfter = time.Duration(cfg.DefaultRetryAfterSecs) * time.Second
	}
	return p
}

// Orchestrator executes state machine transitions against the run store
// and the queue. It is the only writer of run state.
type Orchestrator struct {
	runs        store.RunStore
	creds       crm.CredentialProvider
	transformer Transformer
	upserter    Upserter
	caches      *lookup.Registry
	queue       Queue
	policy      Policy
	now         func() time.Time
	log         *zap.Logger
}

// New creates an Orchestrator.
func New(
	runs store.RunStore,
	creds crm.CredentialProvider,
	transformer Transformer,
	upserter Upserter,
	caches *lookup.Registry,
	queue Queue,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		runs:        runs,
		creds:       creds,
		transformer: transformer,
		upserter:    upserter,
		caches:      caches,
		queue:       queue,
		policy:      DefaultPolicy(),
		now:         func() time.Time { return time.Now().UTC() },
		log:         zap.L().With(zap.String("component", "migration")),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartRun creates a run and enqueues its first page. When the integration
// already has an active run, that run's id is returned with an
// *ActiveRunError.
func (o *Orchestrator) StartRun(ctx context.Context, req StartRequest) (string, error) {
	phases := model.OrderPhases(req.EntityTypes)
	if len(phases) == 0 {
		return "", ErrNoPhases
	}
	if req.RunType == "" {
		req.RunType = model.RunTypeFull
	}

	active, err := o.runs.FindActiveRun(ctx, req.IntegrationID)
	if err != nil {
		return "", eris.Wrap(err, "migration: check active run")
	}
	if active != nil {
		return active.ID, &ActiveRunError{RunID: active.ID}
	}

	run := &model.MigrationRun{
		IntegrationID: req.IntegrationID,
		RunType:       req.RunType,
		EntityTypes:   phases,
	}
	// Read the sync log before the run exists, so a failed read cannot
	// leave a pending run holding the integration.
	filter, err := o.filterFor(ctx, *run, phases[0])
	if err != nil {
		return "", err
	}
	if err := o.runs.CreateRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrActiveRun) {
			// Lost a race with a concurrent start.
			if active, ferr := o.runs.FindActiveRun(ctx, req.IntegrationID); ferr == nil && active != nil {
				return active.ID, &ActiveRunError{RunID: active.ID}
			}
		}
		return "", eris.Wrap(err, "migration: create run")
	}

	log := o.log.With(zap.String("run_id", run.ID), zap.String("integration_id", run.IntegrationID))
	plan, err := PlanStart(*run, filter)
	if err != nil {
		return run.ID, err
	}
	if err := o.enqueue(ctx, plan.Effects); err != nil {
		return run.ID, err
	}
	if _, err := o.commit(ctx, run.ID, func(r model.MigrationRun) (Transition, error) {
		return Started(r, o.now()), nil
	}); err != nil {
		return run.ID, err
	}

	log.Info("migration: run started",
		zap.String("run_type", string(run.RunType)),
		zap.Strings("phases", phaseStrings(phases)),
	)
	return run.ID, nil
}

// ResumeRun continues a paused run from the page after its checkpoint.
func (o *Orchestrator) ResumeRun(ctx context.Context, runID string) error {
	run, err := o.runs.GetRun(ctx, runID)
	if err != nil {
		return eris.Wrapf(err, "migration: load run %s", runID)
	}

	var filter Filter
	if phase, _, ok := ResumePoint(*run); ok {
		// The checkpoint's filter is stale by now; the sync log is not.
		if filter, err = o.filterFor(ctx, *run, phase); err != nil {
			return err
		}
	}

	t, err := o.commit(ctx, runID, func(r model.MigrationRun) (Transition, error) {
		return PlanResume(r, filter, o.now())
	})
	if err != nil {
		return err
	}
	if t.Run.Status == model.RunStatusCompleted {
		o.log.Info("migration: resumed run had nothing left", zap.String("run_id", runID))
		return nil
	}
	if err := o.enqueue(ctx, t.Effects); err != nil {
		return err
	}
	o.log.Info("migration: run resumed",
		zap.String("run_id", runID),
		zap.String("phase", string(t.Effects[0].Phase)),
		zap.Int("page", t.Effects[0].Page),
	)
	return nil
}

// PauseRun stops the run from enqueueing further work. A message already
// in flight still completes and checkpoints.
func (o *Orchestrator) PauseRun(ctx context.Context, runID string) error {
	t, err := o.commit(ctx, runID, func(r model.MigrationRun) (Transition, error) {
		return PlanPause(r)
	})
	if err != nil {
		return err
	}
	if t.Save {
		o.log.Info("migration: run paused", zap.String("run_id", runID))
	}
	return nil
}

// Handle processes one delivered message. A nil return acknowledges it;
// an error asks the transport to redeliver later.
func (o *Orchestrator) Handle(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		o.log.Error("migration: dropping invalid message", zap.Error(err))
		return nil
	}

	run, err := o.runs.GetRun(ctx, msg.RunID)
	if errors.Is(err, store.ErrRunNotFound) {
		o.log.Warn("migration: dropping message for unknown run", zap.String("run_id", msg.RunID))
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "migration: load run %s", msg.RunID)
	}

	log := o.log.With(
		zap.String("run_id", msg.RunID),
		zap.String("kind", string(msg.Kind)),
		zap.String("phase", string(msg.Phase)),
	)
	if t, ok := Admit(*run, msg); !ok {
		log.Info("migration: message not admitted", zap.Int("page", msg.Page), zap.String("reason", t.Reason))
		return o.enqueue(ctx, t.Effects)
	}

	if msg.Kind == KindPhaseComplete {
		return o.completePhase(ctx, log, *run, msg)
	}
	return o.importPage(ctx, log.With(zap.Int("page", msg.Page)), *run, msg)
}

func (o *Orchestrator) importPage(ctx context.Context, log *zap.Logger, run model.MigrationRun, msg Message) error {
	client, err := o.creds.ClientFor(ctx, run.IntegrationID)
	if err != nil {
		log.Error("migration: no crm client", zap.Error(err))
		return o.apply(ctx, run.ID, func(r model.MigrationRun) (Transition, error) {
			return OnPageFailure(r, msg, err, o.now()), nil
		})
	}

	page, err := client.FetchPage(ctx, Endpoint(msg.Phase), crm.PageRequest{
		Page:         msg.Page,
		PerPage:      msg.PerPage,
		UpdatedSince: msg.Filter.UpdatedSince,
	})
	if err != nil {
		if ctx.Err() != nil {
			return eris.Wrap(err, "migration: fetch interrupted")
		}
		var rle *crm.RateLimitError
		if errors.As(err, &rle) {
			log.Warn("migration: rate limited",
				zap.Int("attempt", msg.Attempt),
				zap.Duration("retry_after", rle.RetryAfter),
			)
			return o.apply(ctx, run.ID, func(r model.MigrationRun) (Transition, error) {
				return OnRateLimit(r, msg, rle.RetryAfter, o.policy, o.now()), nil
			})
		}
		log.Error("migration: fetch failed", zap.Error(err))
		return o.apply(ctx, run.ID, func(r model.MigrationRun) (Transition, error) {
			return OnPageFailure(r, msg, err, o.now()), nil
		})
	}

	res, err := o.processRecords(ctx, run.ID, msg.Phase, page.Records)
	if err != nil {
		return err
	}
	out := PageOutcome{
		HasMore:  page.Pagination.HasMore,
		Counters: res.Counters,
		Errors:   res.Errors,
	}
	log.Info("migration: page processed",
		zap.Int("records", len(page.Records)),
		zap.Int("created", res.Counters.Created),
		zap.Int("updated", res.Counters.Updated),
		zap.Int("skipped", res.Counters.Skipped),
		zap.Int("errored", res.Counters.Errored),
		zap.Bool("has_more", out.HasMore),
	)
	return o.apply(ctx, run.ID, func(r model.MigrationRun) (Transition, error) {
		return AfterPage(r, msg, out, o.now()), nil
	})
}

// processRecords transforms and upserts one page. Transform failures are
// recorded per record and never reach the upsert.
func (o *Orchestrator) processRecords(ctx context.Context, runID string, phase model.Phase, records []crm.Resource) (upsert.BatchResult, error) {
	var res upsert.BatchResult
	cands := make([]model.Candidate, 0, len(records))
	for _, r := range records {
		c, err := o.transformer.Record(phase, r, runID)
		if err != nil {
			res.Record(runID, phase, string(r.ID), upsert.OutcomeSkipped, err, o.now())
			if upsert.Classify(err) != model.ErrorKindValidation {
				res.Errors[len(res.Errors)-1].Kind = model.ErrorKindTransform
			}
			continue
		}
		cands = append(cands, c)
	}

	caches := o.caches.Reset(runID)
	defer o.caches.Drop(runID)

	batch, err := o.upserter.UpsertBatch(ctx, caches, runID, phase, cands)
	if err != nil {
		return res, eris.Wrapf(err, "migration: upsert %s", phase)
	}
	res.Counters.Add(batch.Counters)
	res.Errors = append(res.Errors, batch.Errors...)
	return res, nil
}

func (o *Orchestrator) completePhase(ctx context.Context, log *zap.Logger, run model.MigrationRun, msg Message) error {
	var filter Filter
	if next, ok := NextPhase(run.EntityTypes, msg.Phase); ok {
		var err error
		if filter, err = o.filterFor(ctx, run, next); err != nil {
			return err
		}
	}
	log.Info("migration: phase complete")
	return o.apply(ctx, run.ID, func(r model.MigrationRun) (Transition, error) {
		return AfterPhase(r, msg, filter, o.now()), nil
	})
}

// apply commits a transition and enqueues its effects.
func (o *Orchestrator) apply(ctx context.Context, runID string, fn func(model.MigrationRun) (Transition, error)) error {
	t, err := o.commit(ctx, runID, fn)
	if err != nil {
		return err
	}
	if t.Save && t.Run.Status.IsTerminal() {
		o.log.Info("migration: run finished",
			zap.String("run_id", runID),
			zap.String("status", string(t.Run.Status)),
			zap.Int("processed", t.Run.Counters.Processed),
			zap.Int("errored", t.Run.Counters.Errored),
		)
	}
	return o.enqueue(ctx, t.Effects)
}

// commit loads the run, applies fn, and saves the result. A version
// conflict reloads and reapplies, so fn must be a pure function of the run.
func (o *Orchestrator) commit(ctx context.Context, runID string, fn func(model.MigrationRun) (Transition, error)) (Transition, error) {
	for attempt := 0; ; attempt++ {
		run, err := o.runs.GetRun(ctx, runID)
		if err != nil {
			return Transition{}, eris.Wrapf(err, "migration: load run %s", runID)
		}
		t, err := fn(*run)
		if err != nil || !t.Save {
			return t, err
		}

		if len(t.Errors) > 0 {
			if err := o.runs.RecordErrors(ctx, t.Errors); err != nil {
				return t, eris.Wrapf(err, "migration: record errors for run %s", runID)
			}
		}

		err = o.runs.SaveRun(ctx, &t.Run)
		if errors.Is(err, store.ErrVersionConflict) && attempt < maxConflictRetries {
			o.log.Debug("migration: version conflict, reloading", zap.String("run_id", runID), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return t, eris.Wrapf(err, "migration: save run %s", runID)
		}

		if t.SyncPhase != "" && t.Run.StartedAt != nil {
			if err := o.runs.RecordSync(ctx, t.Run.IntegrationID, t.SyncPhase, *t.Run.StartedAt); err != nil {
				// The run already advanced; a missed sync mark only widens
				// the next incremental window.
				o.log.Warn("migration: record sync failed", zap.String("run_id", runID), zap.Error(err))
			}
		}
		return t, nil
	}
}

// enqueue sends msgs in order. The first failure fails the run.
func (o *Orchestrator) enqueue(ctx context.Context, msgs []Message) error {
	for _, m := range msgs {
		err := o.queue.Enqueue(ctx, m)
		if err == nil {
			continue
		}
		o.log.Error("migration: enqueue failed",
			zap.String("run_id", m.RunID),
			zap.String("kind", string(m.Kind)),
			zap.String("phase", string(m.Phase)),
			zap.Int("page", m.Page),
			zap.Error(err),
		)
		if _, ferr := o.commit(ctx, m.RunID, func(r model.MigrationRun) (Transition, error) {
			return OnEnqueueFailure(r, m, err, o.now()), nil
		}); ferr != nil {
			return eris.Wrapf(ferr, "migration: fail run %s after enqueue error", m.RunID)
		}
		return eris.Wrapf(err, "migration: enqueue %s for run %s", m.Kind, m.RunID)
	}
	return nil
}

// filterFor returns the updated-since filter for phase. Full runs and
// phases never synced before fetch everything.
func (o *Orchestrator) filterFor(ctx context.Context, run model.MigrationRun, phase model.Phase) (Filter, error) {
	if run.RunType != model.RunTypeIncremental {
		return Filter{}, nil
	}
	last, err := o.runs.LastSync(ctx, run.IntegrationID, phase)
	if err != nil {
		return Filter{}, eris.Wrapf(err, "migration: last sync of %s", phase)
	}
	if last.IsZero() {
		return Filter{}, nil
	}
	last = last.UTC()
	return Filter{UpdatedSince: &last}, nil
}

func phaseStrings(phases []model.Phase) []string {
	out := make([]string, len(phases))
	for i, p := range phases {
		out[i] = string(p)
	}
	return out
}
