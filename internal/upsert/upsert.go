// Package upsert writes candidate records idempotently, keyed by
// (source, external id), without overwriting fields users changed locally.
package upsert

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-import/internal/dedupe"
	"github.com/sells-group/crm-import/internal/lookup"
	"github.com/sells-group/crm-import/internal/model"
	"github.com/sells-group/crm-import/internal/transform"
)

// Store persists imported entities.
type Store interface {
	// ExistingByExternalID returns stored records keyed by external id.
	ExistingByExternalID(ctx context.Context, kind model.EntityKind, source string, externalIDs []string) (map[string]model.Existing, error)
	// Insert creates a record. created is false when a concurrent insert
	// already claimed (source, external id).
	Insert(ctx context.Context, kind model.EntityKind, fields map[string]any, meta model.ImportMetadata) (id string, created bool, err error)
	Update(ctx context.Context, kind model.EntityKind, id string, fields map[string]any, meta model.ImportMetadata) error
}

// Matcher finds stored duplicates of a new record.
type Matcher interface {
	Match(ctx context.Context, c model.Candidate) (*dedupe.Match, error)
}

// Promoter turns a person into a client login. An empty id means the
// person is not promotable.
type Promoter interface {
	EnsurePersonIsClient(ctx context.Context, caches *lookup.Caches, personID string) (string, error)
}

// Outcome is the result of one record.
type Outcome string

// Record outcomes.
const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeSkipped Outcome = "skipped"
	OutcomeErrored Outcome = "errored"
)

// IdentityError reports a reference or promotion that could not be
// resolved.
type IdentityError struct {
	Field      string
	Entity     model.EntityKind
	ExternalID string
	Err        error
}

func (e *IdentityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upsert: resolve %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("upsert: %s %s not found for %s", e.Entity, e.ExternalID, e.Field)
}

func (e *IdentityError) Unwrap() error { return e.Err }

// Option configures the Engine.
type Option func(*Engine)

// WithClock overrides the clock stamping ImportedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine applies candidates to the store.
type Engine struct {
	store    Store
	matcher  Matcher
	promoter Promoter
	now      func() time.Time
	log      *zap.Logger
}

// New creates an Engine. matcher and promoter may be nil to disable
// deduplication and promotion.
func New(store Store, matcher Matcher, promoter Promoter, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		matcher:  matcher,
		promoter: promoter,
		now:      time.Now,
		log:      zap.L().With(zap.String("component", "upsert")),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Upsert writes a single candidate, loading what it needs from the store.
func (e *Engine) Upsert(ctx context.Context, caches *lookup.Caches, c model.Candidate) (Outcome, error) {
	existing, err := e.prime(ctx, caches, []model.Candidate{c})
	if err != nil {
		return OutcomeErrored, err
	}
	var ex *model.Existing
	if found, ok := existing[c.ExternalID]; ok {
		ex = &found
	}
	return e.apply(ctx, caches, transform.NewEmailTracker(), ex, c)
}

// prime loads the stored records for the candidates and every id they
// reference into caches, with one query per entity kind.
func (e *Engine) prime(ctx context.Context, caches *lookup.Caches, cands []model.Candidate) (map[string]model.Existing, error) {
	if len(cands) == 0 {
		return nil, nil
	}
	kind := cands[0].Entity
	source := cands[0].Meta.Source

	ids := make([]string, 0, len(cands))
	refs := make(map[model.EntityKind][]string)
	for _, c := range cands {
		ids = append(ids, c.ExternalID)
		for _, r := range c.Refs {
			refs[r.Entity] = append(refs[r.Entity], r.ExternalID)
		}
	}

	existing, err := e.store.ExistingByExternalID(ctx, kind, source, ids)
	if err != nil {
		return nil, eris.Wrapf(err, "upsert: load existing %s", kind)
	}
	for ext, ex := range existing {
		caches.Put(kind, ext, ex.ID)
	}

	for refKind, refIDs := range refs {
		missing := caches.Missing(refKind, refIDs)
		if len(missing) == 0 {
			continue
		}
		found, err := e.store.ExistingByExternalID(ctx, refKind, source, missing)
		if err != nil {
			return nil, eris.Wrapf(err, "upsert: load referenced %s", refKind)
		}
		for ext, ex := range found {
			caches.Put(refKind, ext, ex.ID)
		}
	}
	return existing, nil
}

func (e *Engine) apply(ctx context.Context, caches *lookup.Caches, emails *transform.EmailTracker, ex *model.Existing, c model.Candidate) (Outcome, error) {
	if err := validate(c); err != nil {
		return OutcomeSkipped, err
	}

	fields := maps.Clone(c.Fields)
	if fields == nil {
		fields = make(map[string]any)
	}
	if err := e.resolve(ctx, caches, c, fields); err != nil {
		return OutcomeErrored, err
	}

	if ex == nil {
		found, err := e.dedupe(ctx, caches, emails, &c, fields)
		if err != nil {
			return OutcomeErrored, err
		}
		ex = found
	} else if err := e.keepEmailUnique(ctx, emails, ex, &c, fields); err != nil {
		return OutcomeErrored, err
	}

	if ex == nil {
		meta := c.Meta
		meta.ImportedAt = e.now().UTC()
		id, created, err := e.store.Insert(ctx, c.Entity, fields, meta)
		if err != nil {
			return OutcomeErrored, eris.Wrapf(err, "upsert: insert %s %s", c.Entity, c.ExternalID)
		}
		if created {
			caches.Put(c.Entity, c.ExternalID, id)
			return OutcomeCreated, nil
		}

		// Lost an insert race; the winner's row takes the update path.
		existing, err := e.store.ExistingByExternalID(ctx, c.Entity, c.Meta.Source, []string{c.ExternalID})
		if err != nil {
			return OutcomeErrored, eris.Wrapf(err, "upsert: reload %s %s", c.Entity, c.ExternalID)
		}
		found, ok := existing[c.ExternalID]
		if !ok {
			return OutcomeErrored, eris.Errorf("upsert: %s %s conflicted but was not found", c.Entity, c.ExternalID)
		}
		ex = &found
	}

	payload, meta := Protect(fields, ex.Meta, c.Meta, e.now())
	if err := e.store.Update(ctx, c.Entity, ex.ID, payload, meta); err != nil {
		return OutcomeErrored, eris.Wrapf(err, "upsert: update %s %s", c.Entity, c.ExternalID)
	}
	caches.Put(c.Entity, c.ExternalID, ex.ID)
	return OutcomeUpdated, nil
}

// resolve replaces references with internal ids and promotes the matter's
// person when the candidate asks for it.
func (e *Engine) resolve(ctx context.Context, caches *lookup.Caches, c model.Candidate, fields map[string]any) error {
	var personID string
	for _, r := range c.Refs {
		id, ok := caches.Get(r.Entity, r.ExternalID)
		if !ok {
			if r.Required {
				return &IdentityError{Field: r.Field, Entity: r.Entity, ExternalID: r.ExternalID}
			}
			continue
		}
		fields[r.Field] = id
		if r.Entity == model.EntityPerson && personID == "" {
			personID = id
		}
	}

	if c.PromoteField == "" || personID == "" || e.promoter == nil {
		return nil
	}
	userID, err := e.promoter.EnsurePersonIsClient(ctx, caches, personID)
	if err != nil {
		return &IdentityError{Field: c.PromoteField, Entity: model.EntityUser, Err: err}
	}
	if userID != "" {
		fields[c.PromoteField] = userID
	}
	return nil
}

// dedupe handles a record with no stored counterpart. A duplicate within
// the batch, or a stored record imported from another external id, forces a
// duplicate placeholder email. A stored record created locally is adopted.
func (e *Engine) dedupe(ctx context.Context, caches *lookup.Caches, emails *transform.EmailTracker, c *model.Candidate, fields map[string]any) (*model.Existing, error) {
	if c.Email == "" || (c.Entity != model.EntityUser && c.Entity != model.EntityPerson) {
		return nil, nil
	}

	if !emails.Claim(c.Email, c.ExternalID) {
		e.useDuplicatePlaceholder(c, fields, "batch")
		return nil, nil
	}
	if e.matcher == nil {
		return nil, nil
	}

	m, err := e.matcher.Match(ctx, *c)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, nil
	}
	if m.Meta != nil && (m.Meta.Source != c.Meta.Source || m.Meta.ExternalID != c.ExternalID) {
		e.useDuplicatePlaceholder(c, fields, "stored")
		return nil, nil
	}

	caches.Put(c.Entity, c.ExternalID, m.ID)
	e.log.Debug("adopting existing record",
		zap.String("entity", string(c.Entity)),
		zap.String("external_id", c.ExternalID),
		zap.String("id", m.ID),
		zap.Int("confidence", m.Confidence),
	)
	return &model.Existing{ID: m.ID, Meta: m.Meta}, nil
}

// keepEmailUnique applies the insert-time duplicate rule to a stored
// record, so a redelivered or re-synced duplicate keeps its placeholder
// instead of taking the email another record owns.
func (e *Engine) keepEmailUnique(ctx context.Context, emails *transform.EmailTracker, ex *model.Existing, c *model.Candidate, fields map[string]any) error {
	if c.Email == "" || (c.Entity != model.EntityUser && c.Entity != model.EntityPerson) {
		return nil
	}
	if !emails.Claim(c.Email, c.ExternalID) {
		e.useDuplicatePlaceholder(c, fields, "batch")
		return nil
	}
	if e.matcher == nil {
		return nil
	}
	m, err := e.matcher.Match(ctx, *c)
	if err != nil {
		return err
	}
	if m != nil && m.ID != ex.ID {
		e.useDuplicatePlaceholder(c, fields, "stored")
	}
	return nil
}

func (e *Engine) useDuplicatePlaceholder(c *model.Candidate, fields map[string]any, where string) {
	placeholder := transform.DuplicatePlaceholderEmail(c.Meta.Source, c.ExternalID)
	e.log.Info("duplicate email, using placeholder",
		zap.String("entity", string(c.Entity)),
		zap.String("external_id", c.ExternalID),
		zap.String("duplicate_of", where),
	)
	c.Email = placeholder
	fields["email"] = placeholder
}

// Protect applies sync protection. Fields named in the stored
// LocallyModifiedFields are dropped from the payload, and the metadata is
// rebuilt from the incoming one while keeping the protected set.
func Protect(fields map[string]any, stored *model.ImportMetadata, incoming model.ImportMetadata, now time.Time) (map[string]any, model.ImportMetadata) {
	payload := make(map[string]any, len(fields))
	for k, v := range fields {
		if stored.IsLocallyModified(k) {
			continue
		}
		payload[k] = v
	}

	meta := incoming
	meta.ImportedAt = now.UTC()
	meta.LocallyModifiedFields = nil
	if stored != nil && len(stored.LocallyModifiedFields) > 0 {
		meta.LocallyModifiedFields = append([]string(nil), stored.LocallyModifiedFields...)
	}
	return payload, meta
}

func validate(c model.Candidate) error {
	if err := c.Meta.Validate(); err != nil {
		return &transform.ValidationError{Field: "import_metadata", Reason: err.Error()}
	}
	if c.Meta.Entity != c.Entity || c.Meta.ExternalID != c.ExternalID {
		return &transform.ValidationError{Field: "import_metadata", Reason: "does not describe the candidate"}
	}
	for k := range c.Fields {
		if !c.Entity.HasColumn(k) {
			return &transform.ValidationError{Field: k, Reason: fmt.Sprintf("not a column of %s", c.Entity.Table())}
		}
	}
	return nil
}

// Classify maps a record failure to its error kind.
func Classify(err error) model.ErrorKind {
	var ve *transform.ValidationError
	var ie *IdentityError
	switch {
	case errors.As(err, &ve):
		return model.ErrorKindValidation
	case errors.As(err, &ie):
		return model.ErrorKindIdentity
	default:
		return model.ErrorKindPersistence
	}
}

// BatchResult tallies a page of records.
type BatchResult struct {
	Counters model.Counters
	Errors   []model.MigrationError
}

// Record adds one record's outcome. err is recorded as a MigrationError
// when non-nil.
func (r *BatchResult) Record(runID string, phase model.Phase, externalID string, outcome Outcome, err error, now time.Time) {
	r.Counters.Processed++
	switch outcome {
	case OutcomeCreated:
		r.Counters.Created++
	case OutcomeUpdated:
		r.Counters.Updated++
	case OutcomeSkipped:
		r.Counters.Skipped++
	case OutcomeErrored:
		r.Counters.Errored++
	}
	if err == nil {
		return
	}
	r.Errors = append(r.Errors, model.MigrationError{
		ID:         uuid.NewString(),
		RunID:      runID,
		Phase:      phase,
		ExternalID: externalID,
		Kind:       Classify(err),
		Message:    err.Error(),
		CreatedAt:  now.UTC(),
	})
}

// UpsertBatch writes one page of candidates. Record failures are isolated
// into the result; the returned error is reserved for failures that affect
// the whole page, such as the store being unreachable.
func (e *Engine) UpsertBatch(ctx context.Context, caches *lookup.Caches, runID string, phase model.Phase, cands []model.Candidate) (BatchResult, error) {
	var res BatchResult
	existing, err := e.prime(ctx, caches, cands)
	if err != nil {
		return res, err
	}

	emails := transform.NewEmailTracker()
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return res, eris.Wrap(err, "upsert: batch interrupted")
		}
		var ex *model.Existing
		if found, ok := existing[c.ExternalID]; ok {
			ex = &found
		}

		outcome, err := e.apply(ctx, caches, emails, ex, c)
		if err != nil {
			e.log.Warn("record failed",
				zap.String("run_id", runID),
				zap.String("phase", string(phase)),
				zap.String("external_id", c.ExternalID),
				zap.String("outcome", string(outcome)),
				zap.Error(err),
			)
		}
		res.Record(runID, phase, c.ExternalID, outcome, err, e.now())
	}
	return res, nil
}
