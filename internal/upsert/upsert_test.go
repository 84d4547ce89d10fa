package upsert

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/crm-import/internal/dedupe"
	"github.com/sells-group/crm-import/internal/identity"
	"github.com/sells-group/crm-import/internal/lookup"
	"github.com/sells-group/crm-import/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var fixedNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func meta(kind model.EntityKind, ext, runID string) model.ImportMetadata {
	return model.ImportMetadata{Source: "crm", Entity: kind, ExternalID: ext, ImportRunID: runID}
}

func userCand(ext, email, runID string) model.Candidate {
	return model.Candidate{
		Entity:     model.EntityUser,
		ExternalID: ext,
		Email:      email,
		Fields:     map[string]any{"email": email, "first_name": "U" + ext, "role": "staff", "status": "active"},
		Meta:       meta(model.EntityUser, ext, runID),
	}
}

func personCand(ext, email string) model.Candidate {
	return model.Candidate{
		Entity:     model.EntityPerson,
		ExternalID: ext,
		Email:      email,
		Fields:     map[string]any{"email": email, "first_name": "P" + ext, "is_person": true},
		Meta:       meta(model.EntityPerson, ext, "run-1"),
	}
}

func matterCand(ext, contactExt string) model.Candidate {
	return model.Candidate{
		Entity:       model.EntityMatter,
		ExternalID:   ext,
		Fields:       map[string]any{"title": "Matter " + ext, "status": "open"},
		Refs:         []model.Reference{{Field: "person_id", Entity: model.EntityPerson, ExternalID: contactExt, Required: true}},
		PromoteField: "client_user_id",
		Meta:         meta(model.EntityMatter, ext, "run-1"),
	}
}

func TestUpsert_Idempotent(t *testing.T) {
	store := newMemStore()
	eng := New(store, nil, nil, WithClock(clock))
	c := userCand("10", "ada@firm.com", "run-1")

	out, err := eng.Upsert(context.Background(), lookup.NewCaches(), c)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, out)
	first := *store.byExternal(model.EntityUser, "crm", "10")
	firstFields := maps.Clone(first.Fields)

	// A redelivered message starts from fresh caches.
	out, err = eng.Upsert(context.Background(), lookup.NewCaches(), c)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, out)

	assert.Equal(t, 1, store.count(model.EntityUser))
	second := store.byExternal(model.EntityUser, "crm", "10")
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, firstFields, second.Fields)
	assert.Equal(t, first.Meta, second.Meta)
}

func TestUpsert_SyncProtection(t *testing.T) {
	store := newMemStore()
	stored := meta(model.EntityMatter, "p1", "run-0")
	stored.ImportedAt = fixedNow.Add(-24 * time.Hour)
	stored.LocallyModifiedFields = []string{"title"}
	id := store.seed(model.EntityMatter, map[string]any{"title": "Edited locally", "description": "old"}, stored)

	c := model.Candidate{
		Entity:     model.EntityMatter,
		ExternalID: "p1",
		Fields:     map[string]any{"title": "From CRM", "description": "new"},
		Meta:       meta(model.EntityMatter, "p1", "run-2"),
	}
	out, err := New(store, nil, nil, WithClock(clock)).Upsert(context.Background(), lookup.NewCaches(), c)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, out)

	rec := store.records[id]
	assert.Equal(t, "Edited locally", rec.Fields["title"])
	assert.Equal(t, "new", rec.Fields["description"])
	assert.Equal(t, []string{"title"}, rec.Meta.LocallyModifiedFields)
	assert.Equal(t, "run-2", rec.Meta.ImportRunID)
	assert.Equal(t, fixedNow, rec.Meta.ImportedAt)
}

func TestProtect(t *testing.T) {
	stored := &model.ImportMetadata{LocallyModifiedFields: []string{"email", "phone"}}
	payload, m := Protect(
		map[string]any{"email": "x@y.z", "phone": "1", "city": "Austin"},
		stored,
		meta(model.EntityPerson, "1", "run-9"),
		fixedNow,
	)
	assert.Equal(t, map[string]any{"city": "Austin"}, payload)
	assert.Equal(t, []string{"email", "phone"}, m.LocallyModifiedFields)
	assert.Equal(t, "run-9", m.ImportRunID)

	payload, m = Protect(map[string]any{"city": "Austin"}, nil, meta(model.EntityPerson, "1", "run-9"), fixedNow)
	assert.Equal(t, map[string]any{"city": "Austin"}, payload)
	assert.Nil(t, m.LocallyModifiedFields)
}

// promoStore backs identity.Promoter with the same in-memory records.
type promoStore struct {
	*memStore
	creates int
}

func (p *promoStore) GetPerson(_ context.Context, id string) (*model.Person, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return nil, nil
	}
	uid, _ := r.Fields["user_id"].(string)
	email, _ := r.Fields["email"].(string)
	return &model.Person{ID: id, Email: email, IsPerson: true, UserID: uid}, nil
}

func (p *promoStore) FindByEmail(context.Context, model.EntityKind, string) (*model.Existing, error) {
	return nil, nil
}

func (p *promoStore) CreateClientIdentity(_ context.Context, ci model.ClientIdentity) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creates++
	uid := fmt.Sprintf("client-%d", p.creates)
	p.records[ci.PersonID].Fields["user_id"] = uid
	return uid, nil
}

func TestUpsertBatch_PromotionUniqueness(t *testing.T) {
	store := newMemStore()
	store.seed(model.EntityPerson, map[string]any{"email": "jane@firm.com"}, meta(model.EntityPerson, "42", "run-1"))
	ps := &promoStore{memStore: store}
	eng := New(store, nil, identity.New(ps, "crm"), WithClock(clock))

	var cands []model.Candidate
	for i := range 5 {
		cands = append(cands, matterCand(fmt.Sprintf("p%d", i), "42"))
	}

	res, err := eng.UpsertBatch(context.Background(), lookup.NewCaches(), "run-1", model.PhaseProspects, cands)
	require.NoError(t, err)
	assert.Equal(t, model.Counters{Processed: 5, Created: 5}, res.Counters)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 1, ps.creates)

	for i := range 5 {
		rec := store.byExternal(model.EntityMatter, "crm", fmt.Sprintf("p%d", i))
		require.NotNil(t, rec)
		assert.Equal(t, "client-1", rec.Fields["client_user_id"])
	}

	// A later step starts with fresh caches and finds the stored link.
	res, err = eng.UpsertBatch(context.Background(), lookup.NewCaches(), "run-1", model.PhaseProspects,
		[]model.Candidate{matterCand("p9", "42")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counters.Created)
	assert.Equal(t, 1, ps.creates, "person already linked, no second promotion")
}

func TestUpsertBatch_IsolatesFailures(t *testing.T) {
	store := newMemStore()
	store.seed(model.EntityPerson, map[string]any{}, meta(model.EntityPerson, "42", "run-1"))
	eng := New(store, nil, nil, WithClock(clock))

	bad := matterCand("bad-field", "42")
	bad.Fields["not_a_column"] = 1

	failing := matterCand("db-down", "42")
	store.updateErr["db-down"] = errors.New("deadlock detected")
	store.seed(model.EntityMatter, map[string]any{}, meta(model.EntityMatter, "db-down", "run-0"))

	cands := []model.Candidate{
		matterCand("ok", "42"),
		matterCand("orphan", "404"),
		bad,
		failing,
	}
	res, err := eng.UpsertBatch(context.Background(), lookup.NewCaches(), "run-1", model.PhaseProspects, cands)
	require.NoError(t, err)

	assert.Equal(t, model.Counters{Processed: 4, Created: 1, Skipped: 1, Errored: 2}, res.Counters)
	require.Len(t, res.Errors, 3)

	kinds := map[string]model.ErrorKind{}
	for _, e := range res.Errors {
		assert.Equal(t, "run-1", e.RunID)
		assert.Equal(t, model.PhaseProspects, e.Phase)
		assert.NotEmpty(t, e.ID)
		kinds[e.ExternalID] = e.Kind
	}
	assert.Equal(t, map[string]model.ErrorKind{
		"orphan":    model.ErrorKindIdentity,
		"bad-field": model.ErrorKindValidation,
		"db-down":   model.ErrorKindPersistence,
	}, kinds)

	rec := store.byExternal(model.EntityMatter, "crm", "ok")
	require.NotNil(t, rec)
	assert.NotEmpty(t, rec.Fields["person_id"])
}

func TestUpsertBatch_DuplicateEmailInBatch(t *testing.T) {
	store := newMemStore()
	eng := New(store, &fakeMatcher{}, nil, WithClock(clock))

	res, err := eng.UpsertBatch(context.Background(), lookup.NewCaches(), "run-1", model.PhaseContacts, []model.Candidate{
		personCand("1", "shared@firm.com"),
		personCand("2", "Shared@Firm.com"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Counters.Created)

	assert.Equal(t, "shared@firm.com", store.byExternal(model.EntityPerson, "crm", "1").Fields["email"])
	assert.Equal(t, "crm.dup.2@imported.local", store.byExternal(model.EntityPerson, "crm", "2").Fields["email"])
}

func TestUpsertBatch_DuplicateEmailStableOnResync(t *testing.T) {
	store := newMemStore()
	eng := New(store, dedupe.New(store), nil, WithClock(clock))
	ctx := context.Background()
	batch := []model.Candidate{
		userCand("1", "x@firm.com", "run-1"),
		userCand("2", "x@firm.com", "run-1"),
	}

	first, err := eng.UpsertBatch(ctx, lookup.NewCaches(), "run-1", model.PhaseUsers, batch)
	require.NoError(t, err)
	assert.Equal(t, model.Counters{Processed: 2, Created: 2}, first.Counters)

	// The same page delivered again.
	again, err := eng.UpsertBatch(ctx, lookup.NewCaches(), "run-1", model.PhaseUsers, batch)
	require.NoError(t, err)
	assert.Equal(t, model.Counters{Processed: 2, Updated: 2}, again.Counters)
	assert.Empty(t, again.Errors)

	assert.Equal(t, 2, store.count(model.EntityUser))
	assert.Equal(t, "x@firm.com", store.byExternal(model.EntityUser, "crm", "1").Fields["email"])
	assert.Equal(t, "crm.dup.2@imported.local", store.byExternal(model.EntityUser, "crm", "2").Fields["email"])

	// An incremental sync that only carries the duplicate.
	later, err := eng.UpsertBatch(ctx, lookup.NewCaches(), "run-2", model.PhaseUsers, []model.Candidate{
		userCand("2", "x@firm.com", "run-2"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.Counters{Processed: 1, Updated: 1}, later.Counters)
	assert.Equal(t, "crm.dup.2@imported.local", store.byExternal(model.EntityUser, "crm", "2").Fields["email"])
	assert.Equal(t, "x@firm.com", store.byExternal(model.EntityUser, "crm", "1").Fields["email"])
}

func TestUpsertBatch_StoredDuplicates(t *testing.T) {
	store := newMemStore()
	local := store.seed(model.EntityUser, map[string]any{"email": "boss@firm.com"}, model.ImportMetadata{})
	other := meta(model.EntityUser, "77", "run-0")

	matcher := &fakeMatcher{matches: map[string]*dedupe.Match{
		"boss@firm.com": {ID: local, Confidence: dedupe.ConfidenceExact},
		"dup@firm.com":  {ID: "user-x", Confidence: dedupe.ConfidenceNormalized, Meta: &other},
	}}
	eng := New(store, matcher, nil, WithClock(clock))
	caches := lookup.NewCaches()

	res, err := eng.UpsertBatch(context.Background(), caches, "run-1", model.PhaseUsers, []model.Candidate{
		userCand("1", "boss@firm.com", "run-1"),
		userCand("2", "dup@firm.com", "run-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.Counters{Processed: 2, Created: 1, Updated: 1}, res.Counters)

	adopted := store.records[local]
	assert.Equal(t, "1", adopted.Meta.ExternalID, "locally created user is adopted")
	id, ok := caches.Get(model.EntityUser, "1")
	assert.True(t, ok)
	assert.Equal(t, local, id)

	assert.Equal(t, "crm.dup.2@imported.local", store.byExternal(model.EntityUser, "crm", "2").Fields["email"])
}

func TestUpsertBatch_LoadFailureFailsPage(t *testing.T) {
	store := newMemStore()
	store.lookupErr = errors.New("connection refused")

	_, err := New(store, nil, nil).UpsertBatch(context.Background(), lookup.NewCaches(), "run-1", model.PhaseUsers,
		[]model.Candidate{userCand("1", "a@b.co", "run-1")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert: load existing user")
}

func TestUpsertBatch_Empty(t *testing.T) {
	res, err := New(newMemStore(), nil, nil).UpsertBatch(context.Background(), lookup.NewCaches(), "run-1", model.PhaseUsers, nil)
	require.NoError(t, err)
	assert.Equal(t, model.Counters{}, res.Counters)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, model.ErrorKindIdentity, Classify(&IdentityError{Field: "person_id"}))
	assert.Equal(t, model.ErrorKindPersistence, Classify(errors.New("boom")))
}
