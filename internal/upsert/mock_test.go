package upsert

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/sells-group/crm-import/internal/dedupe"
	"github.com/sells-group/crm-import/internal/model"
	"github.com/sells-group/crm-import/internal/transform"
)

type storedRecord struct {
	ID     string
	Kind   model.EntityKind
	Fields map[string]any
	Meta   model.ImportMetadata
}

// memStore implements Store in memory, keyed like the real unique index.
type memStore struct {
	mu      sync.Mutex
	seq     int
	records map[string]*storedRecord // by id
	byExt   map[string]string        // kind|source|external -> id

	lookupErr error
	updateErr map[string]error // by external id
	inserts   int
	updates   int
}

func newMemStore() *memStore {
	return &memStore{
		records:   make(map[string]*storedRecord),
		byExt:     make(map[string]string),
		updateErr: make(map[string]error),
	}
}

func extKey(kind model.EntityKind, source, ext string) string {
	return string(kind) + "|" + source + "|" + ext
}

// seed stores a record as if an earlier run had imported it.
func (m *memStore) seed(kind model.EntityKind, fields map[string]any, meta model.ImportMetadata) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("%s-%d", kind, m.seq)
	m.records[id] = &storedRecord{ID: id, Kind: kind, Fields: maps.Clone(fields), Meta: meta}
	if meta.ExternalID != "" {
		m.byExt[extKey(kind, meta.Source, meta.ExternalID)] = id
	}
	return id
}

func (m *memStore) count(kind model.EntityKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

func (m *memStore) byExternal(kind model.EntityKind, source, ext string) *storedRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[m.byExt[extKey(kind, source, ext)]]
}

func (m *memStore) ExistingByExternalID(_ context.Context, kind model.EntityKind, source string, ids []string) (map[string]model.Existing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	out := make(map[string]model.Existing)
	for _, ext := range ids {
		id, ok := m.byExt[extKey(kind, source, ext)]
		if !ok {
			continue
		}
		meta := m.records[id].Meta
		out[ext] = model.Existing{ID: id, Meta: &meta}
	}
	return out, nil
}

func (m *memStore) Insert(_ context.Context, kind model.EntityKind, fields map[string]any, meta model.ImportMetadata) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := extKey(kind, meta.Source, meta.ExternalID)
	if _, ok := m.byExt[key]; ok {
		return "", false, nil
	}
	m.inserts++
	m.seq++
	id := fmt.Sprintf("%s-%d", kind, m.seq)
	m.records[id] = &storedRecord{ID: id, Kind: kind, Fields: maps.Clone(fields), Meta: meta}
	m.byExt[key] = id
	return id, true, nil
}

func (m *memStore) Update(_ context.Context, _ model.EntityKind, id string, fields map[string]any, meta model.ImportMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.updateErr[meta.ExternalID]; err != nil {
		return err
	}
	r, ok := m.records[id]
	if !ok {
		return fmt.Errorf("no record %s", id)
	}
	m.updates++
	for k, v := range fields {
		r.Fields[k] = v
	}
	r.Meta = meta
	m.byExt[extKey(r.Kind, meta.Source, meta.ExternalID)] = id
	return nil
}

// FindByEmail and FindByNormalizedEmail let a dedupe.Detector run over the
// stored records' email fields.
func (m *memStore) FindByEmail(_ context.Context, kind model.EntityKind, email string) (*model.Existing, error) {
	return m.findEmail(kind, func(stored string) bool { return stored == email }), nil
}

func (m *memStore) FindByNormalizedEmail(_ context.Context, kind model.EntityKind, normalized string) (*model.Existing, error) {
	return m.findEmail(kind, func(stored string) bool { return transform.NormalizeEmail(stored) == normalized }), nil
}

func (m *memStore) findEmail(kind model.EntityKind, match func(string) bool) *model.Existing {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.records {
		email, _ := r.Fields["email"].(string)
		if r.Kind != kind || email == "" || !match(email) {
			continue
		}
		meta := r.Meta
		return &model.Existing{ID: id, Meta: &meta}
	}
	return nil
}

// fakeMatcher returns a fixed match per email.
type fakeMatcher struct {
	matches map[string]*dedupe.Match
	calls   int
}

func (f *fakeMatcher) Match(_ context.Context, c model.Candidate) (*dedupe.Match, error) {
	f.calls++
	return f.matches[c.Email], nil
}
