package model

import (
	"encoding/json"
	"slices"
	"sort"
	"time"

	"github.com/rotisserie/eris"
)

// EntityKind discriminates imported internal records.
type EntityKind string

// Internal entity kinds.
const (
	EntityUser     EntityKind = "user"
	EntityPerson   EntityKind = "person"
	EntityMatter   EntityKind = "matter"
	EntityNote     EntityKind = "note"
	EntityActivity EntityKind = "activity"
)

// Valid reports whether k is a known entity kind.
func (k EntityKind) Valid() bool {
	switch k {
	case EntityUser, EntityPerson, EntityMatter, EntityNote, EntityActivity:
		return true
	}
	return false
}

// ImportMetadata is stored as JSONB on every imported record. It carries the
// upsert key (Source, ExternalID) and the fields sync must never overwrite.
type ImportMetadata struct {
	Source                string     `json:"source"`
	Entity                EntityKind `json:"entity"`
	ExternalID            string     `json:"external_id"`
	ImportRunID           string     `json:"import_run_id"`
	ImportedAt            time.Time  `json:"imported_at"`
	LocallyModifiedFields []string   `json:"locally_modified_fields,omitempty"`
}

// Validate checks the required keys.
func (m ImportMetadata) Validate() error {
	switch {
	case m.Source == "":
		return eris.New("model: import metadata missing source")
	case !m.Entity.Valid():
		return eris.Errorf("model: import metadata has unknown entity %q", m.Entity)
	case m.ExternalID == "":
		return eris.New("model: import metadata missing external_id")
	}
	return nil
}

// Marshal validates and encodes the metadata.
func (m ImportMetadata) Marshal() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, eris.Wrap(err, "model: marshal import metadata")
	}
	return b, nil
}

// ParseImportMetadata decodes stored metadata and checks it belongs to the
// expected entity kind. A nil or empty value (a record created locally)
// returns nil, nil.
func ParseImportMetadata(raw []byte, want EntityKind) (*ImportMetadata, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var m ImportMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, eris.Wrap(err, "model: unmarshal import metadata")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if want != "" && m.Entity != want {
		return nil, eris.Errorf("model: import metadata is for %s, want %s", m.Entity, want)
	}
	return &m, nil
}

// IsLocallyModified reports whether sync must leave field alone.
func (m *ImportMetadata) IsLocallyModified(field string) bool {
	if m == nil {
		return false
	}
	return slices.Contains(m.LocallyModifiedFields, field)
}

// MarkLocallyModified adds fields to the protected set, keeping it sorted
// and unique.
func (m *ImportMetadata) MarkLocallyModified(fields ...string) {
	set := make(map[string]bool, len(m.LocallyModifiedFields)+len(fields))
	for _, f := range m.LocallyModifiedFields {
		set[f] = true
	}
	for _, f := range fields {
		if f != "" {
			set[f] = true
		}
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	m.LocallyModifiedFields = out
}
