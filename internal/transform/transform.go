// Package transform maps CRM resources onto internal candidate records.
// Every function here is pure: no I/O, no clock, no shared state.
package transform

import (
	"fmt"
	"strings"

	"github.com/sells-group/crm-import/internal/model"
	"github.com/sells-group/crm-import/pkg/crm"
)

// ValidationError reports a record that cannot be imported as-is. Such
// records are skipped, not errored.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("transform: invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Transformer converts resources from one CRM source.
type Transformer struct {
	Source string
}

// New returns a Transformer tagging records with source.
func New(source string) Transformer {
	return Transformer{Source: source}
}

// Record dispatches r to the transform for phase.
func (t Transformer) Record(phase model.Phase, r crm.Resource, runID string) (model.Candidate, error) {
	switch phase {
	case model.PhaseUsers:
		return t.User(r, runID)
	case model.PhaseContacts:
		return t.Contact(r, runID)
	case model.PhaseProspects:
		return t.Prospect(r, runID)
	case model.PhaseNotes:
		return t.Note(r, runID)
	case model.PhaseActivities:
		return t.Activity(r, runID)
	default:
		return model.Candidate{}, invalid("phase", fmt.Sprintf("unknown phase %q", phase))
	}
}

func (t Transformer) candidate(kind model.EntityKind, r crm.Resource, runID string) (model.Candidate, error) {
	id := strings.TrimSpace(string(r.ID))
	if id == "" {
		return model.Candidate{}, invalid("id", "missing external id")
	}
	return model.Candidate{
		Entity:     kind,
		ExternalID: id,
		Fields:     make(map[string]any),
		Meta: model.ImportMetadata{
			Source:      t.Source,
			Entity:      kind,
			ExternalID:  id,
			ImportRunID: runID,
		},
	}, nil
}

// ref appends a reference when the relationship is present.
func ref(c *model.Candidate, r crm.Resource, rel, field string, kind model.EntityKind, required bool) bool {
	id := r.Related(rel)
	if id == "" {
		return false
	}
	c.Refs = append(c.Refs, model.Reference{
		Field:      field,
		Entity:     kind,
		ExternalID: id,
		Required:   required,
	})
	return true
}

func setString(fields map[string]any, key, v string) {
	if v = strings.TrimSpace(v); v != "" {
		fields[key] = v
	}
}

func fullName(first, last string) string {
	return strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
}
