package model

import (
	"github.com/rotisserie/eris"
)

// Phase is one entity type's import stage.
type Phase string

// Import phases.
const (
	PhaseUsers      Phase = "users"
	PhaseContacts   Phase = "contacts"
	PhaseProspects  Phase = "prospects"
	PhaseNotes      Phase = "notes"
	PhaseActivities Phase = "activities"
)

// PhaseOrder is the dependency order every run follows. Requested phases
// are always processed in this relative order.
var PhaseOrder = []Phase{
	PhaseUsers,
	PhaseContacts,
	PhaseProspects,
	PhaseNotes,
	PhaseActivities,
}

// ParsePhase validates a phase name.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if p.Index() < 0 {
		return "", eris.Errorf("model: unknown phase %q", s)
	}
	return p, nil
}

// ParsePhases validates a list of phase names.
func ParsePhases(names []string) ([]Phase, error) {
	out := make([]Phase, 0, len(names))
	for _, n := range names {
		p, err := ParsePhase(n)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Index returns the phase's position in PhaseOrder, or -1.
func (p Phase) Index() int {
	for i, o := range PhaseOrder {
		if o == p {
			return i
		}
	}
	return -1
}

// Entity returns the internal entity kind a phase writes.
func (p Phase) Entity() EntityKind {
	switch p {
	case PhaseUsers:
		return EntityUser
	case PhaseContacts:
		return EntityPerson
	case PhaseProspects:
		return EntityMatter
	case PhaseNotes:
		return EntityNote
	case PhaseActivities:
		return EntityActivity
	default:
		return ""
	}
}

// OrderPhases returns the requested phases in PhaseOrder, without duplicates
// or unknown names.
func OrderPhases(requested []Phase) []Phase {
	want := make(map[Phase]bool, len(requested))
	for _, p := range requested {
		want[p] = true
	}
	var out []Phase
	for _, p := range PhaseOrder {
		if want[p] {
			out = append(out, p)
		}
	}
	return out
}
