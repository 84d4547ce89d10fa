// Package migration drives a CRM import as a chain of short, queue-delivered
// steps. Each step processes one page or one phase boundary, checkpoints the
// run, and enqueues its successor.
package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-import/internal/model"
	"github.com/sells-group/crm-import/pkg/crm"
)

// Kind distinguishes the two message types of the state machine.
type Kind string

// Message kinds.
const (
	KindImportPage    Kind = "IMPORT_PAGE"
	KindPhaseComplete Kind = "PHASE_COMPLETE"
)

// Filter narrows a page fetch for incremental runs.
type Filter struct {
	UpdatedSince *time.Time `json:"updated_since,omitempty"`
}

// Message is one unit of queued work. Page, PerPage, Filter, and Attempt
// only apply to IMPORT_PAGE.
type Message struct {
	Kind    Kind        `json:"kind"`
	RunID   string      `json:"run_id"`
	Phase   model.Phase `json:"phase"`
	Page    int         `json:"page,omitempty"`
	PerPage int         `json:"per_page,omitempty"`
	Filter  Filter      `json:"filter"`
	Attempt int         `json:"attempt,omitempty"`

	// AvailableAt delays delivery. Zero means immediately.
	AvailableAt time.Time `json:"available_at,omitempty"`
}

// DedupeKey identifies the logical message. Queues use it to suppress
// duplicate enqueues of the same step while it is pending or in flight.
func (m Message) DedupeKey() string {
	if m.Kind == KindPhaseComplete {
		return fmt.Sprintf("%s/%s/complete", m.RunID, m.Phase)
	}
	return fmt.Sprintf("%s/%s/%d/%d", m.RunID, m.Phase, m.Page, m.Attempt)
}

// Validate rejects malformed messages before they reach the state machine.
func (m Message) Validate() error {
	if m.RunID == "" {
		return eris.New("migration: message has no run id")
	}
	if m.Phase.Index() < 0 {
		return eris.Errorf("migration: message has unknown phase %q", m.Phase)
	}
	switch m.Kind {
	case KindImportPage:
		if m.Page < 1 {
			return eris.Errorf("migration: import page %d out of range", m.Page)
		}
	case KindPhaseComplete:
	default:
		return eris.Errorf("migration: unknown message kind %q", m.Kind)
	}
	return nil
}

// Queue is the transport port. Delivery is at-least-once.
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
}

// Endpoint returns the CRM endpoint a phase reads from.
func Endpoint(p model.Phase) string {
	switch p {
	case model.PhaseUsers:
		return crm.EndpointUsers
	case model.PhaseContacts:
		return crm.EndpointContacts
	case model.PhaseProspects:
		return crm.EndpointProspects
	case model.PhaseNotes:
		return crm.EndpointNotes
	case model.PhaseActivities:
		return crm.EndpointTimeline
	default:
		return ""
	}
}

func importPage(runID string, phase model.Phase, page int, filter Filter) Message {
	return Message{
		Kind:    KindImportPage,
		RunID:   runID,
		Phase:   phase,
		Page:    page,
		PerPage: crm.PageSize(Endpoint(phase)),
		Filter:  filter,
	}
}

func phaseComplete(runID string, phase model.Phase) Message {
	return Message{Kind: KindPhaseComplete, RunID: runID, Phase: phase}
}
