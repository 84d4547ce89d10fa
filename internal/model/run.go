package model

import (
	"slices"
	"time"
)

// RunType selects between a full import and an updated-since import.
type RunType string

// Run types.
const (
	RunTypeFull        RunType = "full"
	RunTypeIncremental RunType = "incremental"
)

// RunStatus represents the state of a migration run.
type RunStatus string

// Run statuses. Completed and failed are terminal.
const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCompleted RunStatus = "completed"
)

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// IsActive reports whether the run blocks a new run for its integration.
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Counters tally record outcomes across a run.
type Counters struct {
	Processed int `json:"processed" yaml:"processed"`
	Created   int `json:"created" yaml:"created"`
	Updated   int `json:"updated" yaml:"updated"`
	Skipped   int `json:"skipped" yaml:"skipped"`
	Errored   int `json:"errored" yaml:"errored"`
}

// Add accumulates o into c.
func (c *Counters) Add(o Counters) {
	c.Processed += o.Processed
	c.Created += o.Created
	c.Updated += o.Updated
	c.Skipped += o.Skipped
	c.Errored += o.Errored
}

// Checkpoint marks the last successfully completed page. Page 0 means the
// phase has been entered but no page has completed yet.
type Checkpoint struct {
	Phase   Phase            `json:"phase" yaml:"phase"`
	Page    int              `json:"page" yaml:"page"`
	HasMore bool             `json:"has_more" yaml:"has_more"`
	Error   *CheckpointError `json:"error,omitempty" yaml:"error,omitempty"`
}

// CheckpointError is the failure detail operators see on a failed run.
type CheckpointError struct {
	Kind       ErrorKind `json:"kind" yaml:"kind"`
	Message    string    `json:"message" yaml:"message"`
	StatusCode int       `json:"status_code,omitempty" yaml:"status_code,omitempty"`
	Body       string    `json:"body,omitempty" yaml:"body,omitempty"`
	Phase      Phase     `json:"phase,omitempty" yaml:"phase,omitempty"`
	Page       int       `json:"page,omitempty" yaml:"page,omitempty"`
	At         time.Time `json:"at" yaml:"at"`
}

// MigrationRun is one import of an integration's CRM data.
type MigrationRun struct {
	ID            string      `json:"id" yaml:"id"`
	IntegrationID string      `json:"integration_id" yaml:"integration_id"`
	RunType       RunType     `json:"run_type" yaml:"run_type"`
	EntityTypes   []Phase     `json:"entity_types" yaml:"entity_types"`
	Status        RunStatus   `json:"status" yaml:"status"`
	Counters      Counters    `json:"counters" yaml:"counters"`
	Checkpoint    *Checkpoint `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
	Version       int64       `json:"version" yaml:"version"`
	CreatedAt     time.Time   `json:"created_at" yaml:"created_at"`
	StartedAt     *time.Time  `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at" yaml:"updated_at"`
}

// Clone returns a deep copy so transition functions never alias the input.
func (r MigrationRun) Clone() MigrationRun {
	out := r
	out.EntityTypes = slices.Clone(r.EntityTypes)
	if r.Checkpoint != nil {
		cp := *r.Checkpoint
		if r.Checkpoint.Error != nil {
			e := *r.Checkpoint.Error
			cp.Error = &e
		}
		out.Checkpoint = &cp
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Requests reports whether the run asked for phase p.
func (r MigrationRun) Requests(p Phase) bool {
	return slices.Contains(r.EntityTypes, p)
}

// ErrorKind classifies a MigrationError.
type ErrorKind string

// Error kinds.
const (
	ErrorKindValidation  ErrorKind = "validation"
	ErrorKindTransform   ErrorKind = "transform"
	ErrorKindIdentity    ErrorKind = "identity"
	ErrorKindPersistence ErrorKind = "persistence"
	ErrorKindRateLimit   ErrorKind = "rate_limit"
	ErrorKindTransport   ErrorKind = "transport"
	ErrorKindEnqueue     ErrorKind = "enqueue"
)

// MigrationError records a per-record or per-page failure.
type MigrationError struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Phase      Phase     `json:"phase"`
	ExternalID string    `json:"external_id,omitempty"`
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	RetryCount int       `json:"retry_count"`
	Resolved   bool      `json:"resolved"`
	CreatedAt  time.Time `json:"created_at"`
}
