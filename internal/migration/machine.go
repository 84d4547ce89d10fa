package migration

import (
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-import/internal/model"
	"github.com/sells-group/crm-import/pkg/crm"
)

// The functions in this file are the state machine. They never touch a
// store or a queue: each takes the current run plus an input and returns
// the Transition the Orchestrator must carry out.

var (
	// ErrNoPhases is returned when a run requests no known phase.
	ErrNoPhases = eris.New("migration: no known phases requested")
	// ErrNotResumable is returned when resuming a run that is not paused.
	ErrNotResumable = eris.New("migration: only paused runs can be resumed")
	// ErrNotPausable is returned when pausing a finished run.
	ErrNotPausable = eris.New("migration: run is already finished")
)

// Transition is the outcome of applying one input to a run. When Save is
// set, Errors are recorded and Run is persisted, in that order; Effects are
// enqueued only after the save succeeds.
type Transition struct {
	Run     model.MigrationRun
	Save    bool
	Effects []Message
	Errors  []model.MigrationError

	// SyncPhase names a phase whose sync timestamp advances with this save.
	SyncPhase model.Phase

	// Reason explains a transition that saves nothing.
	Reason string
}

// Policy bounds how long a page may keep being rate limited.
type Policy struct {
	MaxRateLimitRetries int
	DefaultRetryAfter   time.Duration
}

// DefaultPolicy returns 10 retries with a 30 second fallback delay.
func DefaultPolicy() Policy {
	return Policy{MaxRateLimitRetries: 10, DefaultRetryAfter: 30 * time.Second}
}

// PageOutcome is what processing one page produced.
type PageOutcome struct {
	HasMore  bool
	Counters model.Counters
	Errors   []model.MigrationError
}

// NextPhase returns the first requested phase after current in fixed order.
func NextPhase(requested []model.Phase, current model.Phase) (model.Phase, bool) {
	for _, p := range model.OrderPhases(requested) {
		if p.Index() > current.Index() {
			return p, true
		}
	}
	return "", false
}

// RemainingPhases returns the requested phases from the checkpoint's phase
// onward, in fixed order. A nil checkpoint leaves every requested phase.
func RemainingPhases(requested []model.Phase, cp *model.Checkpoint) []model.Phase {
	phases := model.OrderPhases(requested)
	if cp == nil || cp.Phase.Index() < 0 {
		return phases
	}
	var out []model.Phase
	for _, p := range phases {
		if p.Index() >= cp.Phase.Index() {
			out = append(out, p)
		}
	}
	return out
}

// ResumePoint returns the phase and page a resumed run continues from.
// ok is false when no requested phase remains.
func ResumePoint(run model.MigrationRun) (phase model.Phase, page int, ok bool) {
	remaining := RemainingPhases(run.EntityTypes, run.Checkpoint)
	if len(remaining) == 0 {
		return "", 0, false
	}
	phase = remaining[0]
	if cp := run.Checkpoint; cp != nil && cp.Phase == phase {
		return phase, cp.Page + 1, true
	}
	return phase, 1, true
}

// PlanStart returns the first IMPORT_PAGE of a pending run. The run itself
// is unchanged until the message is enqueued; see Started.
func PlanStart(run model.MigrationRun, filter Filter) (Transition, error) {
	phases := model.OrderPhases(run.EntityTypes)
	if len(phases) == 0 {
		return Transition{}, ErrNoPhases
	}
	if run.Status != model.RunStatusPending {
		return Transition{}, eris.Errorf("migration: run %s is %s, not pending", run.ID, run.Status)
	}
	return Transition{
		Run:     run.Clone(),
		Effects: []Message{importPage(run.ID, phases[0], 1, filter)},
	}, nil
}

// Started marks a pending run running and points its checkpoint at the
// start of the first phase. Runs that already left pending are untouched.
func Started(run model.MigrationRun, now time.Time) Transition {
	if run.Status != model.RunStatusPending {
		return Transition{Run: run, Reason: fmt.Sprintf("run already %s", run.Status)}
	}
	next := run.Clone()
	next.Status = model.RunStatusRunning
	if next.StartedAt == nil {
		at := now.UTC()
		next.StartedAt = &at
	}
	if next.Checkpoint == nil {
		if phases := model.OrderPhases(run.EntityTypes); len(phases) > 0 {
			next.Checkpoint = &model.Checkpoint{Phase: phases[0], HasMore: true}
		}
	}
	return Transition{Run: next, Save: true}
}

type position int

const (
	positionNext position = iota
	positionCheckpointed
	positionDone
	positionAhead
)

// pagePosition places an IMPORT_PAGE relative to the checkpoint.
func pagePosition(run model.MigrationRun, msg Message) position {
	cp := run.Checkpoint
	if cp == nil {
		phases := model.OrderPhases(run.EntityTypes)
		if len(phases) > 0 && msg.Phase == phases[0] && msg.Page == 1 {
			return positionNext
		}
		return positionAhead
	}
	switch {
	case msg.Phase.Index() < cp.Phase.Index():
		return positionDone
	case msg.Phase.Index() > cp.Phase.Index():
		return positionAhead
	case msg.Page == cp.Page:
		return positionCheckpointed
	case msg.Page < cp.Page:
		return positionDone
	case msg.Page > cp.Page+1:
		return positionAhead
	}
	return positionNext
}

func successor(msg Message, hasMore bool) Message {
	if !hasMore {
		return phaseComplete(msg.RunID, msg.Phase)
	}
	next := msg
	next.Page = msg.Page + 1
	next.Attempt = 0
	next.AvailableAt = time.Time{}
	return next
}

// Admit decides whether msg should be processed against run. Rejected
// messages may still carry effects: a redelivered copy of the checkpointed
// page re-enqueues its successor, which may have been lost.
func Admit(run model.MigrationRun, msg Message) (Transition, bool) {
	t := Transition{Run: run}
	if !run.Status.IsActive() {
		t.Reason = fmt.Sprintf("run is %s", run.Status)
		return t, false
	}
	if !run.Requests(msg.Phase) {
		t.Reason = "phase not requested"
		return t, false
	}

	if msg.Kind == KindPhaseComplete {
		cp := run.Checkpoint
		switch {
		case cp == nil:
			t.Reason = "no checkpoint"
		case msg.Phase.Index() < cp.Phase.Index():
			t.Reason = "phase already completed"
		case msg.Phase != cp.Phase || cp.HasMore || cp.Page == 0:
			t.Reason = "phase has pages left"
		default:
			return t, true
		}
		return t, false
	}

	switch pagePosition(run, msg) {
	case positionNext:
		return t, true
	case positionCheckpointed:
		t.Reason = "page already checkpointed"
		if run.Status == model.RunStatusRunning {
			t.Effects = []Message{successor(msg, run.Checkpoint.HasMore)}
		}
	case positionDone:
		t.Reason = "page already completed"
	default:
		t.Reason = "page ahead of checkpoint"
	}
	return t, false
}

// AfterPage folds a processed page into the run: counters accumulate, the
// checkpoint moves to the page, and the successor is enqueued. A run paused
// while the page was in flight keeps the checkpoint but enqueues nothing.
func AfterPage(run model.MigrationRun, msg Message, out PageOutcome, now time.Time) Transition {
	if run.Status.IsTerminal() {
		return Transition{Run: run, Reason: fmt.Sprintf("run is %s", run.Status)}
	}
	if pagePosition(run, msg) != positionNext {
		return Transition{Run: run, Reason: "page checkpointed concurrently"}
	}

	next := run.Clone()
	next.Counters.Add(out.Counters)
	next.Checkpoint = &model.Checkpoint{Phase: msg.Phase, Page: msg.Page, HasMore: out.HasMore}
	if next.Status == model.RunStatusPending {
		next.Status = model.RunStatusRunning
	}
	if next.StartedAt == nil {
		at := now.UTC()
		next.StartedAt = &at
	}

	t := Transition{Run: next, Save: true, Errors: out.Errors}
	if next.Status == model.RunStatusRunning {
		t.Effects = []Message{successor(msg, out.HasMore)}
	} else {
		t.Reason = fmt.Sprintf("run is %s", next.Status)
	}
	return t
}

// AfterPhase moves the run to the next requested phase at page 1, or
// completes it. filter applies to the next phase.
func AfterPhase(run model.MigrationRun, msg Message, filter Filter, now time.Time) Transition {
	if t, ok := Admit(run, msg); !ok {
		return t
	}

	next := run.Clone()
	np, ok := NextPhase(run.EntityTypes, msg.Phase)
	if !ok {
		at := now.UTC()
		next.Status = model.RunStatusCompleted
		next.CompletedAt = &at
		return Transition{Run: next, Save: true, SyncPhase: msg.Phase}
	}

	next.Checkpoint = &model.Checkpoint{Phase: np, HasMore: true}
	return Transition{
		Run:       next,
		Save:      true,
		SyncPhase: msg.Phase,
		Effects:   []Message{importPage(run.ID, np, 1, filter)},
	}
}

// PlanResume restarts a paused run after its checkpoint. filter applies to
// the resumed phase. A run with nothing left completes directly.
func PlanResume(run model.MigrationRun, filter Filter, now time.Time) (Transition, error) {
	if run.Status != model.RunStatusPaused {
		return Transition{Run: run}, eris.Wrapf(ErrNotResumable, "run %s is %s", run.ID, run.Status)
	}

	next := run.Clone()
	phase, page, ok := ResumePoint(run)
	if !ok {
		at := now.UTC()
		next.Status = model.RunStatusCompleted
		next.CompletedAt = &at
		return Transition{Run: next, Save: true, Reason: "no phases remain"}, nil
	}

	next.Status = model.RunStatusRunning
	if next.Checkpoint == nil || next.Checkpoint.Phase != phase {
		next.Checkpoint = &model.Checkpoint{Phase: phase, HasMore: true}
	}
	next.Checkpoint.Error = nil
	return Transition{
		Run:     next,
		Save:    true,
		Effects: []Message{importPage(run.ID, phase, page, filter)},
	}, nil
}

// PlanPause stops a pending or running run from enqueueing further work.
// Pausing a paused run is a no-op.
func PlanPause(run model.MigrationRun) (Transition, error) {
	switch {
	case run.Status == model.RunStatusPaused:
		return Transition{Run: run, Reason: "already paused"}, nil
	case !run.Status.IsActive():
		return Transition{Run: run}, eris.Wrapf(ErrNotPausable, "run %s is %s", run.ID, run.Status)
	}
	next := run.Clone()
	next.Status = model.RunStatusPaused
	return Transition{Run: next, Save: true}, nil
}

// OnRateLimit schedules the same page again after retryAfter, falling back
// to the policy default. Once the retry budget is spent the run fails.
func OnRateLimit(run model.MigrationRun, msg Message, retryAfter time.Duration, policy Policy, now time.Time) Transition {
	if !run.Status.IsActive() {
		return Transition{Run: run, Reason: fmt.Sprintf("run is %s", run.Status)}
	}
	if msg.Attempt >= policy.MaxRateLimitRetries {
		return fail(run, msg, model.CheckpointError{
			Kind:    model.ErrorKindRateLimit,
			Message: fmt.Sprintf("still rate limited after %d retries", msg.Attempt),
		}, now)
	}
	if retryAfter <= 0 {
		retryAfter = policy.DefaultRetryAfter
	}
	retry := msg
	retry.Attempt = msg.Attempt + 1
	retry.AvailableAt = now.Add(retryAfter).UTC()
	return Transition{
		Run:     run,
		Effects: []Message{retry},
		Reason:  fmt.Sprintf("rate limited, retrying in %s", retryAfter),
	}
}

// OnPageFailure fails the run for a page that could not be fetched. API
// errors keep their status and body for diagnosis.
func OnPageFailure(run model.MigrationRun, msg Message, err error, now time.Time) Transition {
	ce := model.CheckpointError{Kind: model.ErrorKindTransport, Message: err.Error()}
	var apiErr *crm.APIError
	if errors.As(err, &apiErr) {
		ce.StatusCode = apiErr.StatusCode
		ce.Body = apiErr.Body
	}
	return fail(run, msg, ce, now)
}

// OnEnqueueFailure fails the run when msg could not be scheduled. Without
// the message the chain would stall silently.
func OnEnqueueFailure(run model.MigrationRun, msg Message, err error, now time.Time) Transition {
	return fail(run, msg, model.CheckpointError{
		Kind:    model.ErrorKindEnqueue,
		Message: fmt.Sprintf("enqueue %s: %v", msg.Kind, err),
	}, now)
}

// fail keeps the checkpoint at the last completed page and attaches ce.
func fail(run model.MigrationRun, msg Message, ce model.CheckpointError, now time.Time) Transition {
	if run.Status.IsTerminal() {
		return Transition{Run: run, Reason: fmt.Sprintf("run is %s", run.Status)}
	}
	ce.Phase = msg.Phase
	ce.Page = msg.Page
	ce.At = now.UTC()

	next := run.Clone()
	next.Status = model.RunStatusFailed
	cp := model.Checkpoint{Phase: msg.Phase}
	if next.Checkpoint != nil {
		cp = *next.Checkpoint
	}
	cp.Error = &ce
	next.Checkpoint = &cp

	message := ce.Message
	if ce.StatusCode != 0 {
		message = fmt.Sprintf("%s (status %d)", ce.Message, ce.StatusCode)
	}
	return Transition{
		Run:  next,
		Save: true,
		Errors: []model.MigrationError{{
			RunID:     run.ID,
			Phase:     msg.Phase,
			Kind:      ce.Kind,
			Message:   message,
			CreatedAt: ce.At,
		}},
	}
}
