package migration

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/crm-import/internal/model"
	"github.com/sells-group/crm-import/pkg/crm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func runningRun(phases []model.Phase, cp *model.Checkpoint) model.MigrationRun {
	started := testNow.Add(-time.Hour)
	return model.MigrationRun{
		ID:            "run-1",
		IntegrationID: "int-1",
		RunType:       model.RunTypeFull,
		EntityTypes:   phases,
		Status:        model.RunStatusRunning,
		Checkpoint:    cp,
		Version:       3,
		StartedAt:     &started,
	}
}

func TestMessage_DedupeKey(t *testing.T) {
	page := importPage("run-1", model.PhaseContacts, 3, Filter{})
	assert.Equal(t, "run-1/contacts/3/0", page.DedupeKey())

	retry := page
	retry.Attempt = 2
	assert.NotEqual(t, page.DedupeKey(), retry.DedupeKey())

	assert.Equal(t, "run-1/contacts/complete", phaseComplete("run-1", model.PhaseContacts).DedupeKey())
}

func TestMessage_Validate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr string
	}{
		{name: "import page", msg: importPage("r", model.PhaseUsers, 1, Filter{})},
		{name: "phase complete", msg: phaseComplete("r", model.PhaseNotes)},
		{name: "no run", msg: importPage("", model.PhaseUsers, 1, Filter{}), wantErr: "no run id"},
		{name: "bad phase", msg: Message{Kind: KindImportPage, RunID: "r", Phase: "matters", Page: 1}, wantErr: "unknown phase"},
		{name: "page zero", msg: Message{Kind: KindImportPage, RunID: "r", Phase: model.PhaseUsers}, wantErr: "out of range"},
		{name: "bad kind", msg: Message{Kind: "NOPE", RunID: "r", Phase: model.PhaseUsers}, wantErr: "unknown message kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEndpoint(t *testing.T) {
	assert.Equal(t, crm.EndpointTimeline, Endpoint(model.PhaseActivities))
	assert.Equal(t, crm.EndpointProspects, Endpoint(model.PhaseProspects))
	assert.Empty(t, Endpoint("matters"))
}

func TestNextPhase(t *testing.T) {
	requested := []model.Phase{model.PhaseNotes, model.PhaseUsers}

	next, ok := NextPhase(requested, model.PhaseUsers)
	require.True(t, ok)
	assert.Equal(t, model.PhaseNotes, next)

	_, ok = NextPhase(requested, model.PhaseNotes)
	assert.False(t, ok)
}

func TestRemainingPhases(t *testing.T) {
	requested := []model.Phase{model.PhaseUsers, model.PhaseContacts, model.PhaseProspects}
	cp := &model.Checkpoint{Phase: model.PhaseContacts, Page: 3}

	assert.Equal(t, []model.Phase{model.PhaseContacts, model.PhaseProspects}, RemainingPhases(requested, cp))
	assert.Equal(t, []model.Phase{model.PhaseUsers, model.PhaseContacts, model.PhaseProspects}, RemainingPhases(requested, nil))

	// A checkpoint past every requested phase leaves nothing.
	assert.Empty(t, RemainingPhases([]model.Phase{model.PhaseUsers}, cp))
}

func TestResumePoint(t *testing.T) {
	run := runningRun(
		[]model.Phase{model.PhaseUsers, model.PhaseContacts, model.PhaseProspects},
		&model.Checkpoint{Phase: model.PhaseContacts, Page: 3, HasMore: true},
	)
	phase, page, ok := ResumePoint(run)
	require.True(t, ok)
	assert.Equal(t, model.PhaseContacts, phase)
	assert.Equal(t, 4, page)

	run.Checkpoint = nil
	phase, page, ok = ResumePoint(run)
	require.True(t, ok)
	assert.Equal(t, model.PhaseUsers, phase)
	assert.Equal(t, 1, page)
}

func TestPlanStart(t *testing.T) {
	run := model.MigrationRun{
		ID:          "run-1",
		Status:      model.RunStatusPending,
		EntityTypes: []model.Phase{model.PhaseNotes, model.PhaseUsers},
	}
	t0 := testNow.Add(-24 * time.Hour)

	tr, err := PlanStart(run, Filter{UpdatedSince: &t0})
	require.NoError(t, err)
	assert.False(t, tr.Save)
	require.Len(t, tr.Effects, 1)
	msg := tr.Effects[0]
	assert.Equal(t, KindImportPage, msg.Kind)
	assert.Equal(t, model.PhaseUsers, msg.Phase)
	assert.Equal(t, 1, msg.Page)
	assert.Equal(t, 100, msg.PerPage)
	require.NotNil(t, msg.Filter.UpdatedSince)
	assert.True(t, t0.Equal(*msg.Filter.UpdatedSince))

	_, err = PlanStart(model.MigrationRun{Status: model.RunStatusPending}, Filter{})
	assert.True(t, errors.Is(err, ErrNoPhases))

	run.Status = model.RunStatusRunning
	_, err = PlanStart(run, Filter{})
	assert.Error(t, err)
}

func TestStarted(t *testing.T) {
	run := model.MigrationRun{
		ID:          "run-1",
		Status:      model.RunStatusPending,
		EntityTypes: []model.Phase{model.PhaseContacts, model.PhaseUsers},
	}
	tr := Started(run, testNow)
	require.True(t, tr.Save)
	assert.Equal(t, model.RunStatusRunning, tr.Run.Status)
	require.NotNil(t, tr.Run.StartedAt)
	assert.Equal(t, testNow, *tr.Run.StartedAt)
	assert.Equal(t, &model.Checkpoint{Phase: model.PhaseUsers, HasMore: true}, tr.Run.Checkpoint)
	assert.Nil(t, run.Checkpoint, "input run must not be modified")

	again := Started(tr.Run, testNow.Add(time.Minute))
	assert.False(t, again.Save)
}

func TestAdmit(t *testing.T) {
	phases := []model.Phase{model.PhaseUsers, model.PhaseContacts}
	cp := &model.Checkpoint{Phase: model.PhaseContacts, Page: 2, HasMore: true}

	tests := []struct {
		name        string
		run         model.MigrationRun
		msg         Message
		wantProcess bool
		wantEffects []Message
		wantReason  string
	}{
		{
			name:        "next page",
			run:         runningRun(phases, cp),
			msg:         importPage("run-1", model.PhaseContacts, 3, Filter{}),
			wantProcess: true,
		},
		{
			name:        "redelivered checkpointed page re-enqueues successor",
			run:         runningRun(phases, cp),
			msg:         importPage("run-1", model.PhaseContacts, 2, Filter{}),
			wantEffects: []Message{importPage("run-1", model.PhaseContacts, 3, Filter{})},
			wantReason:  "page already checkpointed",
		},
		{
			name: "redelivered last page re-enqueues phase complete",
			run: runningRun(phases, &model.Checkpoint{
				Phase: model.PhaseContacts, Page: 2, HasMore: false,
			}),
			msg:         importPage("run-1", model.PhaseContacts, 2, Filter{}),
			wantEffects: []Message{phaseComplete("run-1", model.PhaseContacts)},
			wantReason:  "page already checkpointed",
		},
		{
			name:       "older page",
			run:        runningRun(phases, cp),
			msg:        importPage("run-1", model.PhaseContacts, 1, Filter{}),
			wantReason: "page already completed",
		},
		{
			name:       "earlier phase",
			run:        runningRun(phases, cp),
			msg:        importPage("run-1", model.PhaseUsers, 7, Filter{}),
			wantReason: "page already completed",
		},
		{
			name:       "skipped ahead",
			run:        runningRun(phases, cp),
			msg:        importPage("run-1", model.PhaseContacts, 5, Filter{}),
			wantReason: "page ahead of checkpoint",
		},
		{
			name: "paused run",
			run: func() model.MigrationRun {
				r := runningRun(phases, cp)
				r.Status = model.RunStatusPaused
				return r
			}(),
			msg:        importPage("run-1", model.PhaseContacts, 3, Filter{}),
			wantReason: "run is paused",
		},
		{
			name:       "phase not requested",
			run:        runningRun(phases, cp),
			msg:        importPage("run-1", model.PhaseNotes, 1, Filter{}),
			wantReason: "phase not requested",
		},
		{
			name:        "pending run first page",
			run:         model.MigrationRun{ID: "run-1", Status: model.RunStatusPending, EntityTypes: phases},
			msg:         importPage("run-1", model.PhaseUsers, 1, Filter{}),
			wantProcess: true,
		},
		{
			name: "phase complete after last page",
			run: runningRun(phases, &model.Checkpoint{
				Phase: model.PhaseContacts, Page: 4, HasMore: false,
			}),
			msg:         phaseComplete("run-1", model.PhaseContacts),
			wantProcess: true,
		},
		{
			name:       "phase complete with pages left",
			run:        runningRun(phases, cp),
			msg:        phaseComplete("run-1", model.PhaseContacts),
			wantReason: "phase has pages left",
		},
		{
			name:       "phase complete redelivered",
			run:        runningRun(phases, cp),
			msg:        phaseComplete("run-1", model.PhaseUsers),
			wantReason: "phase already completed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, ok := Admit(tt.run, tt.msg)
			assert.Equal(t, tt.wantProcess, ok)
			assert.False(t, tr.Save)
			assert.Equal(t, tt.wantEffects, tr.Effects)
			assert.Equal(t, tt.wantReason, tr.Reason)
		})
	}
}

func TestAfterPage(t *testing.T) {
	phases := []model.Phase{model.PhaseUsers, model.PhaseContacts}
	base := runningRun(phases, &model.Checkpoint{Phase: model.PhaseUsers, Page: 1, HasMore: true})
	base.Counters = model.Counters{Processed: 100, Created: 100}
	msg := importPage("run-1", model.PhaseUsers, 2, Filter{})
	out := PageOutcome{
		HasMore:  true,
		Counters: model.Counters{Processed: 3, Created: 1, Updated: 1, Skipped: 1},
		Errors:   []model.MigrationError{{RunID: "run-1", Phase: model.PhaseUsers, ExternalID: "u-9", Kind: model.ErrorKindValidation}},
	}

	t.Run("more pages", func(t *testing.T) {
		tr := AfterPage(base, msg, out, testNow)
		require.True(t, tr.Save)
		assert.Equal(t, model.Counters{Processed: 103, Created: 101, Updated: 1, Skipped: 1}, tr.Run.Counters)
		assert.Equal(t, &model.Checkpoint{Phase: model.PhaseUsers, Page: 2, HasMore: true}, tr.Run.Checkpoint)
		assert.Equal(t, []Message{importPage("run-1", model.PhaseUsers, 3, Filter{})}, tr.Effects)
		assert.Len(t, tr.Errors, 1)
		assert.Equal(t, 100, base.Counters.Processed, "input run must not be modified")
	})

	t.Run("last page", func(t *testing.T) {
		last := out
		last.HasMore = false
		tr := AfterPage(base, msg, last, testNow)
		require.True(t, tr.Save)
		assert.False(t, tr.Run.Checkpoint.HasMore)
		assert.Equal(t, []Message{phaseComplete("run-1", model.PhaseUsers)}, tr.Effects)
	})

	t.Run("retry resets attempt and delay", func(t *testing.T) {
		retried := msg
		retried.Attempt = 3
		retried.AvailableAt = testNow
		tr := AfterPage(base, retried, out, testNow)
		require.Len(t, tr.Effects, 1)
		assert.Equal(t, 0, tr.Effects[0].Attempt)
		assert.True(t, tr.Effects[0].AvailableAt.IsZero())
	})

	t.Run("paused in flight checkpoints without successor", func(t *testing.T) {
		paused := base.Clone()
		paused.Status = model.RunStatusPaused
		tr := AfterPage(paused, msg, out, testNow)
		require.True(t, tr.Save)
		assert.Equal(t, model.RunStatusPaused, tr.Run.Status)
		assert.Equal(t, 2, tr.Run.Checkpoint.Page)
		assert.Empty(t, tr.Effects)
	})

	t.Run("already checkpointed", func(t *testing.T) {
		done := base.Clone()
		done.Checkpoint.Page = 2
		tr := AfterPage(done, msg, out, testNow)
		assert.False(t, tr.Save)
		assert.Empty(t, tr.Effects)
	})

	t.Run("pending run starts", func(t *testing.T) {
		pending := model.MigrationRun{ID: "run-1", Status: model.RunStatusPending, EntityTypes: phases}
		tr := AfterPage(pending, importPage("run-1", model.PhaseUsers, 1, Filter{}), out, testNow)
		require.True(t, tr.Save)
		assert.Equal(t, model.RunStatusRunning, tr.Run.Status)
		require.NotNil(t, tr.Run.StartedAt)
	})

	t.Run("failed run", func(t *testing.T) {
		failed := base.Clone()
		failed.Status = model.RunStatusFailed
		tr := AfterPage(failed, msg, out, testNow)
		assert.False(t, tr.Save)
	})
}

func TestAfterPhase(t *testing.T) {
	phases := []model.Phase{model.PhaseNotes, model.PhaseUsers}
	run := runningRun(phases, &model.Checkpoint{Phase: model.PhaseUsers, Page: 4})
	since := testNow.Add(-48 * time.Hour)

	tr := AfterPhase(run, phaseComplete("run-1", model.PhaseUsers), Filter{UpdatedSince: &since}, testNow)
	require.True(t, tr.Save)
	assert.Equal(t, model.PhaseUsers, tr.SyncPhase)
	assert.Equal(t, model.RunStatusRunning, tr.Run.Status)
	assert.Equal(t, &model.Checkpoint{Phase: model.PhaseNotes, HasMore: true}, tr.Run.Checkpoint)
	require.Len(t, tr.Effects, 1)
	assert.Equal(t, model.PhaseNotes, tr.Effects[0].Phase)
	assert.Equal(t, 1, tr.Effects[0].Page)
	assert.Equal(t, 25, tr.Effects[0].PerPage)
	assert.Equal(t, &since, tr.Effects[0].Filter.UpdatedSince)

	last := runningRun(phases, &model.Checkpoint{Phase: model.PhaseNotes, Page: 2})
	tr = AfterPhase(last, phaseComplete("run-1", model.PhaseNotes), Filter{}, testNow)
	require.True(t, tr.Save)
	assert.Equal(t, model.RunStatusCompleted, tr.Run.Status)
	require.NotNil(t, tr.Run.CompletedAt)
	assert.Equal(t, testNow, *tr.Run.CompletedAt)
	assert.Equal(t, model.PhaseNotes, tr.SyncPhase)
	assert.Empty(t, tr.Effects)

	// A redelivered PHASE_COMPLETE finds the run already moved on.
	moved := runningRun(phases, &model.Checkpoint{Phase: model.PhaseNotes, HasMore: true})
	tr = AfterPhase(moved, phaseComplete("run-1", model.PhaseUsers), Filter{}, testNow)
	assert.False(t, tr.Save)
	assert.Empty(t, tr.Effects)
}

func TestPlanResume(t *testing.T) {
	phases := []model.Phase{model.PhaseUsers, model.PhaseContacts, model.PhaseProspects}
	run := runningRun(phases, &model.Checkpoint{Phase: model.PhaseContacts, Page: 3, HasMore: true})
	run.Status = model.RunStatusPaused

	tr, err := PlanResume(run, Filter{}, testNow)
	require.NoError(t, err)
	require.True(t, tr.Save)
	assert.Equal(t, model.RunStatusRunning, tr.Run.Status)
	assert.Equal(t, 3, tr.Run.Checkpoint.Page)
	assert.Equal(t, []Message{importPage("run-1", model.PhaseContacts, 4, Filter{})}, tr.Effects)

	t.Run("nothing remains", func(t *testing.T) {
		done := run.Clone()
		done.EntityTypes = []model.Phase{model.PhaseUsers}
		tr, err := PlanResume(done, Filter{}, testNow)
		require.NoError(t, err)
		require.True(t, tr.Save)
		assert.Equal(t, model.RunStatusCompleted, tr.Run.Status)
		assert.Empty(t, tr.Effects)
	})

	t.Run("not paused", func(t *testing.T) {
		for _, status := range []model.RunStatus{model.RunStatusRunning, model.RunStatusFailed, model.RunStatusCompleted} {
			r := run.Clone()
			r.Status = status
			_, err := PlanResume(r, Filter{}, testNow)
			assert.True(t, errors.Is(err, ErrNotResumable), status)
		}
	})
}

func TestPlanPause(t *testing.T) {
	run := runningRun([]model.Phase{model.PhaseUsers}, nil)

	tr, err := PlanPause(run)
	require.NoError(t, err)
	require.True(t, tr.Save)
	assert.Equal(t, model.RunStatusPaused, tr.Run.Status)

	tr, err = PlanPause(tr.Run)
	require.NoError(t, err)
	assert.False(t, tr.Save)

	run.Status = model.RunStatusCompleted
	_, err = PlanPause(run)
	assert.True(t, errors.Is(err, ErrNotPausable))
}

func TestOnRateLimit(t *testing.T) {
	run := runningRun([]model.Phase{model.PhaseUsers}, &model.Checkpoint{Phase: model.PhaseUsers, Page: 1, HasMore: true})
	msg := importPage("run-1", model.PhaseUsers, 2, Filter{})
	policy := Policy{MaxRateLimitRetries: 2, DefaultRetryAfter: 30 * time.Second}

	tr := OnRateLimit(run, msg, 5*time.Second, policy, testNow)
	assert.False(t, tr.Save)
	require.Len(t, tr.Effects, 1)
	assert.Equal(t, 2, tr.Effects[0].Page)
	assert.Equal(t, 1, tr.Effects[0].Attempt)
	assert.Equal(t, testNow.Add(5*time.Second), tr.Effects[0].AvailableAt)

	msg.Attempt = 1
	tr = OnRateLimit(run, msg, 0, policy, testNow)
	require.Len(t, tr.Effects, 1)
	assert.Equal(t, testNow.Add(30*time.Second), tr.Effects[0].AvailableAt)

	msg.Attempt = 2
	tr = OnRateLimit(run, msg, 5*time.Second, policy, testNow)
	require.True(t, tr.Save)
	assert.Empty(t, tr.Effects)
	assert.Equal(t, model.RunStatusFailed, tr.Run.Status)
	require.NotNil(t, tr.Run.Checkpoint.Error)
	assert.Equal(t, model.ErrorKindRateLimit, tr.Run.Checkpoint.Error.Kind)
	assert.Equal(t, 1, tr.Run.Checkpoint.Page)
}

func TestOnPageFailure(t *testing.T) {
	run := runningRun([]model.Phase{model.PhaseUsers, model.PhaseNotes}, &model.Checkpoint{Phase: model.PhaseNotes, Page: 6, HasMore: true})
	msg := importPage("run-1", model.PhaseNotes, 7, Filter{})

	tr := OnPageFailure(run, msg, &crm.APIError{StatusCode: 500, Body: `{"error":"boom"}`}, testNow)
	require.True(t, tr.Save)
	assert.Equal(t, model.RunStatusFailed, tr.Run.Status)

	cp := tr.Run.Checkpoint
	require.NotNil(t, cp)
	assert.Equal(t, 6, cp.Page, "checkpoint keeps the last completed page")
	require.NotNil(t, cp.Error)
	assert.Equal(t, model.ErrorKindTransport, cp.Error.Kind)
	assert.Equal(t, 500, cp.Error.StatusCode)
	assert.Equal(t, `{"error":"boom"}`, cp.Error.Body)
	assert.Equal(t, 7, cp.Error.Page)
	assert.Equal(t, testNow, cp.Error.At)

	require.Len(t, tr.Errors, 1)
	assert.Equal(t, model.ErrorKindTransport, tr.Errors[0].Kind)
	assert.Contains(t, tr.Errors[0].Message, "status 500")
	assert.Nil(t, run.Checkpoint.Error, "input run must not be modified")

	failed := tr.Run
	again := OnPageFailure(failed, msg, errors.New("again"), testNow)
	assert.False(t, again.Save)
}

func TestOnEnqueueFailure(t *testing.T) {
	run := model.MigrationRun{ID: "run-1", Status: model.RunStatusPending, EntityTypes: []model.Phase{model.PhaseUsers}}
	tr := OnEnqueueFailure(run, importPage("run-1", model.PhaseUsers, 1, Filter{}), errors.New("queue down"), testNow)
	require.True(t, tr.Save)
	assert.Equal(t, model.RunStatusFailed, tr.Run.Status)
	require.NotNil(t, tr.Run.Checkpoint)
	assert.Equal(t, model.PhaseUsers, tr.Run.Checkpoint.Phase)
	assert.Equal(t, 0, tr.Run.Checkpoint.Page)
	assert.Equal(t, model.ErrorKindEnqueue, tr.Run.Checkpoint.Error.Kind)
	assert.Contains(t, tr.Run.Checkpoint.Error.Message, "queue down")
}
