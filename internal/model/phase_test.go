package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderPhases(t *testing.T) {
	tests := []struct {
		name string
		in   []Phase
		want []Phase
	}{
		{name: "reversed", in: []Phase{PhaseNotes, PhaseUsers}, want: []Phase{PhaseUsers, PhaseNotes}},
		{name: "duplicates", in: []Phase{PhaseContacts, PhaseContacts}, want: []Phase{PhaseContacts}},
		{name: "unknown dropped", in: []Phase{"invoices", PhaseActivities}, want: []Phase{PhaseActivities}},
		{name: "empty", in: nil, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OrderPhases(tt.in))
		})
	}
}

func TestParsePhases(t *testing.T) {
	got, err := ParsePhases([]string{"users", "prospects"})
	require.NoError(t, err)
	assert.Equal(t, []Phase{PhaseUsers, PhaseProspects}, got)

	_, err = ParsePhases([]string{"users", "invoices"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown phase "invoices"`)
}

func TestPhase_Entity(t *testing.T) {
	assert.Equal(t, EntityPerson, PhaseContacts.Entity())
	assert.Equal(t, EntityMatter, PhaseProspects.Entity())
	assert.Equal(t, "matters", PhaseProspects.Entity().Table())
	assert.True(t, EntityMatter.HasColumn("client_user_id"))
	assert.False(t, EntityMatter.HasColumn("import_metadata"))
}

func TestMigrationRun_CloneDoesNotAlias(t *testing.T) {
	r := MigrationRun{
		EntityTypes: []Phase{PhaseUsers},
		Checkpoint:  &Checkpoint{Phase: PhaseUsers, Page: 2, Error: &CheckpointError{Message: "x"}},
	}
	c := r.Clone()
	c.EntityTypes[0] = PhaseNotes
	c.Checkpoint.Page = 9
	c.Checkpoint.Error.Message = "y"

	assert.Equal(t, PhaseUsers, r.EntityTypes[0])
	assert.Equal(t, 2, r.Checkpoint.Page)
	assert.Equal(t, "x", r.Checkpoint.Error.Message)
}
