package dedupe

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/crm-import/internal/model"
)

type mockFinder struct {
	mock.Mock
}

func (m *mockFinder) FindByEmail(ctx context.Context, kind model.EntityKind, email string) (*model.Existing, error) {
	args := m.Called(ctx, kind, email)
	ex, _ := args.Get(0).(*model.Existing)
	return ex, args.Error(1)
}

func (m *mockFinder) FindByNormalizedEmail(ctx context.Context, kind model.EntityKind, normalized string) (*model.Existing, error) {
	args := m.Called(ctx, kind, normalized)
	ex, _ := args.Get(0).(*model.Existing)
	return ex, args.Error(1)
}

func TestMatch_Exact(t *testing.T) {
	f := &mockFinder{}
	f.On("FindByEmail", mock.Anything, model.EntityPerson, "Jane@Firm.com").
		Return(&model.Existing{ID: "p-1"}, nil)

	m, err := New(f).Match(context.Background(), model.Candidate{Entity: model.EntityPerson, Email: "Jane@Firm.com"})
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "p-1", m.ID)
	assert.Equal(t, ConfidenceExact, m.Confidence)
	f.AssertNotCalled(t, "FindByNormalizedEmail", mock.Anything, mock.Anything, mock.Anything)
}

func TestMatch_Normalized(t *testing.T) {
	meta := &model.ImportMetadata{Source: "crm", Entity: model.EntityUser, ExternalID: "9"}
	f := &mockFinder{}
	f.On("FindByEmail", mock.Anything, model.EntityUser, " JANE@firm.com").Return(nil, nil)
	f.On("FindByNormalizedEmail", mock.Anything, model.EntityUser, "jane@firm.com").
		Return(&model.Existing{ID: "u-1", Meta: meta}, nil)

	m, err := New(f).Match(context.Background(), model.Candidate{Entity: model.EntityUser, Email: " JANE@firm.com"})
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, ConfidenceNormalized, m.Confidence)
	assert.Equal(t, meta, m.Meta)
	f.AssertExpectations(t)
}

func TestMatch_NoMatch(t *testing.T) {
	f := &mockFinder{}
	f.On("FindByEmail", mock.Anything, model.EntityPerson, "new@firm.com").Return(nil, nil)
	f.On("FindByNormalizedEmail", mock.Anything, model.EntityPerson, "new@firm.com").Return(nil, nil)

	m, err := New(f).Match(context.Background(), model.Candidate{Entity: model.EntityPerson, Email: "new@firm.com"})
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestMatch_Skipped(t *testing.T) {
	f := &mockFinder{}
	d := New(f)

	for _, c := range []model.Candidate{
		{Entity: model.EntityMatter, Email: "a@b.com"},
		{Entity: model.EntityPerson},
		{Entity: model.EntityPerson, Email: "crm.42@imported.local"},
	} {
		m, err := d.Match(context.Background(), c)
		require.NoError(t, err)
		assert.Nil(t, m)
	}
	f.AssertNotCalled(t, "FindByEmail", mock.Anything, mock.Anything, mock.Anything)
}

func TestMatch_Error(t *testing.T) {
	f := &mockFinder{}
	f.On("FindByEmail", mock.Anything, model.EntityPerson, "x@y.com").Return(nil, errors.New("conn lost"))

	_, err := New(f).Match(context.Background(), model.Candidate{Entity: model.EntityPerson, Email: "x@y.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dedupe: exact match person")
}
