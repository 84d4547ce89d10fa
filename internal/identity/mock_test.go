package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/sells-group/crm-import/internal/model"
)

// mockStore implements Store for testing.
type mockStore struct {
	mu          sync.Mutex
	people      map[string]*model.Person
	usersByMail map[string]string
	getErr      error
	createErr   error

	getCalls    int
	findCalls   int
	created     []model.ClientIdentity
	nextUserSeq int
}

func newMockStore(people ...*model.Person) *mockStore {
	m := &mockStore{people: make(map[string]*model.Person), usersByMail: make(map[string]string)}
	for _, p := range people {
		m.people[p.ID] = p
	}
	return m
}

func (m *mockStore) GetPerson(_ context.Context, id string) (*model.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.getErr != nil {
		return nil, m.getErr
	}
	p, ok := m.people[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *mockStore) FindByEmail(_ context.Context, _ model.EntityKind, email string) (*model.Existing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findCalls++
	if id, ok := m.usersByMail[email]; ok {
		return &model.Existing{ID: id}, nil
	}
	return nil, nil
}

func (m *mockStore) CreateClientIdentity(_ context.Context, ci model.ClientIdentity) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	m.created = append(m.created, ci)
	uid := ci.UserID
	if uid == "" {
		m.nextUserSeq++
		uid = fmt.Sprintf("u-%d", m.nextUserSeq)
		m.usersByMail[ci.Email] = uid
	}
	if p, ok := m.people[ci.PersonID]; ok {
		p.UserID = uid
	}
	return uid, nil
}
