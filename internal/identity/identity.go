// Package identity promotes imported people to client logins.
package identity

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/crm-import/internal/lookup"
	"github.com/sells-group/crm-import/internal/model"
	"github.com/sells-group/crm-import/internal/transform"
)

// ErrPersonNotFound is returned when the person id does not exist.
var ErrPersonNotFound = eris.New("identity: person not found")

// IntakeSourceImport marks client profiles created by promotion.
const IntakeSourceImport = "import"

// Store reads people and creates client identities.
type Store interface {
	// GetPerson returns nil, nil when the person does not exist.
	GetPerson(ctx context.Context, id string) (*model.Person, error)
	FindByEmail(ctx context.Context, kind model.EntityKind, email string) (*model.Existing, error)
	// CreateClientIdentity creates (or reuses) the user, creates the client
	// profile, and links the person in one transaction. It returns the
	// user id the person ends up linked to.
	CreateClientIdentity(ctx context.Context, ci model.ClientIdentity) (string, error)
}

// Promoter ensures a person has exactly one client login.
type Promoter struct {
	store  Store
	source string
	group  singleflight.Group
	log    *zap.Logger
}

// New creates a Promoter. source tags placeholder emails.
func New(store Store, source string) *Promoter {
	return &Promoter{
		store:  store,
		source: source,
		log:    zap.L().With(zap.String("component", "identity")),
	}
}

// EnsurePersonIsClient returns the user id of the client login for
// personID, creating it on first use. Non-person contacts are not
// promoted: the returned id is empty and the error nil. Once a person is
// cached no further store calls are made.
func (p *Promoter) EnsurePersonIsClient(ctx context.Context, caches *lookup.Caches, personID string) (string, error) {
	if uid, ok := caches.Client(personID); ok {
		return uid, nil
	}

	v, err, _ := p.group.Do(personID, func() (any, error) {
		if uid, ok := caches.Client(personID); ok {
			return uid, nil
		}
		uid, err := p.promote(ctx, personID)
		if err != nil {
			return "", err
		}
		caches.PutClient(personID, uid)
		return uid, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// placeholderFor derives the login email of a person without one from its
// import key. People created locally have none and fall back to their
// internal id.
func (p *Promoter) placeholderFor(person *model.Person) string {
	if person.Meta != nil {
		return transform.PlaceholderEmail(person.Meta.Source, person.Meta.ExternalID)
	}
	return transform.PlaceholderEmail(p.source, "person-"+person.ID)
}

func (p *Promoter) promote(ctx context.Context, personID string) (string, error) {
	person, err := p.store.GetPerson(ctx, personID)
	if err != nil {
		return "", eris.Wrapf(err, "identity: load person %s", personID)
	}
	if person == nil {
		return "", eris.Wrapf(ErrPersonNotFound, "identity: person %s", personID)
	}
	if !person.IsPerson {
		return "", nil
	}
	if person.UserID != "" {
		return person.UserID, nil
	}

	email := person.Email
	if email == "" {
		email = p.placeholderFor(person)
	}

	ci := model.ClientIdentity{
		PersonID:      personID,
		Email:         email,
		FirstName:     person.FirstName,
		LastName:      person.LastName,
		Role:          model.UserRoleClient,
		Status:        model.UserStatusProspective,
		ProfileStatus: model.ClientProfileStatusProspective,
		IntakeSource:  IntakeSourceImport,
	}

	existing, err := p.store.FindByEmail(ctx, model.EntityUser, email)
	if err != nil {
		return "", eris.Wrapf(err, "identity: find user by email for person %s", personID)
	}
	if existing != nil {
		ci.UserID = existing.ID
	}

	uid, err := p.store.CreateClientIdentity(ctx, ci)
	if err != nil {
		return "", eris.Wrapf(err, "identity: promote person %s", personID)
	}
	p.log.Info("promoted person to client",
		zap.String("person_id", personID),
		zap.String("user_id", uid),
		zap.Bool("reused_user", existing != nil),
	)
	return uid, nil
}
