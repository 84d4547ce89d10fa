// Package dedupe finds stored users and people that an incoming record
// duplicates. Matching is by email only.
package dedupe

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-import/internal/model"
	"github.com/sells-group/crm-import/internal/transform"
)

// Match confidences.
const (
	ConfidenceExact      = 100
	ConfidenceNormalized = 95
)

// Match is a stored record the candidate duplicates.
type Match struct {
	ID         string
	Confidence int
	Meta       *model.ImportMetadata
}

// Finder looks up stored records by email.
type Finder interface {
	FindByEmail(ctx context.Context, kind model.EntityKind, email string) (*model.Existing, error)
	FindByNormalizedEmail(ctx context.Context, kind model.EntityKind, normalized string) (*model.Existing, error)
}

// Detector runs the match cascade.
type Detector struct {
	finder Finder
}

// New creates a Detector.
func New(finder Finder) *Detector {
	return &Detector{finder: finder}
}

// Match checks an exact email, then a normalized one. It returns nil when
// nothing matches, when the entity kind is not deduplicated, or when the
// email is a generated placeholder.
func (d *Detector) Match(ctx context.Context, c model.Candidate) (*Match, error) {
	if c.Entity != model.EntityUser && c.Entity != model.EntityPerson {
		return nil, nil
	}
	if c.Email == "" || transform.IsPlaceholderEmail(c.Email) {
		return nil, nil
	}

	ex, err := d.finder.FindByEmail(ctx, c.Entity, c.Email)
	if err != nil {
		return nil, eris.Wrapf(err, "dedupe: exact match %s", c.Entity)
	}
	if ex != nil {
		return &Match{ID: ex.ID, Confidence: ConfidenceExact, Meta: ex.Meta}, nil
	}

	ex, err = d.finder.FindByNormalizedEmail(ctx, c.Entity, transform.NormalizeEmail(c.Email))
	if err != nil {
		return nil, eris.Wrapf(err, "dedupe: normalized match %s", c.Entity)
	}
	if ex != nil {
		return &Match{ID: ex.ID, Confidence: ConfidenceNormalized, Meta: ex.Meta}, nil
	}
	return nil, nil
}
