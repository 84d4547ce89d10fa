package transform

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// PlaceholderDomain is the domain of every generated email.
const PlaceholderDomain = "imported.local"

// PlaceholderEmail returns the stable stand-in for a contact without an
// email. The same record always yields the same value.
func PlaceholderEmail(source, externalID string) string {
	return fmt.Sprintf("%s.%s@%s", source, externalID, PlaceholderDomain)
}

// DuplicatePlaceholderEmail returns the stand-in for a contact whose email
// already belongs to another record. It never equals PlaceholderEmail for
// the same inputs.
func DuplicatePlaceholderEmail(source, externalID string) string {
	return fmt.Sprintf("%s.dup.%s@%s", source, externalID, PlaceholderDomain)
}

// IsPlaceholderEmail reports whether email was generated by this package.
func IsPlaceholderEmail(email string) bool {
	return strings.HasSuffix(strings.ToLower(email), "@"+PlaceholderDomain)
}

// CleanEmail trims an email and returns "" when it is obviously unusable.
// Case is preserved so exact matching stays exact.
func CleanEmail(s string) string {
	s = strings.TrimSpace(s)
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 || strings.ContainsAny(s, " \t") {
		return ""
	}
	return s
}

// NormalizeEmail folds Unicode compatibility forms, case, and surrounding
// whitespace.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(s)))
}

// EmailTracker detects two records in one batch claiming the same email.
// It is not safe for concurrent use.
type EmailTracker struct {
	owners map[string]string
}

// NewEmailTracker returns an empty tracker.
func NewEmailTracker() *EmailTracker {
	return &EmailTracker{owners: make(map[string]string)}
}

// Claim records email for externalID. It returns false when a different
// record claimed the same normalized email earlier in the batch.
func (t *EmailTracker) Claim(email, externalID string) bool {
	key := NormalizeEmail(email)
	if key == "" {
		return true
	}
	owner, ok := t.owners[key]
	if !ok {
		t.owners[key] = externalID
		return true
	}
	return owner == externalID
}
