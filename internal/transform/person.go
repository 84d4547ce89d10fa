package transform

import (
	"strings"

	"github.com/sells-group/crm-import/pkg/crm"
)

var organizationTypes = map[string]bool{
	"company":      true,
	"organization": true,
	"organisation": true,
	"business":     true,
	"firm":         true,
	"entity":       true,
	"trust":        true,
	"estate":       true,
	"government":   true,
}

var legalSuffixes = []string{
	"llc", "l.l.c.", "inc", "inc.", "incorporated", "corp", "corp.",
	"corporation", "co.", "company", "ltd", "ltd.", "llp", "pllc", "lp",
	"p.c.", "pc", "trust", "foundation", "associates", "partners", "group",
}

// IsPerson classifies a contact. Organization hints win, in this order:
// an explicit contact or entity type, the is_company flag, a company name
// with no personal name, and a legal suffix on the name. Everything else
// is a person.
func IsPerson(a crm.ContactAttributes) bool {
	if organizationTypes[strings.ToLower(strings.TrimSpace(a.ContactType))] ||
		organizationTypes[strings.ToLower(strings.TrimSpace(a.EntityType))] {
		return false
	}
	if a.IsCompany != nil {
		return !*a.IsCompany
	}

	name := fullName(a.FirstName, a.LastName)
	if name == "" {
		return strings.TrimSpace(a.CompanyName) == ""
	}
	return !hasLegalSuffix(name)
}

func hasLegalSuffix(name string) bool {
	words := strings.Fields(strings.ToLower(name))
	if len(words) == 0 {
		return false
	}
	last := strings.TrimRight(words[len(words)-1], ",")
	for _, s := range legalSuffixes {
		if last == s {
			return true
		}
	}
	return false
}
