package model

// User roles and statuses.
const (
	UserRoleAdmin  = "admin"
	UserRoleStaff  = "staff"
	UserRoleClient = "client"

	UserStatusActive      = "active"
	UserStatusInactive    = "inactive"
	UserStatusProspective = "prospective"
)

// ClientProfileStatusProspective is the status of a profile created by
// promotion, before the client has engaged.
const ClientProfileStatusProspective = "prospective"

// Reference links a candidate field to another imported record by external
// id. It is resolved through the lookup caches before the write.
type Reference struct {
	Field      string     // column receiving the internal id, e.g. "person_id"
	Entity     EntityKind // entity kind of the referenced record
	ExternalID string
	Required   bool // unresolvable required references fail the record
}

// Candidate is a transformed record ready for upsert.
type Candidate struct {
	Entity     EntityKind
	ExternalID string
	Fields     map[string]any
	Refs       []Reference
	Meta       ImportMetadata

	// Email and Name feed duplicate detection for users and people.
	Email string
	Name  string

	// PromoteField names the column that receives the promoted client's
	// user id once the person reference resolves (matters only).
	PromoteField string
}

// entityColumns whitelists writable columns per entity kind. Keys outside
// the list are rejected by the entity store.
var entityColumns = map[EntityKind][]string{
	EntityUser: {
		"email", "first_name", "last_name", "role", "status",
	},
	EntityPerson: {
		"first_name", "last_name", "email", "phone", "organization_name",
		"is_person", "street", "city", "state", "postal_code", "birthdate",
		"custom_fields",
	},
	EntityMatter: {
		"title", "description", "status", "stage", "practice_area",
		"estimated_value", "opened_at", "closed_at", "person_id",
		"client_user_id", "responsible_user_id", "custom_fields",
	},
	EntityNote: {
		"title", "body", "person_id", "matter_id", "author_user_id", "noted_at",
	},
	EntityActivity: {
		"kind", "description", "occurred_at", "person_id", "matter_id", "user_id",
	},
}

var entityTables = map[EntityKind]string{
	EntityUser:     "users",
	EntityPerson:   "people",
	EntityMatter:   "matters",
	EntityNote:     "notes",
	EntityActivity: "activities",
}

// Table returns the table storing the entity kind.
func (k EntityKind) Table() string {
	return entityTables[k]
}

// Columns returns the writable columns for the entity kind.
func (k EntityKind) Columns() []string {
	return entityColumns[k]
}

// HasColumn reports whether column is writable for the entity kind.
func (k EntityKind) HasColumn(column string) bool {
	for _, c := range entityColumns[k] {
		if c == column {
			return true
		}
	}
	return false
}

// Existing is a stored record found by external id or email. Meta is nil
// for records created locally rather than imported.
type Existing struct {
	ID   string
	Meta *ImportMetadata
}

// Person is the slice of a stored person the identity promoter needs.
type Person struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	IsPerson  bool
	UserID    string          // empty until promoted
	Meta      *ImportMetadata // nil for people created locally
}

// ClientIdentity describes the login and profile created when a person is
// promoted. A non-empty UserID reuses that user instead of creating one.
type ClientIdentity struct {
	PersonID      string
	UserID        string
	Email         string
	FirstName     string
	LastName      string
	Role          string
	Status        string
	ProfileStatus string
	IntakeSource  string
}
