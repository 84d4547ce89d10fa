package crm

import (
	"bytes"
	"encoding/json"

	"github.com/rotisserie/eris"
)

// ID is a resource identifier. The API sends strings but some endpoints
// emit bare numbers, so both decode to the same value.
type ID string

// UnmarshalJSON accepts "123" and 123.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return eris.Wrapf(err, "crm: decode id %s", string(b))
	}
	*id = ID(n.String())
	return nil
}

// Resource is one record in a list response.
type Resource struct {
	ID            ID                      `json:"id"`
	Type          string                  `json:"type"`
	Attributes    json.RawMessage         `json:"attributes"`
	Relationships map[string]Relationship `json:"relationships,omitempty"`
}

// Decode unmarshals the resource attributes into v.
func (r Resource) Decode(v any) error {
	if len(r.Attributes) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Attributes, v); err != nil {
		return eris.Wrapf(err, "crm: decode %s %s attributes", r.Type, r.ID)
	}
	return nil
}

// Related returns the id of a to-one relationship, or "" when absent.
func (r Resource) Related(name string) string {
	rel, ok := r.Relationships[name]
	if !ok {
		return ""
	}
	ref, ok := rel.Ref()
	if !ok {
		return ""
	}
	return string(ref.ID)
}

// ResourceRef identifies a related resource.
type ResourceRef struct {
	ID   ID     `json:"id"`
	Type string `json:"type"`
}

// Relationship holds relationship linkage, which may be null, an object,
// or an array.
type Relationship struct {
	Data json.RawMessage `json:"data"`
}

// Ref returns the linked resource. For to-many linkage the first element is
// returned.
func (rel Relationship) Ref() (ResourceRef, bool) {
	data := bytes.TrimSpace(rel.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return ResourceRef{}, false
	}
	if data[0] == '[' {
		var refs []ResourceRef
		if err := json.Unmarshal(data, &refs); err != nil || len(refs) == 0 {
			return ResourceRef{}, false
		}
		return refs[0], refs[0].ID != ""
	}
	var ref ResourceRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return ResourceRef{}, false
	}
	return ref, ref.ID != ""
}

// Pagination is the normalized paging state of a list response.
type Pagination struct {
	CurrentPage int  `json:"current_page"`
	TotalPages  int  `json:"total_pages"`
	TotalCount  int  `json:"total_count"`
	PerPage     int  `json:"per_page"`
	HasMore     bool `json:"has_more"`
}

// Page is one fetched page of records.
type Page struct {
	Records    []Resource
	Pagination Pagination
}

// CustomFieldValue is a named custom field on a contact or prospect.
type CustomFieldValue struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// UserAttributes are the attributes of a staff user.
type UserAttributes struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	Active    *bool  `json:"active"`
}

// ContactAttributes are the attributes of a contact.
type ContactAttributes struct {
	FirstName    string             `json:"first_name"`
	LastName     string             `json:"last_name"`
	Email        string             `json:"email"`
	Phone        string             `json:"phone"`
	CompanyName  string             `json:"company_name"`
	ContactType  string             `json:"contact_type"`
	EntityType   string             `json:"entity_type"`
	IsCompany    *bool              `json:"is_company"`
	Address      string             `json:"address"`
	Birthdate    string             `json:"birthdate"`
	CustomFields []CustomFieldValue `json:"custom_fields"`
}

// ProspectAttributes are the attributes of a prospect (a potential matter).
type ProspectAttributes struct {
	Title          string             `json:"title"`
	Name           string             `json:"name"`
	Description    string             `json:"description"`
	Status         string             `json:"status"`
	Stage          string             `json:"stage"`
	PracticeArea   string             `json:"practice_area"`
	EstimatedValue any                `json:"estimated_value"`
	OpenedAt       string             `json:"opened_at"`
	ClosedAt       string             `json:"closed_at"`
	CreatedAt      string             `json:"created_at"`
	CustomFields   []CustomFieldValue `json:"custom_fields"`
}

// NoteAttributes are the attributes of a note.
type NoteAttributes struct {
	Title     string `json:"name"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
}

// ActivityAttributes are the attributes of a timeline entry.
type ActivityAttributes struct {
	Kind        string `json:"activity_type"`
	Description string `json:"description"`
	OccurredAt  string `json:"occurred_at"`
	CreatedAt   string `json:"created_at"`
}
