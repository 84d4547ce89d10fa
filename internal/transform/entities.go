package transform

import (
	"strconv"
	"strings"

	"github.com/sells-group/crm-import/internal/model"
	"github.com/sells-group/crm-import/pkg/crm"
)

// Relationship names on CRM resources.
const (
	relContact  = "contact"
	relProspect = "prospect"
	relAssignee = "assignee"
	relAuthor   = "author"
	relUser     = "user"
)

// User maps a CRM user onto an internal staff user. Users without a usable
// email are skipped: the login identity needs one.
func (t Transformer) User(r crm.Resource, runID string) (model.Candidate, error) {
	c, err := t.candidate(model.EntityUser, r, runID)
	if err != nil {
		return c, err
	}
	var a crm.UserAttributes
	if err := r.Decode(&a); err != nil {
		return c, invalid("attributes", err.Error())
	}

	email := CleanEmail(a.Email)
	if email == "" {
		return c, invalid("email", "user has no valid email")
	}

	c.Email = email
	c.Name = fullName(a.FirstName, a.LastName)
	c.Fields["email"] = email
	setString(c.Fields, "first_name", a.FirstName)
	setString(c.Fields, "last_name", a.LastName)
	c.Fields["role"] = userRole(a.Role)
	c.Fields["status"] = model.UserStatusActive
	if a.Active != nil && !*a.Active {
		c.Fields["status"] = model.UserStatusInactive
	}
	return c, nil
}

func userRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "admin", "administrator", "owner":
		return model.UserRoleAdmin
	default:
		return model.UserRoleStaff
	}
}

// Contact maps a CRM contact onto an internal person. Contacts without an
// email get a deterministic placeholder.
func (t Transformer) Contact(r crm.Resource, runID string) (model.Candidate, error) {
	c, err := t.candidate(model.EntityPerson, r, runID)
	if err != nil {
		return c, err
	}
	var a crm.ContactAttributes
	if err := r.Decode(&a); err != nil {
		return c, invalid("attributes", err.Error())
	}

	person := IsPerson(a)
	name := fullName(a.FirstName, a.LastName)
	org := strings.TrimSpace(a.CompanyName)
	if name == "" && org == "" {
		return c, invalid("name", "contact has neither a name nor a company name")
	}

	email := CleanEmail(a.Email)
	if email == "" {
		email = PlaceholderEmail(t.Source, c.ExternalID)
	}

	c.Email = email
	c.Name = name
	if c.Name == "" {
		c.Name = org
	}

	c.Fields["email"] = email
	c.Fields["is_person"] = person
	if person {
		setString(c.Fields, "first_name", a.FirstName)
		setString(c.Fields, "last_name", a.LastName)
		setString(c.Fields, "organization_name", org)
	} else {
		if org == "" {
			org = name
		}
		c.Fields["organization_name"] = org
	}
	setString(c.Fields, "phone", a.Phone)

	addr := ParseAddress(a.Address)
	setString(c.Fields, "street", addr.Street)
	setString(c.Fields, "city", addr.City)
	setString(c.Fields, "state", addr.State)
	setString(c.Fields, "postal_code", addr.PostalCode)

	if d := ParseDate(a.Birthdate); d != nil {
		c.Fields["birthdate"] = *d
	}
	if cf := CustomFields(a.CustomFields); len(cf) > 0 {
		c.Fields["custom_fields"] = cf
	}
	return c, nil
}

// Prospect maps a CRM prospect onto an internal matter. The contact
// reference is required and its person is promoted to a client.
func (t Transformer) Prospect(r crm.Resource, runID string) (model.Candidate, error) {
	c, err := t.candidate(model.EntityMatter, r, runID)
	if err != nil {
		return c, err
	}
	var a crm.ProspectAttributes
	if err := r.Decode(&a); err != nil {
		return c, invalid("attributes", err.Error())
	}

	title := strings.TrimSpace(a.Title)
	if title == "" {
		title = strings.TrimSpace(a.Name)
	}
	if title == "" {
		return c, invalid("title", "prospect has no title")
	}
	if !ref(&c, r, relContact, "person_id", model.EntityPerson, true) {
		return c, invalid(relContact, "prospect has no contact")
	}
	ref(&c, r, relAssignee, "responsible_user_id", model.EntityUser, false)
	c.PromoteField = "client_user_id"
	c.Name = title

	c.Fields["title"] = title
	setString(c.Fields, "description", a.Description)
	c.Fields["status"] = "open"
	setString(c.Fields, "status", strings.ToLower(a.Status))
	setString(c.Fields, "stage", a.Stage)
	setString(c.Fields, "practice_area", a.PracticeArea)
	if v, ok := ParseAmount(a.EstimatedValue); ok {
		c.Fields["estimated_value"] = v
	}

	opened := ParseDate(a.OpenedAt)
	if opened == nil {
		opened = ParseDate(a.CreatedAt)
	}
	if opened != nil {
		c.Fields["opened_at"] = *opened
	}
	if d := ParseDate(a.ClosedAt); d != nil {
		c.Fields["closed_at"] = *d
	}
	if cf := CustomFields(a.CustomFields); len(cf) > 0 {
		c.Fields["custom_fields"] = cf
	}
	return c, nil
}

// Note maps a CRM note. It must attach to a contact or a prospect; when
// only one is linked that link is required.
func (t Transformer) Note(r crm.Resource, runID string) (model.Candidate, error) {
	c, err := t.candidate(model.EntityNote, r, runID)
	if err != nil {
		return c, err
	}
	var a crm.NoteAttributes
	if err := r.Decode(&a); err != nil {
		return c, invalid("attributes", err.Error())
	}

	body := strings.TrimSpace(a.Body)
	if body == "" {
		return c, invalid("body", "note is empty")
	}
	if err := attach(&c, r); err != nil {
		return c, err
	}
	ref(&c, r, relAuthor, "author_user_id", model.EntityUser, false)

	setString(c.Fields, "title", a.Title)
	c.Fields["body"] = body
	if d := ParseDate(a.CreatedAt); d != nil {
		c.Fields["noted_at"] = *d
	}
	return c, nil
}

// Activity maps a timeline entry, attached like a note.
func (t Transformer) Activity(r crm.Resource, runID string) (model.Candidate, error) {
	c, err := t.candidate(model.EntityActivity, r, runID)
	if err != nil {
		return c, err
	}
	var a crm.ActivityAttributes
	if err := r.Decode(&a); err != nil {
		return c, invalid("attributes", err.Error())
	}

	kind := strings.ToLower(strings.TrimSpace(a.Kind))
	desc := strings.TrimSpace(a.Description)
	if kind == "" && desc == "" {
		return c, invalid("description", "activity has no type or description")
	}
	if kind == "" {
		kind = "other"
	}
	if err := attach(&c, r); err != nil {
		return c, err
	}
	ref(&c, r, relUser, "user_id", model.EntityUser, false)

	c.Fields["kind"] = kind
	setString(c.Fields, "description", desc)
	occurred := ParseDate(a.OccurredAt)
	if occurred == nil {
		occurred = ParseDate(a.CreatedAt)
	}
	if occurred != nil {
		c.Fields["occurred_at"] = *occurred
	}
	return c, nil
}

func attach(c *model.Candidate, r crm.Resource) error {
	contact := r.Related(relContact)
	prospect := r.Related(relProspect)
	if contact == "" && prospect == "" {
		return invalid(relContact, "record is not linked to a contact or prospect")
	}
	both := contact != "" && prospect != ""
	ref(c, r, relContact, "person_id", model.EntityPerson, !both)
	ref(c, r, relProspect, "matter_id", model.EntityMatter, !both)
	return nil
}

// ParseAmount reads a money value sent as a number or a formatted string
// such as "$1,250.00".
func ParseAmount(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case string:
		s := strings.NewReplacer("$", "", ",", "", " ", "").Replace(strings.TrimSpace(x))
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
