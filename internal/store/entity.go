package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-import/internal/db"
	"github.com/sells-group/crm-import/internal/model"
)

// importKey is the unique constraint every entity table carries.
var importKey = []string{"import_source", "import_external_id"}

// EntityStore reads and writes imported records in Postgres. It implements
// the upsert, dedupe, and identity store ports.
type EntityStore struct {
	pool db.Pool
	now  func() time.Time
}

// NewEntityStore creates an EntityStore on pool.
func NewEntityStore(pool db.Pool) *EntityStore {
	return &EntityStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

func tableFor(kind model.EntityKind) (string, error) {
	t := kind.Table()
	if t == "" {
		return "", eris.Errorf("store: unknown entity kind %q", kind)
	}
	return t, nil
}

// columnValue encodes map and slice values as JSON for JSONB columns.
func columnValue(v any) (any, error) {
	switch v.(type) {
	case map[string]string, map[string]any, []string, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, eris.Wrap(err, "store: marshal column value")
		}
		return b, nil
	}
	return v, nil
}

// rowValues validates the fields for kind and returns sorted columns with
// their encoded values.
func rowValues(kind model.EntityKind, fields map[string]any) ([]string, []any, error) {
	cols, vals := db.SplitFields(fields)
	for i, c := range cols {
		if !kind.HasColumn(c) {
			return nil, nil, eris.Errorf("store: %s has no writable column %q", kind, c)
		}
		v, err := columnValue(vals[i])
		if err != nil {
			return nil, nil, err
		}
		vals[i] = v
	}
	return cols, vals, nil
}

func (s *EntityStore) ExistingByExternalID(ctx context.Context, kind model.EntityKind, source string, externalIDs []string) (map[string]model.Existing, error) {
	out := make(map[string]model.Existing, len(externalIDs))
	if len(externalIDs) == 0 {
		return out, nil
	}
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT import_external_id, id, import_metadata FROM %s
		WHERE import_source = $1 AND import_external_id = ANY($2)`, pgx.Identifier{table}.Sanitize()),
		source, externalIDs,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "store: load existing %s", kind)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ext, id string
			raw     []byte
		)
		if err := rows.Scan(&ext, &id, &raw); err != nil {
			return nil, eris.Wrapf(err, "store: scan existing %s", kind)
		}
		meta, err := model.ParseImportMetadata(raw, kind)
		if err != nil {
			return nil, eris.Wrapf(err, "store: %s %s", kind, id)
		}
		out[ext] = model.Existing{ID: id, Meta: meta}
	}
	return out, eris.Wrapf(rows.Err(), "store: load existing %s rows", kind)
}

// Insert creates the record unless (source, external id) already exists, in
// which case created is false and id is empty.
func (s *EntityStore) Insert(ctx context.Context, kind model.EntityKind, fields map[string]any, meta model.ImportMetadata) (string, bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return "", false, err
	}
	cols, vals, err := rowValues(kind, fields)
	if err != nil {
		return "", false, err
	}
	rawMeta, err := meta.Marshal()
	if err != nil {
		return "", false, err
	}

	id := uuid.New().String()
	cols = append([]string{"id"}, cols...)
	cols = append(cols, "import_metadata", "import_source", "import_external_id")
	args := append([]any{id}, vals...)
	args = append(args, rawMeta, meta.Source, meta.ExternalID)

	sql := db.InsertSQL(db.InsertConfig{
		Table:        table,
		Columns:      cols,
		ConflictKeys: importKey,
		Returning:    "id",
	})
	var got string
	err = s.pool.QueryRow(ctx, sql, args...).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrapf(err, "store: insert %s %s", kind, meta.ExternalID)
	}
	return got, true, nil
}

// Update writes fields and metadata to the record with id. The upsert key
// columns follow the metadata so adopted local records become imported ones.
func (s *EntityStore) Update(ctx context.Context, kind model.EntityKind, id string, fields map[string]any, meta model.ImportMetadata) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	cols, vals, err := rowValues(kind, fields)
	if err != nil {
		return err
	}
	rawMeta, err := meta.Marshal()
	if err != nil {
		return err
	}

	cols = append(cols, "import_metadata", "import_source", "import_external_id", "updated_at")
	args := append(vals, rawMeta, meta.Source, meta.ExternalID, s.now(), id)

	tag, err := s.pool.Exec(ctx, db.UpdateSQL(table, cols, "id"), args...)
	if err != nil {
		return eris.Wrapf(err, "store: update %s %s", kind, id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("store: update %s %s: no such record", kind, id)
	}
	return nil
}

func emailTable(kind model.EntityKind) (string, error) {
	if kind != model.EntityUser && kind != model.EntityPerson {
		return "", eris.Errorf("store: %s records have no email", kind)
	}
	return kind.Table(), nil
}

func (s *EntityStore) findOne(ctx context.Context, kind model.EntityKind, where string, arg string) (*model.Existing, error) {
	table, err := emailTable(kind)
	if err != nil {
		return nil, err
	}
	var (
		id  string
		raw []byte
	)
	err = s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT id, import_metadata FROM %s WHERE %s ORDER BY created_at, id LIMIT 1`,
			pgx.Identifier{table}.Sanitize(), where),
		arg,
	).Scan(&id, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: find %s by email", kind)
	}
	meta, err := model.ParseImportMetadata(raw, kind)
	if err != nil {
		return nil, eris.Wrapf(err, "store: %s %s", kind, id)
	}
	return &model.Existing{ID: id, Meta: meta}, nil
}

// FindByEmail returns the oldest user or person whose email matches
// exactly, or nil.
func (s *EntityStore) FindByEmail(ctx context.Context, kind model.EntityKind, email string) (*model.Existing, error) {
	return s.findOne(ctx, kind, "email = $1", email)
}

// FindByNormalizedEmail matches on the NFKC-normalized, lowercased, trimmed
// email.
func (s *EntityStore) FindByNormalizedEmail(ctx context.Context, kind model.EntityKind, normalized string) (*model.Existing, error) {
	return s.findOne(ctx, kind, "lower(btrim(normalize(email, NFKC))) = $1", normalized)
}

// GetPerson returns nil, nil when the person does not exist.
func (s *EntityStore) GetPerson(ctx context.Context, id string) (*model.Person, error) {
	var (
		p   model.Person
		raw []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, coalesce(email, ''), coalesce(first_name, ''), coalesce(last_name, ''), is_person, coalesce(user_id, ''), import_metadata
		FROM people WHERE id = $1`, id,
	).Scan(&p.ID, &p.Email, &p.FirstName, &p.LastName, &p.IsPerson, &p.UserID, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: get person %s", id)
	}
	if p.Meta, err = model.ParseImportMetadata(raw, model.EntityPerson); err != nil {
		return nil, eris.Wrapf(err, "store: person %s", id)
	}
	return &p, nil
}

// CreateClientIdentity links the person to a client user and profile in one
// transaction. The person row is locked first; a person already linked
// returns its user id unchanged.
func (s *EntityStore) CreateClientIdentity(ctx context.Context, ci model.ClientIdentity) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", eris.Wrap(err, "store: begin client identity")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var linked string
	err = tx.QueryRow(ctx, `SELECT coalesce(user_id, '') FROM people WHERE id = $1 FOR UPDATE`, ci.PersonID).Scan(&linked)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", eris.Errorf("store: person %s not found", ci.PersonID)
	}
	if err != nil {
		return "", eris.Wrapf(err, "store: lock person %s", ci.PersonID)
	}
	if linked != "" {
		return linked, tx.Commit(ctx)
	}

	uid := ci.UserID
	if uid == "" {
		err = tx.QueryRow(ctx,
			`INSERT INTO users (id, email, first_name, last_name, role, status)
			VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (email) DO NOTHING RETURNING id`,
			uuid.New().String(), ci.Email, ci.FirstName, ci.LastName, ci.Role, ci.Status,
		).Scan(&uid)
		if errors.Is(err, pgx.ErrNoRows) {
			err = tx.QueryRow(ctx, `SELECT id FROM users WHERE email = $1`, ci.Email).Scan(&uid)
		}
		if err != nil {
			return "", eris.Wrapf(err, "store: create client user for person %s", ci.PersonID)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO client_profiles (id, user_id, person_id, status, intake_source)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT (person_id) DO NOTHING`,
		uuid.New().String(), uid, ci.PersonID, ci.ProfileStatus, ci.IntakeSource,
	); err != nil {
		return "", eris.Wrapf(err, "store: create client profile for person %s", ci.PersonID)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE people SET user_id = $1, updated_at = $2 WHERE id = $3`,
		uid, s.now(), ci.PersonID,
	); err != nil {
		return "", eris.Wrapf(err, "store: link person %s", ci.PersonID)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", eris.Wrap(err, "store: commit client identity")
	}
	return uid, nil
}

// MarkLocallyModified adds fields to the record's protected set so later
// syncs leave them alone.
func (s *EntityStore) MarkLocallyModified(ctx context.Context, kind model.EntityKind, id string, fields ...string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	for _, f := range fields {
		if !kind.HasColumn(f) {
			return eris.Errorf("store: %s has no writable column %q", kind, f)
		}
	}
	quoted := pgx.Identifier{table}.Sanitize()

	var raw []byte
	err = s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT import_metadata FROM %s WHERE id = $1`, quoted), id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Errorf("store: %s %s not found", kind, id)
	}
	if err != nil {
		return eris.Wrapf(err, "store: load %s %s metadata", kind, id)
	}
	meta, err := model.ParseImportMetadata(raw, kind)
	if err != nil {
		return eris.Wrapf(err, "store: %s %s", kind, id)
	}
	if meta == nil {
		return eris.Errorf("store: %s %s was not imported", kind, id)
	}

	meta.MarkLocallyModified(fields...)
	b, err := meta.Marshal()
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET import_metadata = $1 WHERE id = $2`, quoted), b, id,
	); err != nil {
		return eris.Wrapf(err, "store: save %s %s metadata", kind, id)
	}
	return nil
}
