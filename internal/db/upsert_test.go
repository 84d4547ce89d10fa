package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertSQL(t *testing.T) {
	tests := []struct {
		name string
		cfg  InsertConfig
		want string
	}{
		{
			name: "plain",
			cfg:  InsertConfig{Table: "notes", Columns: []string{"id", "body"}},
			want: `INSERT INTO "notes" ("id", "body") VALUES ($1, $2)`,
		},
		{
			name: "conflict and returning",
			cfg: InsertConfig{
				Table:        "people",
				Columns:      []string{"id", "email", "import_external_id"},
				ConflictKeys: []string{"import_source", "import_external_id"},
				Returning:    "id",
			},
			want: `INSERT INTO "people" ("id", "email", "import_external_id") VALUES ($1, $2, $3) ON CONFLICT ("import_source", "import_external_id") DO NOTHING RETURNING "id"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InsertSQL(tt.cfg))
		})
	}
}

func TestUpdateSQL(t *testing.T) {
	got := UpdateSQL("crm.matters", []string{"title", "stage"}, "id")
	assert.Equal(t, `UPDATE "crm"."matters" SET "title" = $1, "stage" = $2 WHERE "id" = $3`, got)
}

func TestSplitFields_Sorted(t *testing.T) {
	cols, args := SplitFields(map[string]any{"title": "A", "body": "B", "author": nil})
	assert.Equal(t, []string{"author", "body", "title"}, cols)
	assert.Equal(t, []any{nil, "B", "A"}, args)
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"crm.people", `"crm"."people"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "migration_errors",
		Columns:      []string{"id", "message"},
		ConflictKeys: []string{"id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "migration_errors",
		ConflictKeys: []string{"id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:   "migration_errors",
		Columns: []string{"id", "message"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_CustomSet(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"id", "run_id", "message"}
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_migration_errors" \(LIKE "migration_errors" INCLUDING DEFAULTS\) ON COMMIT DROP`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_migration_errors"}, cols).WillReturnResult(2)
	mock.ExpectExec(`DELETE FROM "_tmp_upsert_migration_errors" a USING "_tmp_upsert_migration_errors" b WHERE a.ctid < b.ctid AND a."run_id" = b."run_id"`).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`ON CONFLICT \("run_id"\) DO UPDATE SET retry_count = migration_errors.retry_count \+ 1`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "migration_errors",
		Columns:      cols,
		ConflictKeys: []string{"run_id"},
		UpdateSet:    []string{"retry_count = migration_errors.retry_count + 1"},
	}, [][]any{{"1", "r", "a"}, {"2", "r", "b"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_DefaultSetAndCopyError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_crm_notes"}, []string{"id", "body"}).
		WillReturnError(errors.New("copy failed"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "crm.notes",
		Columns:      []string{"id", "body"},
		ConflictKeys: []string{"id"},
	}, [][]any{{"1", "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY into temp table for crm.notes")
	assert.NoError(t, mock.ExpectationsWereMet())
}
