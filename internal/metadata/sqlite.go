package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/service-tip-git/attachments/pkg/errors"
	"github.com/service-tip-git/attachments/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS attachments (
	tenant TEXT NOT NULL DEFAULT '',
	entity TEXT NOT NULL,
	id     TEXT NOT NULL,
	up_id  TEXT NOT NULL DEFAULT '',
	url    TEXT NOT NULL DEFAULT '',
	note   TEXT NOT NULL DEFAULT '',
	fields TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (tenant, entity, id)
);
CREATE INDEX IF NOT EXISTS attachments_up_id ON attachments (tenant, entity, up_id);
`

// SQLiteStore is a MetadataStore backed by one SQLite table. Drafts live in the same
// table under their ".drafts" entity name.
type SQLiteStore struct {
	registry
	db *sql.DB
}

var _ types.MetadataStore = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the database at dsn and registers entities.
func OpenSQLite(ctx context.Context, dsn string, entities ...string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "failed to open metadata database", err).
			WithComponent("metadata")
	}
	// One connection keeps ":memory:" databases shared between queries.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.ErrCodeMetadataWriteFailed, "failed to create metadata schema", err).
			WithComponent("metadata")
	}

	s := &SQLiteStore{db: db}
	s.register(entities...)
	return s, nil
}

// RegisterEntity adds entities and their drafts variants.
func (s *SQLiteStore) RegisterEntity(names ...string) { s.register(names...) }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Get(ctx context.Context, tenant, entity, id string) (*types.Attachment, error) {
	if err := s.check(entity); err != nil {
		return nil, err
	}
	var (
		a      = types.Attachment{ID: id}
		fields string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT up_id, url, note, fields FROM attachments WHERE tenant = ? AND entity = ? AND id = ?`,
		tenant, entity, id).
		Scan(&a.UpID, &a.URL, &a.Note, &fields)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, readError(tenant, entity, id, err)
	}
	if err := decodeFields(fields, &a); err != nil {
		return nil, readError(tenant, entity, id, err)
	}
	return &a, nil
}

func (s *SQLiteStore) Put(ctx context.Context, tenant, entity string, a types.Attachment) error {
	if err := s.check(entity); err != nil {
		return err
	}
	fields, err := encodeFields(a.Fields)
	if err != nil {
		return writeError(tenant, entity, a.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO attachments (tenant, entity, id, up_id, url, note, fields) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant, entity, id) DO UPDATE SET
			up_id = excluded.up_id, url = excluded.url, note = excluded.note, fields = excluded.fields`,
		tenant, entity, a.ID, a.UpID, a.URL, a.Note, fields)
	if err != nil {
		return writeError(tenant, entity, a.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateNote(ctx context.Context, tenant, entity, id, note string) error {
	if err := s.check(entity); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE attachments SET note = ? WHERE tenant = ? AND entity = ? AND id = ?`, note, tenant, entity, id)
	if err != nil {
		return writeError(tenant, entity, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound(tenant, entity, id)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, tenant, entity, id string) error {
	if err := s.check(entity); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM attachments WHERE tenant = ? AND entity = ? AND id = ?`, tenant, entity, id)
	if err != nil {
		return writeError(tenant, entity, id, err)
	}
	return nil
}

func (s *SQLiteStore) URLs(ctx context.Context, tenant, entity string, filter types.Filter) ([]types.URLRef, error) {
	if err := s.check(entity); err != nil {
		return nil, err
	}

	query := `SELECT url FROM attachments WHERE tenant = ? AND entity = ? AND url <> ''`
	args := []interface{}{tenant, entity}
	if filter.UpID != "" {
		query += ` AND up_id = ?`
		args = append(args, filter.UpID)
	}
	if len(filter.IDs) > 0 {
		query += ` AND id IN (?` + strings.Repeat(`, ?`, len(filter.IDs)-1) + `)`
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, readError(tenant, entity, "", err)
	}
	defer rows.Close()

	var refs []types.URLRef
	for rows.Next() {
		var ref types.URLRef
		if err := rows.Scan(&ref.URL); err != nil {
			return nil, readError(tenant, entity, "", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, readError(tenant, entity, "", err)
	}
	return refs, nil
}

func encodeFields(fields map[string]string) (string, error) {
	if len(fields) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(fields)
	return string(data), err
}

func decodeFields(raw string, a *types.Attachment) error {
	if raw == "" || raw == "{}" {
		return nil
	}
	return json.Unmarshal([]byte(raw), &a.Fields)
}

func writeError(tenant, entity, id string, err error) error {
	return errors.Wrap(errors.ErrCodeMetadataWriteFailed, "failed to write attachment metadata", err).
		WithComponent("metadata").
		WithTarget(entity).
		WithContext("tenant", tenant).
		WithContext("id", id)
}

func readError(tenant, entity, id string, err error) error {
	e := errors.Wrap(errors.ErrCodeInternalError, "failed to read attachment metadata", err).
		WithComponent("metadata").
		WithTarget(entity).
		WithContext("tenant", tenant)
	if id != "" {
		e = e.WithContext("id", id)
	}
	return e
}
