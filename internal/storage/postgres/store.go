// Package postgres implements the storage contract on PostgreSQL: one table
// per collection with the reserved columns plus a JSONB data column, queried
// through jsonb operators.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nullcms/server/internal/logger"
	"github.com/nullcms/server/internal/model"
	"github.com/nullcms/server/internal/storage/query"
)

var (
	_ model.StorageStrategy = (*Store)(nil)
	_ model.UniqueIndexer   = (*Store)(nil)
)

// uniqueViolation is the PostgreSQL error code for unique constraint
// violations.
const uniqueViolation = "23505"

// Config contains connection parameters.
type Config struct {
	DSN         string
	TablePrefix string
}

// Store implements the storage contract on a pgx connection pool.
type Store struct {
	dsn         string
	prefix      string
	metaTable   string
	conn        *Connection
	initialized bool
	logger      *logger.Logger

	now func() time.Time
}

// New creates an uninitialized store.
func New(cfg Config, log *logger.Logger) *Store {
	prefix := cfg.TablePrefix
	if prefix == "" {
		prefix = "cms"
	}
	return &Store{
		dsn:       cfg.DSN,
		prefix:    prefix,
		metaTable: prefix + "_collections",
		logger:    log,
		now:       time.Now,
	}
}

// Initialize connects the pool, applies migrations and makes sure the
// collection registry exists. Idempotent.
func (s *Store) Initialize(ctx context.Context) error {
	if s.initialized {
		return nil
	}

	if err := query.ValidateField(s.prefix); err != nil {
		return fmt.Errorf("invalid table prefix: %w", err)
	}

	conn, err := NewConnection(ctx, s.dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}

	// Migrations create the registry for the default prefix; a custom prefix
	// gets its registry here.
	ensure := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (name TEXT PRIMARY KEY, created_at TEXT NOT NULL)",
		quoteIdent(s.metaTable),
	)
	if _, err := conn.Exec(ctx, ensure); err != nil {
		conn.Close()
		return fmt.Errorf("failed to create collections table: %w", err)
	}

	s.conn = conn
	s.initialized = true
	s.logger.Debug("postgres store initialized", "prefix", s.prefix)
	return nil
}

// Cleanup closes the connection pool.
func (s *Store) Cleanup(_ context.Context) error {
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = nil
	s.initialized = false
	return nil
}

func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	if err := s.ensureInitialized(); err != nil {
		return nil, err
	}

	rows, err := s.conn.Query(ctx, fmt.Sprintf("SELECT name FROM %s ORDER BY name", quoteIdent(s.metaTable)))
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan collection name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return names, nil
}

func (s *Store) CreateCollection(ctx context.Context, name string, initial []model.Document) error {
	if err := s.ensureInitialized(); err != nil {
		return err
	}
	table, err := s.ensureTable(ctx, name)
	if err != nil {
		return err
	}

	register := fmt.Sprintf(
		"INSERT INTO %s (name, created_at) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING",
		quoteIdent(s.metaTable),
	)
	if _, err := s.conn.Exec(ctx, register, name, model.FormatTime(s.now())); err != nil {
		return fmt.Errorf("failed to register collection: %w", err)
	}

	if len(initial) == 0 {
		return nil
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	insert := fmt.Sprintf(
		`INSERT INTO %s (_id, "_createdAt", "_updatedAt", data) VALUES ($1, $2, $3, $4)`, table)
	now := model.FormatTime(s.now())
	for _, doc := range initial {
		id := doc.ID()
		if id == "" {
			id = uuid.NewString()
		}
		createdAt := doc.CreatedAt()
		if createdAt == "" {
			createdAt = now
		}
		updatedAt := doc.UpdatedAt()
		if updatedAt == "" {
			updatedAt = now
		}
		data, err := encodeData(doc)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, insert, id, createdAt, updatedAt, data); err != nil {
			return fmt.Errorf("failed to insert initial document: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit initial documents: %w", err)
	}
	return nil
}

func (s *Store) GetCollection(ctx context.Context, name string) ([]model.Document, error) {
	return s.Find(ctx, name, nil, model.FindOptions{})
}

func (s *Store) RenameCollection(ctx context.Context, oldName, newName string) error {
	if err := s.ensureInitialized(); err != nil {
		return err
	}

	docs, err := s.GetCollection(ctx, oldName)
	if err != nil {
		return fmt.Errorf("failed to read collection %q: %w", oldName, err)
	}
	if err := s.CreateCollection(ctx, newName, docs); err != nil {
		return fmt.Errorf("failed to create collection %q: %w", newName, err)
	}
	return s.RemoveCollection(ctx, oldName)
}

func (s *Store) RemoveCollection(ctx context.Context, name string) error {
	if err := s.ensureInitialized(); err != nil {
		return err
	}
	table, err := s.tableName(name)
	if err != nil {
		return err
	}

	if _, err := s.conn.Exec(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return fmt.Errorf("failed to drop table: %w", err)
	}
	deregister := fmt.Sprintf("DELETE FROM %s WHERE name = $1", quoteIdent(s.metaTable))
	if _, err := s.conn.Exec(ctx, deregister, name); err != nil {
		return fmt.Errorf("failed to deregister collection: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, collection string, doc model.Document) (model.Document, error) {
	if err := s.ensureInitialized(); err != nil {
		return nil, err
	}
	table, err := s.ensureTable(ctx, collection)
	if err != nil {
		return nil, err
	}

	id := doc.ID()
	if id == "" {
		id = uuid.NewString()
	}
	now := model.FormatTime(s.now())
	stored := model.NormalizeTimes(doc.Fields()).(model.Document)
	data, err := encodeData(stored)
	if err != nil {
		return nil, err
	}

	insert := fmt.Sprintf(
		`INSERT INTO %s (_id, "_createdAt", "_updatedAt", data) VALUES ($1, $2, $3, $4)`, table)
	if _, err := s.conn.Exec(ctx, insert, id, now, now, data); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert into %q: %w", collection, model.ErrDuplicate)
		}
		return nil, fmt.Errorf("failed to insert document: %w", err)
	}

	stored[model.FieldID] = id
	stored[model.FieldCreatedAt] = now
	stored[model.FieldUpdatedAt] = now
	return stored, nil
}

func (s *Store) Find(ctx context.Context, collection string, q model.Query, opts model.FindOptions) ([]model.Document, error) {
	if err := s.ensureInitialized(); err != nil {
		return nil, err
	}
	table, err := s.ensureTable(ctx, collection)
	if err != nil {
		return nil, err
	}

	if id, ok := query.IDOnly(q, opts.Where); ok && opts.Skip == 0 {
		row := s.conn.QueryRow(ctx, selectClause(table)+" WHERE _id = $1", id)
		doc, err := scanDocument(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []model.Document{doc}, nil
	}

	c := query.New(dialect())
	where, err := c.Where(q, opts.Where)
	if err != nil {
		return nil, err
	}
	orderBy, err := c.OrderBy(opts.OrderBy)
	if err != nil {
		return nil, err
	}

	stmt := selectClause(table)
	if where != "" {
		stmt += " WHERE " + where
	}
	stmt += " ORDER BY " + orderBy
	stmt += c.LimitOffset(opts.Limit, opts.Skip)

	rows, err := s.conn.Query(ctx, stmt, c.Args()...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	return scanDocuments(rows)
}

func (s *Store) FindOne(ctx context.Context, collection string, q model.Query) (model.Document, error) {
	docs, err := s.Find(ctx, collection, q, model.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, model.ErrNotFound
	}
	return docs[0], nil
}

// Update replaces the field content of every matching document while
// preserving _id and _createdAt, in one transaction.
func (s *Store) Update(ctx context.Context, collection string, q model.Query, data model.Document) (int, error) {
	replacement := model.NormalizeTimes(data.Fields()).(model.Document)
	return s.updateMatching(ctx, collection, q, func(model.Document) (model.Document, error) {
		return replacement, nil
	})
}

// UpdatePartial merges patch into every matching document's existing fields.
func (s *Store) UpdatePartial(ctx context.Context, collection string, q model.Query, patch model.Document) (int, error) {
	normalized := model.NormalizeTimes(patch.Fields()).(model.Document)
	return s.updateMatching(ctx, collection, q, func(existing model.Document) (model.Document, error) {
		merged := existing.Fields()
		for k, v := range normalized {
			merged[k] = v
		}
		return merged, nil
	})
}

func (s *Store) Delete(ctx context.Context, collection string, q model.Query) (int, error) {
	if err := s.ensureInitialized(); err != nil {
		return 0, err
	}
	table, err := s.ensureTable(ctx, collection)
	if err != nil {
		return 0, err
	}

	if id, ok := query.IDOnly(q, nil); ok {
		tag, err := s.conn.Exec(ctx, "DELETE FROM "+table+" WHERE _id = $1", id)
		if err != nil {
			return 0, fmt.Errorf("failed to delete document: %w", err)
		}
		return int(tag.RowsAffected()), nil
	}

	docs, err := s.Find(ctx, collection, q, model.FindOptions{})
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, doc := range docs {
		if _, err := tx.Exec(ctx, "DELETE FROM "+table+" WHERE _id = $1", doc.ID()); err != nil {
			return 0, fmt.Errorf("failed to delete document: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit deletes: %w", err)
	}
	return len(docs), nil
}

func (s *Store) DeleteAll(ctx context.Context, collection string) (int, error) {
	if err := s.ensureInitialized(); err != nil {
		return 0, err
	}
	table, err := s.ensureTable(ctx, collection)
	if err != nil {
		return 0, err
	}

	var count int
	if err := s.conn.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	if count == 0 {
		return 0, nil
	}
	if _, err := s.conn.Exec(ctx, "DELETE FROM "+table); err != nil {
		return 0, fmt.Errorf("failed to delete documents: %w", err)
	}
	return count, nil
}

func (s *Store) Count(ctx context.Context, collection string, q model.Query) (int, error) {
	if err := s.ensureInitialized(); err != nil {
		return 0, err
	}
	table, err := s.ensureTable(ctx, collection)
	if err != nil {
		return 0, err
	}

	c := query.New(dialect())
	where, err := c.Where(q, nil)
	if err != nil {
		return 0, err
	}

	stmt := "SELECT COUNT(*) FROM " + table
	if where != "" {
		stmt += " WHERE " + where
	}

	var count int
	if err := s.conn.QueryRow(ctx, stmt, c.Args()...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return count, nil
}

func (s *Store) GetSingleton(ctx context.Context, name string) (model.Document, error) {
	if err := s.ensureInitialized(); err != nil {
		return nil, err
	}

	doc, err := s.FindOne(ctx, model.SingletonCollection, model.Query{model.FieldID: name})
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	// Lazily materialize an empty stub.
	return s.Insert(ctx, model.SingletonCollection, model.Document{model.FieldID: name})
}

func (s *Store) UpdateSingleton(ctx context.Context, name string, data model.Document) (model.Document, error) {
	if err := s.ensureInitialized(); err != nil {
		return nil, err
	}

	_, err := s.FindOne(ctx, model.SingletonCollection, model.Query{model.FieldID: name})
	if errors.Is(err, model.ErrNotFound) {
		doc := data.Clone()
		doc[model.FieldID] = name
		return s.Insert(ctx, model.SingletonCollection, doc)
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.Update(ctx, model.SingletonCollection, model.Query{model.FieldID: name}, data); err != nil {
		return nil, err
	}
	return s.FindOne(ctx, model.SingletonCollection, model.Query{model.FieldID: name})
}

// EnsureUniqueIndex enforces uniqueness of a document field with an
// expression index, making Insert report ErrDuplicate on violation.
func (s *Store) EnsureUniqueIndex(ctx context.Context, collection, field string) error {
	if err := s.ensureInitialized(); err != nil {
		return err
	}
	table, err := s.ensureTable(ctx, collection)
	if err != nil {
		return err
	}
	if err := query.ValidateField(field); err != nil {
		return err
	}

	stmt := fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s((data->'%s'))",
		quoteIdent(fmt.Sprintf("uniq_%s_%s_%s", s.prefix, collection, field)), table, field,
	)
	if _, err := s.conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create unique index: %w", err)
	}
	return nil
}

func (s *Store) ensureInitialized() error {
	if !s.initialized {
		return model.ErrNotInitialized
	}
	return nil
}

// tableName returns the quoted, prefix-namespaced table identifier for a
// validated collection name.
func (s *Store) tableName(collection string) (string, error) {
	if err := query.ValidateField(collection); err != nil {
		return "", err
	}
	return quoteIdent(s.prefix + "_" + collection), nil
}

func (s *Store) ensureTable(ctx context.Context, collection string) (string, error) {
	table, err := s.tableName(collection)
	if err != nil {
		return "", err
	}

	create := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (_id TEXT PRIMARY KEY, "_createdAt" TEXT NOT NULL, "_updatedAt" TEXT NOT NULL, data JSONB NOT NULL)`,
		table,
	)
	if _, err := s.conn.Exec(ctx, create); err != nil {
		return "", fmt.Errorf("failed to create table: %w", err)
	}

	index := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON %s("_updatedAt")`,
		quoteIdent(fmt.Sprintf("idx_%s_%s_updated_at", s.prefix, collection)), table,
	)
	if _, err := s.conn.Exec(ctx, index); err != nil {
		return "", fmt.Errorf("failed to create index: %w", err)
	}
	return table, nil
}

func (s *Store) updateMatching(ctx context.Context, collection string, q model.Query, next func(existing model.Document) (model.Document, error)) (int, error) {
	if err := s.ensureInitialized(); err != nil {
		return 0, err
	}
	table, err := s.ensureTable(ctx, collection)
	if err != nil {
		return 0, err
	}

	docs, err := s.Find(ctx, collection, q, model.FindOptions{})
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	update := fmt.Sprintf(`UPDATE %s SET "_updatedAt" = $1, data = $2 WHERE _id = $3`, table)
	now := model.FormatTime(s.now())
	for _, existing := range docs {
		fields, err := next(existing)
		if err != nil {
			return 0, err
		}
		data, err := encodeData(fields)
		if err != nil {
			return 0, err
		}
		if _, err := tx.Exec(ctx, update, now, data, existing.ID()); err != nil {
			return 0, fmt.Errorf("failed to update document: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit updates: %w", err)
	}
	return len(docs), nil
}

// dialect compiles document queries against the jsonb data column. Values for
// non-reserved fields are bound as JSON text and cast to jsonb, so typed
// comparison happens inside Postgres.
func dialect() query.Dialect {
	return query.Dialect{
		Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		Column: func(field string) string {
			if model.IsReservedField(field) {
				return quoteIdent(field)
			}
			return "(data->'" + field + "')"
		},
		BindValue: func(field string, v any) (any, error) {
			v = model.NormalizeTimes(v)
			if model.IsReservedField(field) {
				return v, nil
			}
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			return string(raw), nil
		},
		WrapPlaceholder: func(field, marker string) string {
			if model.IsReservedField(field) {
				return marker
			}
			return marker + "::jsonb"
		},
	}
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

func selectClause(table string) string {
	return `SELECT _id, "_createdAt", "_updatedAt", data FROM ` + table
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (model.Document, error) {
	var id, createdAt, updatedAt string
	var data []byte
	if err := row.Scan(&id, &createdAt, &updatedAt, &data); err != nil {
		return nil, err
	}

	doc := model.Document{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse stored document data: %w", err)
	}
	doc[model.FieldID] = id
	doc[model.FieldCreatedAt] = createdAt
	doc[model.FieldUpdatedAt] = updatedAt
	return doc, nil
}

func scanDocuments(rows pgx.Rows) ([]model.Document, error) {
	var docs []model.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

func encodeData(doc model.Document) ([]byte, error) {
	raw, err := json.Marshal(model.NormalizeTimes(doc.Fields()))
	if err != nil {
		return nil, fmt.Errorf("failed to serialize document data: %w", err)
	}
	return raw, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
