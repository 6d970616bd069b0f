// Package sqlite is the reference SQL document store: one relational table
// per collection holding the reserved columns plus a JSON blob with every
// other field, and a metadata table registering collection names.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/nullcms/server/internal/logger"
	"github.com/nullcms/server/internal/model"
	"github.com/nullcms/server/internal/storage/query"
)

var (
	_ model.StorageStrategy = (*Store)(nil)
	_ model.UniqueIndexer   = (*Store)(nil)
)

// Config contains embedded database parameters.
type Config struct {
	// Path is the database file location; parent directories are created on
	// Initialize.
	Path string
	// TablePrefix namespaces every table, defaulting to "cms".
	TablePrefix string
}

// Store implements the storage contract on an embedded SQLite database.
type Store struct {
	path        string
	prefix      string
	metaTable   string
	db          *sql.DB
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
		path:      cfg.Path,
		prefix:    prefix,
		metaTable: prefix + "_collections",
		logger:    log,
		now:       time.Now,
	}
}

// NewWithDB wires an existing database handle, bypassing Initialize's file
// handling. Used by tests.
func NewWithDB(db *sql.DB, prefix string, log *logger.Logger) *Store {
	s := New(Config{TablePrefix: prefix}, log)
	s.db = db
	s.initialized = true
	return s
}

// Initialize opens the database file, enables WAL journaling and creates the
// collection registry. Idempotent.
func (s *Store) Initialize(ctx context.Context) error {
	if s.initialized {
		return nil
	}

	if err := query.ValidateField(s.prefix); err != nil {
		return fmt.Errorf("invalid table prefix: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", s.path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return fmt.Errorf("failed to enable WAL: %w", err)
	}

	createMeta := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (name TEXT PRIMARY KEY, createdAt TEXT NOT NULL)",
		s.metaTable,
	)
	if _, err := db.ExecContext(ctx, createMeta); err != nil {
		db.Close()
		return fmt.Errorf("failed to create collections table: %w", err)
	}

	s.db = db
	s.initialized = true
	s.logger.Debug("sqlite store initialized", "path", s.path, "prefix", s.prefix)
	return nil
}

// Cleanup closes the database handle.
func (s *Store) Cleanup(_ context.Context) error {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}
	s.db = nil
	s.initialized = false
	return nil
}

func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	if err := s.ensureInitialized(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT name FROM %s ORDER BY name", s.metaTable))
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

	register := fmt.Sprintf("INSERT OR IGNORE INTO %s (name, createdAt) VALUES (?, ?)", s.metaTable)
	if _, err := s.db.ExecContext(ctx, register, name, model.FormatTime(s.now())); err != nil {
		return fmt.Errorf("failed to register collection: %w", err)
	}

	if len(initial) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insert := fmt.Sprintf("INSERT INTO %s (_id, _createdAt, _updatedAt, data) VALUES (?, ?, ?, ?)", table)
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
		if _, err := tx.ExecContext(ctx, insert, id, createdAt, updatedAt, data); err != nil {
			return fmt.Errorf("failed to insert initial document: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
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

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
		return fmt.Errorf("failed to drop table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE name = ?", s.metaTable), name); err != nil {
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

	insert := fmt.Sprintf("INSERT INTO %s (_id, _createdAt, _updatedAt, data) VALUES (?, ?, ?, ?)", table)
	if _, err := s.db.ExecContext(ctx, insert, id, now, now, data); err != nil {
		if isConstraintViolation(err) {
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

	// Single-_id queries bypass the compiler: a direct primary-key lookup.
	if id, ok := query.IDOnly(q, opts.Where); ok && opts.Skip == 0 {
		row := s.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT _id, _createdAt, _updatedAt, data FROM %s WHERE _id = ?", table), id)
		doc, err := scanDocument(row)
		if errors.Is(err, sql.ErrNoRows) {
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

	stmt := fmt.Sprintf("SELECT _id, _createdAt, _updatedAt, data FROM %s", table)
	if where != "" {
		stmt += " WHERE " + where
	}
	stmt += " ORDER BY " + orderBy
	stmt += c.LimitOffset(opts.Limit, opts.Skip)

	rows, err := s.db.QueryContext(ctx, stmt, c.Args()...)
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
		res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE _id = ?", table), id)
		if err != nil {
			return 0, fmt.Errorf("failed to delete document: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		return int(affected), nil
	}

	docs, err := s.Find(ctx, collection, q, model.FindOptions{})
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	del := fmt.Sprintf("DELETE FROM %s WHERE _id = ?", table)
	for _, doc := range docs {
		if _, err := tx.ExecContext(ctx, del, doc.ID()); err != nil {
			return 0, fmt.Errorf("failed to delete document: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
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
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	if count == 0 {
		return 0, nil
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", table)); err != nil {
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

	stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
	if where != "" {
		stmt += " WHERE " + where
	}

	var count int
	if err := s.db.QueryRowContext(ctx, stmt, c.Args()...).Scan(&count); err != nil {
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
		"CREATE UNIQUE INDEX IF NOT EXISTS uniq_%s_%s ON %s(json_extract(data, '$.%s'))",
		table, field, table, field,
	)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
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

func (s *Store) tableName(collection string) (string, error) {
	if err := query.ValidateField(collection); err != nil {
		return "", err
	}
	return s.prefix + "_" + collection, nil
}

// ensureTable lazily materializes a collection's table and its _updatedAt
// index, keeping default-order scans off a full sort.
func (s *Store) ensureTable(ctx context.Context, collection string) (string, error) {
	table, err := s.tableName(collection)
	if err != nil {
		return "", err
	}

	create := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (_id TEXT PRIMARY KEY, _createdAt TEXT NOT NULL, _updatedAt TEXT NOT NULL, data JSON NOT NULL)",
		table,
	)
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return "", fmt.Errorf("failed to create table: %w", err)
	}

	index := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_updated_at ON %s(_updatedAt)", table, table)
	if _, err := s.db.ExecContext(ctx, index); err != nil {
		return "", fmt.Errorf("failed to create index: %w", err)
	}
	return table, nil
}

// updateMatching rewrites every document matching q inside one transaction:
// a targeted UPDATE per row, never delete-and-reinsert.
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	update := fmt.Sprintf("UPDATE %s SET _updatedAt = ?, data = ? WHERE _id = ?", table)
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
		if _, err := tx.ExecContext(ctx, update, now, data, existing.ID()); err != nil {
			return 0, fmt.Errorf("failed to update document: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit updates: %w", err)
	}
	return len(docs), nil
}

func dialect() query.Dialect {
	return query.Dialect{
		Placeholder: func(int) string { return "?" },
		Column: func(field string) string {
			if model.IsReservedField(field) {
				return field
			}
			return "json_extract(data, '$." + field + "')"
		},
		BindValue: func(_ string, v any) (any, error) {
			return bindValue(v)
		},
	}
}

// bindValue prepares a value for the driver: timestamps become the persisted
// textual format, primitives pass through, composites are bound as JSON text.
func bindValue(v any) (any, error) {
	switch val := model.NormalizeTimes(v).(type) {
	case nil, string, bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64, []byte:
		return val, nil
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	}
}

func encodeData(doc model.Document) (string, error) {
	raw, err := json.Marshal(model.NormalizeTimes(doc.Fields()))
	if err != nil {
		return "", fmt.Errorf("failed to serialize document data: %w", err)
	}
	return string(raw), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (model.Document, error) {
	var id, createdAt, updatedAt, data string
	if err := row.Scan(&id, &createdAt, &updatedAt, &data); err != nil {
		return nil, err
	}

	doc := model.Document{}
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse stored document data: %w", err)
	}
	doc[model.FieldID] = id
	doc[model.FieldCreatedAt] = createdAt
	doc[model.FieldUpdatedAt] = updatedAt
	return doc, nil
}

func scanDocuments(rows *sql.Rows) ([]model.Document, error) {
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

func isConstraintViolation(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint
}
