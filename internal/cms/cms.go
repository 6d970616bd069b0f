// Package cms is the facade consumed by the transport layer: it gates every
// operation on the active schema and delegates persistence to the storage
// strategy. Expected lookup misses come back as nil results, not errors.
package cms

import (
	"context"
	"errors"
	"fmt"

	"github.com/nullcms/server/internal/auth"
	"github.com/nullcms/server/internal/logger"
	"github.com/nullcms/server/internal/model"
)

var (
	ErrCollectionNotInSchema = errors.New("collection not declared in schema")
	ErrSingletonNotInSchema  = errors.New("singleton not declared in schema")
)

// CMS orchestrates schema validation, storage, and auth behind one handle.
type CMS struct {
	schema  Schema
	storage model.StorageStrategy
	auth    *auth.Service
	logger  *logger.Logger

	initialized bool
}

func New(schema Schema, storage model.StorageStrategy, authSvc *auth.Service, log *logger.Logger) *CMS {
	return &CMS{
		schema:  schema,
		storage: storage,
		auth:    authSvc,
		logger:  log,
	}
}

// Initialize brings up storage, registers every schema-declared collection,
// touches singletons into existence, and initializes auth.
func (c *CMS) Initialize(ctx context.Context) error {
	if c.initialized {
		return nil
	}

	if err := c.storage.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	for _, name := range c.schema.CollectionNames() {
		if err := c.storage.CreateCollection(ctx, name, nil); err != nil {
			return fmt.Errorf("failed to create collection %q: %w", name, err)
		}
	}
	for _, name := range c.schema.SingletonNames() {
		if _, err := c.storage.GetSingleton(ctx, name); err != nil {
			return fmt.Errorf("failed to materialize singleton %q: %w", name, err)
		}
	}

	if err := c.auth.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize auth: %w", err)
	}

	c.initialized = true
	c.logger.Info("cms initialized",
		"collections", len(c.schema.Collections),
		"singletons", len(c.schema.Singletons),
	)
	return nil
}

// Shutdown releases the storage backend.
func (c *CMS) Shutdown(ctx context.Context) error {
	c.initialized = false
	if err := c.storage.Cleanup(ctx); err != nil {
		return fmt.Errorf("failed to clean up storage: %w", err)
	}
	return nil
}

// Auth exposes the auth subsystem sharing this CMS's storage.
func (c *CMS) Auth() *auth.Service {
	return c.auth
}

// GetCollections lists the schema-declared collection names.
func (c *CMS) GetCollections() []string {
	return c.schema.CollectionNames()
}

func (c *CMS) GetCollectionSchema(name string) (CollectionSchema, error) {
	schema, ok := c.schema.Collections[name]
	if !ok {
		return CollectionSchema{}, fmt.Errorf("%q: %w", name, ErrCollectionNotInSchema)
	}
	return schema, nil
}

// GetCollectionDocuments pages through a collection's documents.
func (c *CMS) GetCollectionDocuments(ctx context.Context, name string, opts model.FindOptions) ([]model.Document, error) {
	if err := c.checkCollection(name); err != nil {
		return nil, err
	}
	return c.storage.Find(ctx, name, nil, opts)
}

// GetDocument returns a document by id, or nil when it does not exist.
func (c *CMS) GetDocument(ctx context.Context, name, id string) (model.Document, error) {
	if err := c.checkCollection(name); err != nil {
		return nil, err
	}

	doc, err := c.storage.FindOne(ctx, name, model.Query{model.FieldID: id})
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *CMS) CreateDocument(ctx context.Context, name string, data model.Document) (model.Document, error) {
	if err := c.checkCollection(name); err != nil {
		return nil, err
	}
	return c.storage.Insert(ctx, name, data)
}

// UpdateDocument replaces a document's content by id, returning the stored
// result or nil when no such document exists.
func (c *CMS) UpdateDocument(ctx context.Context, name, id string, data model.Document) (model.Document, error) {
	if err := c.checkCollection(name); err != nil {
		return nil, err
	}

	count, err := c.storage.Update(ctx, name, model.Query{model.FieldID: id}, data)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	return c.GetDocument(ctx, name, id)
}

// DeleteDocument removes a document by id, reporting whether it existed.
func (c *CMS) DeleteDocument(ctx context.Context, name, id string) (bool, error) {
	if err := c.checkCollection(name); err != nil {
		return false, err
	}

	count, err := c.storage.Delete(ctx, name, model.Query{model.FieldID: id})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CountDocuments counts documents matching q.
func (c *CMS) CountDocuments(ctx context.Context, name string, q model.Query) (int, error) {
	if err := c.checkCollection(name); err != nil {
		return 0, err
	}
	return c.storage.Count(ctx, name, q)
}

// GetSingletons lists the schema-declared singleton names.
func (c *CMS) GetSingletons() []string {
	return c.schema.SingletonNames()
}

func (c *CMS) GetSingletonSchema(name string) (SingletonSchema, error) {
	schema, ok := c.schema.Singletons[name]
	if !ok {
		return SingletonSchema{}, fmt.Errorf("%q: %w", name, ErrSingletonNotInSchema)
	}
	return schema, nil
}

func (c *CMS) GetSingleton(ctx context.Context, name string) (model.Document, error) {
	if err := c.checkSingleton(name); err != nil {
		return nil, err
	}
	return c.storage.GetSingleton(ctx, name)
}

func (c *CMS) UpdateSingleton(ctx context.Context, name string, data model.Document) (model.Document, error) {
	if err := c.checkSingleton(name); err != nil {
		return nil, err
	}
	return c.storage.UpdateSingleton(ctx, name, data)
}

func (c *CMS) checkCollection(name string) error {
	if _, ok := c.schema.Collections[name]; !ok {
		return fmt.Errorf("%q: %w", name, ErrCollectionNotInSchema)
	}
	return nil
}

func (c *CMS) checkSingleton(name string) error {
	if _, ok := c.schema.Singletons[name]; !ok {
		return fmt.Errorf("%q: %w", name, ErrSingletonNotInSchema)
	}
	return nil
}
