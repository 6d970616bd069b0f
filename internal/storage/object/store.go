// Package object implements the storage contract on S3-compatible object
// storage. Each collection is one JSON array object; queries are evaluated
// in memory after download. Suited to small content sets where the backing
// store is shared infrastructure rather than a database.
package object

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/nullcms/server/internal/logger"
	"github.com/nullcms/server/internal/model"
	"github.com/nullcms/server/internal/storage/docmatch"
	"github.com/nullcms/server/internal/storage/query"
)

var _ model.StorageStrategy = (*Store)(nil)

// registryObject is the key of the collection registry, relative to Prefix.
const registryObject = "collections.json"

// Config contains object storage connection parameters.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Prefix namespaces every object key, so several deployments can share
	// one bucket.
	Prefix string
}

// Internal adapter interface to enable mocking without a real MinIO server.
type minioAPI interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

// Wrapper to adapt *minio.Client to minioAPI.
type minioClientWrapper struct{ c *minio.Client }

func (w minioClientWrapper) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	return w.c.BucketExists(ctx, bucketName)
}
func (w minioClientWrapper) MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error {
	return w.c.MakeBucket(ctx, bucketName, opts)
}
func (w minioClientWrapper) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return w.c.PutObject(ctx, bucketName, objectName, reader, objectSize, opts)
}
func (w minioClientWrapper) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	obj, err := w.c.GetObject(ctx, bucketName, objectName, opts)
	if err != nil {
		return nil, err
	}
	return obj, nil
}
func (w minioClientWrapper) RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error {
	return w.c.RemoveObject(ctx, bucketName, objectName, opts)
}

// Store implements the storage contract over a bucket. Read-modify-write
// cycles are serialized with a process-local mutex; concurrent writers from
// separate processes are not coordinated.
type Store struct {
	cfg    Config
	api    minioAPI
	bucket string
	prefix string
	logger *logger.Logger

	mu          sync.Mutex
	initialized bool

	now func() time.Time
}

// New creates an uninitialized store.
func New(cfg Config, log *logger.Logger) *Store {
	return &Store{
		cfg:    cfg,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: log,
		now:    time.Now,
	}
}

// NewWithAPI allows injecting a mockable API (used in tests).
func NewWithAPI(api minioAPI, cfg Config, log *logger.Logger) *Store {
	s := New(cfg, log)
	s.api = api
	return s
}

// Initialize connects to the endpoint and makes sure the bucket exists.
// Idempotent.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}

	if s.api == nil {
		client, err := minio.New(s.cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(s.cfg.AccessKey, s.cfg.SecretKey, ""),
			Secure: s.cfg.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("failed to create object storage client: %w", err)
		}
		s.api = minioClientWrapper{c: client}
	}

	exists, err := s.api.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := s.api.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	s.initialized = true
	s.logger.Debug("object store initialized", "bucket", s.bucket, "prefix", s.prefix)
	return nil
}

// Cleanup releases the client. Stored objects are left in place.
func (s *Store) Cleanup(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.api = nil
	s.initialized = false
	return nil
}

func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil, model.ErrNotInitialized
	}

	registry, err := s.loadRegistry(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) CreateCollection(ctx context.Context, name string, initial []model.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return model.ErrNotInitialized
	}

	registry, err := s.loadRegistry(ctx)
	if err != nil {
		return err
	}
	if _, ok := registry[name]; !ok {
		registry[name] = model.FormatTime(s.now())
		if err := s.saveRegistry(ctx, registry); err != nil {
			return err
		}
	}

	docs, err := s.loadCollection(ctx, name)
	if err != nil {
		return err
	}

	now := model.FormatTime(s.now())
	for _, doc := range initial {
		stored := model.NormalizeTimes(doc.Clone()).(model.Document)
		if stored.ID() == "" {
			stored[model.FieldID] = uuid.NewString()
		}
		if stored.CreatedAt() == "" {
			stored[model.FieldCreatedAt] = now
		}
		if stored.UpdatedAt() == "" {
			stored[model.FieldUpdatedAt] = now
		}
		docs = append(docs, stored)
	}
	return s.saveCollection(ctx, name, docs)
}

func (s *Store) GetCollection(ctx context.Context, name string) ([]model.Document, error) {
	return s.Find(ctx, name, nil, model.FindOptions{})
}

func (s *Store) RenameCollection(ctx context.Context, oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return model.ErrNotInitialized
	}

	docs, err := s.loadCollection(ctx, oldName)
	if err != nil {
		return err
	}
	if err := s.saveCollection(ctx, newName, docs); err != nil {
		return err
	}
	if err := s.removeObject(ctx, oldName); err != nil {
		return err
	}

	registry, err := s.loadRegistry(ctx)
	if err != nil {
		return err
	}
	if _, ok := registry[newName]; !ok {
		registry[newName] = model.FormatTime(s.now())
	}
	delete(registry, oldName)
	return s.saveRegistry(ctx, registry)
}

func (s *Store) RemoveCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return model.ErrNotInitialized
	}

	if err := s.removeObject(ctx, name); err != nil {
		return err
	}

	registry, err := s.loadRegistry(ctx)
	if err != nil {
		return err
	}
	delete(registry, name)
	return s.saveRegistry(ctx, registry)
}

func (s *Store) Insert(ctx context.Context, collection string, doc model.Document) (model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil, model.ErrNotInitialized
	}

	docs, err := s.loadCollection(ctx, collection)
	if err != nil {
		return nil, err
	}

	stored := model.NormalizeTimes(doc.Fields()).(model.Document)
	id := doc.ID()
	if id == "" {
		id = uuid.NewString()
	}
	now := model.FormatTime(s.now())
	stored[model.FieldID] = id
	stored[model.FieldCreatedAt] = now
	stored[model.FieldUpdatedAt] = now

	docs = append(docs, stored)
	if err := s.saveCollection(ctx, collection, docs); err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

func (s *Store) Find(ctx context.Context, collection string, q model.Query, opts model.FindOptions) ([]model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil, model.ErrNotInitialized
	}

	docs, err := s.loadCollection(ctx, collection)
	if err != nil {
		return nil, err
	}

	matched, err := matchDocs(docs, q, opts.Where)
	if err != nil {
		return nil, err
	}

	docmatch.Sort(matched, opts.OrderBy)
	return docmatch.Window(matched, opts.Skip, opts.Limit), nil
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

func (s *Store) Update(ctx context.Context, collection string, q model.Query, data model.Document) (int, error) {
	return s.update(ctx, collection, q, data, false)
}

func (s *Store) UpdatePartial(ctx context.Context, collection string, q model.Query, patch model.Document) (int, error) {
	return s.update(ctx, collection, q, patch, true)
}

func (s *Store) Delete(ctx context.Context, collection string, q model.Query) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return 0, model.ErrNotInitialized
	}

	docs, err := s.loadCollection(ctx, collection)
	if err != nil {
		return 0, err
	}

	kept := docs[:0]
	removed := 0
	for _, doc := range docs {
		ok, err := docmatch.Match(doc, q, nil)
		if err != nil {
			return 0, err
		}
		if ok {
			removed++
			continue
		}
		kept = append(kept, doc)
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.saveCollection(ctx, collection, kept); err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *Store) DeleteAll(ctx context.Context, collection string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return 0, model.ErrNotInitialized
	}

	docs, err := s.loadCollection(ctx, collection)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	if err := s.saveCollection(ctx, collection, nil); err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (s *Store) Count(ctx context.Context, collection string, q model.Query) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return 0, model.ErrNotInitialized
	}

	docs, err := s.loadCollection(ctx, collection)
	if err != nil {
		return 0, err
	}
	matched, err := matchDocs(docs, q, nil)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

func (s *Store) GetSingleton(ctx context.Context, name string) (model.Document, error) {
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

func (s *Store) update(ctx context.Context, collection string, q model.Query, data model.Document, partial bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return 0, model.ErrNotInitialized
	}

	docs, err := s.loadCollection(ctx, collection)
	if err != nil {
		return 0, err
	}

	now := model.FormatTime(s.now())
	updated := 0
	for i, existing := range docs {
		ok, err := docmatch.Match(existing, q, nil)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}

		var next model.Document
		if partial {
			next = existing.Fields()
			for k, v := range model.NormalizeTimes(data.Fields()).(model.Document) {
				next[k] = v
			}
		} else {
			next = model.NormalizeTimes(data.Fields()).(model.Document)
		}
		next[model.FieldID] = existing.ID()
		next[model.FieldCreatedAt] = existing.CreatedAt()
		next[model.FieldUpdatedAt] = now
		docs[i] = next
		updated++
	}
	if updated == 0 {
		return 0, nil
	}
	if err := s.saveCollection(ctx, collection, docs); err != nil {
		return 0, err
	}
	return updated, nil
}

// objectKey maps a validated collection name to its bucket key.
func (s *Store) objectKey(collection string) (string, error) {
	if err := query.ValidateField(collection); err != nil {
		return "", err
	}
	return s.withPrefix(collection + ".json"), nil
}

func (s *Store) withPrefix(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// loadCollection downloads a collection object. A missing object is an empty
// collection.
func (s *Store) loadCollection(ctx context.Context, collection string) ([]model.Document, error) {
	key, err := s.objectKey(collection)
	if err != nil {
		return nil, err
	}
	var docs []model.Document
	if err := s.loadJSON(ctx, key, &docs); err != nil {
		return nil, fmt.Errorf("failed to load collection %q: %w", collection, err)
	}
	return docs, nil
}

func (s *Store) saveCollection(ctx context.Context, collection string, docs []model.Document) error {
	key, err := s.objectKey(collection)
	if err != nil {
		return err
	}
	if docs == nil {
		docs = []model.Document{}
	}
	if err := s.saveJSON(ctx, key, docs); err != nil {
		return fmt.Errorf("failed to save collection %q: %w", collection, err)
	}
	return nil
}

func (s *Store) removeObject(ctx context.Context, collection string) error {
	key, err := s.objectKey(collection)
	if err != nil {
		return err
	}
	if err := s.api.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove collection object: %w", err)
	}
	return nil
}

func (s *Store) loadRegistry(ctx context.Context) (map[string]string, error) {
	registry := make(map[string]string)
	if err := s.loadJSON(ctx, s.withPrefix(registryObject), &registry); err != nil {
		return nil, fmt.Errorf("failed to load collection registry: %w", err)
	}
	return registry, nil
}

func (s *Store) saveRegistry(ctx context.Context, registry map[string]string) error {
	if err := s.saveJSON(ctx, s.withPrefix(registryObject), registry); err != nil {
		return fmt.Errorf("failed to save collection registry: %w", err)
	}
	return nil
}

func (s *Store) loadJSON(ctx context.Context, key string, out any) error {
	obj, err := s.api.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil
		}
		return fmt.Errorf("failed to get object: %w", err)
	}
	defer obj.Close()

	raw, err := io.ReadAll(obj)
	if err != nil {
		// GetObject is lazy with some clients; a missing key can surface here.
		if isNoSuchKey(err) {
			return nil
		}
		return fmt.Errorf("failed to read object: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse object: %w", err)
	}
	return nil
}

func (s *Store) saveJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to serialize object: %w", err)
	}
	_, err = s.api.PutObject(ctx, s.bucket, key, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}
	return nil
}

func matchDocs(docs []model.Document, q model.Query, filters []model.Filter) ([]model.Document, error) {
	var matched []model.Document
	for _, doc := range docs {
		ok, err := docmatch.Match(doc, q, filters)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, doc)
		}
	}
	return matched, nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
