// Package memory implements the storage contract as a mutex-guarded map,
// for tests and ephemeral deployments.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nullcms/server/internal/model"
	"github.com/nullcms/server/internal/storage/docmatch"
)

var _ model.StorageStrategy = (*Store)(nil)

// Store holds every collection in process memory. Documents are cloned on
// the way in and out, so callers never alias internal state.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]model.Document
	registered  map[string]string
	initialized bool

	now func() time.Time
}

// New creates an uninitialized in-memory store.
func New() *Store {
	return &Store{
		now: time.Now,
	}
}

// Initialize is idempotent.
func (s *Store) Initialize(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.collections = make(map[string]map[string]model.Document)
	s.registered = make(map[string]string)
	s.initialized = true
	return nil
}

// Cleanup drops all state.
func (s *Store) Cleanup(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.collections = nil
	s.registered = nil
	s.initialized = false
	return nil
}

func (s *Store) ListCollections(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, model.ErrNotInitialized
	}

	names := make([]string, 0, len(s.registered))
	for name := range s.registered {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) CreateCollection(_ context.Context, name string, initial []model.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return model.ErrNotInitialized
	}

	if _, ok := s.registered[name]; !ok {
		s.registered[name] = model.FormatTime(s.now())
	}
	docs := s.collection(name)

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
		docs[stored.ID()] = stored
	}
	return nil
}

func (s *Store) GetCollection(ctx context.Context, name string) ([]model.Document, error) {
	return s.Find(ctx, name, nil, model.FindOptions{})
}

func (s *Store) RenameCollection(_ context.Context, oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return model.ErrNotInitialized
	}

	if _, ok := s.registered[newName]; !ok {
		s.registered[newName] = model.FormatTime(s.now())
	}
	target := s.collection(newName)
	for id, doc := range s.collection(oldName) {
		target[id] = doc
	}
	delete(s.collections, oldName)
	delete(s.registered, oldName)
	return nil
}

func (s *Store) RemoveCollection(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return model.ErrNotInitialized
	}

	delete(s.collections, name)
	delete(s.registered, name)
	return nil
}

func (s *Store) Insert(_ context.Context, collection string, doc model.Document) (model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil, model.ErrNotInitialized
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

	s.collection(collection)[id] = stored
	return stored.Clone(), nil
}

func (s *Store) Find(_ context.Context, collection string, query model.Query, opts model.FindOptions) ([]model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, model.ErrNotInitialized
	}

	matched, err := s.match(collection, query, opts.Where)
	if err != nil {
		return nil, err
	}

	docmatch.Sort(matched, opts.OrderBy)
	matched = docmatch.Window(matched, opts.Skip, opts.Limit)

	out := make([]model.Document, len(matched))
	for i, doc := range matched {
		out[i] = doc.Clone()
	}
	return out, nil
}

func (s *Store) FindOne(ctx context.Context, collection string, query model.Query) (model.Document, error) {
	docs, err := s.Find(ctx, collection, query, model.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, model.ErrNotFound
	}
	return docs[0], nil
}

func (s *Store) Update(ctx context.Context, collection string, query model.Query, data model.Document) (int, error) {
	return s.update(collection, query, data, false)
}

func (s *Store) UpdatePartial(ctx context.Context, collection string, query model.Query, patch model.Document) (int, error) {
	return s.update(collection, query, patch, true)
}

func (s *Store) Delete(_ context.Context, collection string, query model.Query) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return 0, model.ErrNotInitialized
	}

	matched, err := s.match(collection, query, nil)
	if err != nil {
		return 0, err
	}

	docs := s.collection(collection)
	for _, doc := range matched {
		delete(docs, doc.ID())
	}
	return len(matched), nil
}

func (s *Store) DeleteAll(_ context.Context, collection string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return 0, model.ErrNotInitialized
	}

	count := len(s.collections[collection])
	s.collections[collection] = make(map[string]model.Document)
	return count, nil
}

func (s *Store) Count(_ context.Context, collection string, query model.Query) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return 0, model.ErrNotInitialized
	}

	matched, err := s.match(collection, query, nil)
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

// collection lazily materializes the named collection. Callers hold the lock.
func (s *Store) collection(name string) map[string]model.Document {
	docs, ok := s.collections[name]
	if !ok {
		docs = make(map[string]model.Document)
		s.collections[name] = docs
	}
	return docs
}

// match returns the documents satisfying query and filters. Callers hold at
// least the read lock; the returned slice holds direct references. A missing
// collection matches nothing, so read paths never materialize state.
func (s *Store) match(collection string, query model.Query, filters []model.Filter) ([]model.Document, error) {
	var matched []model.Document
	for _, doc := range s.collections[collection] {
		ok, err := docmatch.Match(doc, query, filters)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, doc)
		}
	}
	return matched, nil
}

func (s *Store) update(collection string, query model.Query, data model.Document, partial bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return 0, model.ErrNotInitialized
	}

	matched, err := s.match(collection, query, nil)
	if err != nil {
		return 0, err
	}

	now := model.FormatTime(s.now())
	docs := s.collection(collection)
	for _, existing := range matched {
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
		docs[existing.ID()] = next
	}
	return len(matched), nil
}
