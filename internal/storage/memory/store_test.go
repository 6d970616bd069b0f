package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullcms/server/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	require.NoError(t, s.Initialize(context.Background()))
	return s
}

func TestStore_UninitializedOperationsFail(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.ListCollections(ctx)
	assert.ErrorIs(t, err, model.ErrNotInitialized)

	_, err = s.Insert(ctx, "articles", model.Document{"title": "x"})
	assert.ErrorIs(t, err, model.ErrNotInitialized)

	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.Cleanup(ctx))

	_, err = s.Find(ctx, "articles", nil, model.FindOptions{})
	assert.ErrorIs(t, err, model.ErrNotInitialized)
}

func TestStore_InsertRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	doc, err := s.Insert(ctx, "articles", model.Document{"title": "Hello"})
	require.NoError(t, err)

	assert.NotEmpty(t, doc.ID())
	assert.Equal(t, "Hello", doc["title"])
	assert.Equal(t, doc.CreatedAt(), doc.UpdatedAt())

	found, err := s.FindOne(ctx, "articles", model.Query{model.FieldID: doc.ID()})
	require.NoError(t, err)
	assert.Equal(t, "Hello", found["title"])
	assert.Equal(t, doc.ID(), found.ID())
}

func TestStore_InsertKeepsCallerID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	doc, err := s.Insert(ctx, "sessions", model.Document{model.FieldID: "deadbeef", "userId": "u1"})
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", doc.ID())
}

func TestStore_CreateCollectionIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateCollection(ctx, "articles", nil))
	require.NoError(t, s.CreateCollection(ctx, "articles", nil))

	names, err := s.ListCollections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"articles"}, names)
}

func TestStore_RegistryIgnoresAutoVivified(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Insert(ctx, "implicit", model.Document{"a": 1})
	require.NoError(t, err)

	names, err := s.ListCollections(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestStore_UpdateReplacesFields(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	doc, err := s.Insert(ctx, "articles", model.Document{"title": "Old", "subtitle": "keep?"})
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(time.Minute) }

	count, err := s.Update(ctx, "articles", model.Query{model.FieldID: doc.ID()}, model.Document{"title": "New"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	updated, err := s.FindOne(ctx, "articles", model.Query{model.FieldID: doc.ID()})
	require.NoError(t, err)

	assert.Equal(t, "New", updated["title"])
	_, hasSubtitle := updated["subtitle"]
	assert.False(t, hasSubtitle, "full update replaces field content")
	assert.Equal(t, doc.CreatedAt(), updated.CreatedAt())
	assert.Greater(t, updated.UpdatedAt(), doc.UpdatedAt())
}

func TestStore_UpdatePartialMerges(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	doc, err := s.Insert(ctx, "articles", model.Document{"title": "Old", "subtitle": "kept"})
	require.NoError(t, err)

	count, err := s.UpdatePartial(ctx, "articles", model.Query{model.FieldID: doc.ID()}, model.Document{"title": "New"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	updated, err := s.FindOne(ctx, "articles", model.Query{model.FieldID: doc.ID()})
	require.NoError(t, err)
	assert.Equal(t, "New", updated["title"])
	assert.Equal(t, "kept", updated["subtitle"])
}

func TestStore_DeleteByID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	doc, err := s.Insert(ctx, "articles", model.Document{"title": "Hello"})
	require.NoError(t, err)

	count, err := s.Delete(ctx, "articles", model.Query{model.FieldID: doc.ID()})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = s.FindOne(ctx, "articles", model.Query{model.FieldID: doc.ID()})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStore_DeleteAllAndCount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, title := range []string{"a", "b", "c"} {
		_, err := s.Insert(ctx, "articles", model.Document{"title": title})
		require.NoError(t, err)
	}

	count, err := s.Count(ctx, "articles", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = s.Count(ctx, "articles", model.Query{"title": "b"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	deleted, err := s.DeleteAll(ctx, "articles")
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	count, err = s.Count(ctx, "articles", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestStore_FindOrderSkipLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, title := range []string{"delta", "alpha", "echo", "bravo", "charlie"} {
		_, err := s.Insert(ctx, "articles", model.Document{"title": title})
		require.NoError(t, err)
	}

	docs, err := s.Find(ctx, "articles", nil, model.FindOptions{
		OrderBy: []model.Order{{Field: "title", Direction: "asc"}},
		Limit:   2,
		Skip:    1,
	})
	require.NoError(t, err)

	require.Len(t, docs, 2)
	assert.Equal(t, "bravo", docs[0]["title"])
	assert.Equal(t, "charlie", docs[1]["title"])
}

func TestStore_FindStructuredWhere(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i, title := range []string{"a", "b", "c"} {
		_, err := s.Insert(ctx, "articles", model.Document{"title": title, "views": i * 10})
		require.NoError(t, err)
	}

	docs, err := s.Find(ctx, "articles", nil, model.FindOptions{
		Where:   []model.Filter{{Field: "views", Operator: model.OpGTE, Value: 10}},
		OrderBy: []model.Order{{Field: "views", Direction: "asc"}},
	})
	require.NoError(t, err)

	require.Len(t, docs, 2)
	assert.Equal(t, "b", docs[0]["title"])
	assert.Equal(t, "c", docs[1]["title"])
}

func TestStore_ResultsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	doc, err := s.Insert(ctx, "articles", model.Document{"title": "Hello"})
	require.NoError(t, err)
	doc["title"] = "mutated"

	found, err := s.FindOne(ctx, "articles", model.Query{model.FieldID: doc.ID()})
	require.NoError(t, err)
	assert.Equal(t, "Hello", found["title"])

	found["title"] = "mutated again"
	again, err := s.FindOne(ctx, "articles", model.Query{model.FieldID: doc.ID()})
	require.NoError(t, err)
	assert.Equal(t, "Hello", again["title"])
}

func TestStore_RenameCollection(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateCollection(ctx, "old", nil))
	_, err := s.Insert(ctx, "old", model.Document{"title": "x"})
	require.NoError(t, err)

	require.NoError(t, s.RenameCollection(ctx, "old", "new"))

	names, err := s.ListCollections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, names)

	docs, err := s.GetCollection(ctx, "new")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "x", docs[0]["title"])
}

func TestStore_RemoveCollection(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateCollection(ctx, "articles", []model.Document{{"title": "x"}}))
	require.NoError(t, s.RemoveCollection(ctx, "articles"))

	names, err := s.ListCollections(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	count, err := s.Count(ctx, "articles", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestStore_SingletonLazilyMaterialized(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	doc, err := s.GetSingleton(ctx, "settings")
	require.NoError(t, err)
	assert.Equal(t, "settings", doc.ID())
	assert.NotEmpty(t, doc.CreatedAt())

	again, err := s.GetSingleton(ctx, "settings")
	require.NoError(t, err)
	assert.Equal(t, doc.CreatedAt(), again.CreatedAt())
}

func TestStore_UpdateSingleton(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	doc, err := s.UpdateSingleton(ctx, "settings", model.Document{"theme": "dark"})
	require.NoError(t, err)
	assert.Equal(t, "settings", doc.ID())
	assert.Equal(t, "dark", doc["theme"])

	doc, err = s.UpdateSingleton(ctx, "settings", model.Document{"theme": "light"})
	require.NoError(t, err)
	assert.Equal(t, "light", doc["theme"])

	count, err := s.Count(ctx, model.SingletonCollection, model.Query{model.FieldID: "settings"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
