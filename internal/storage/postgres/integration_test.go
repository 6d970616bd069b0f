//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nullcms/server/internal/model"
	"github.com/nullcms/server/internal/storage/postgres"
	"github.com/nullcms/server/internal/testutil"
)

var dsn string

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "postgres:15-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "postgres",
				"POSTGRES_PASSWORD": "password",
				"POSTGRES_DB":       "cms_test",
			},
			WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		panic(err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		panic(err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		panic(err)
	}
	dsn = fmt.Sprintf("postgres://postgres:password@%s:%s/cms_test?sslmode=disable", host, port.Port())

	code := m.Run()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func newStore(t *testing.T, prefix string) *postgres.Store {
	t.Helper()

	s := postgres.New(postgres.Config{DSN: dsn, TablePrefix: prefix}, testutil.MakeNoopLogger())
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { _ = s.Cleanup(context.Background()) })
	return s
}

func TestStore_DocumentLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, "lifecycle")

	doc, err := s.Insert(ctx, "articles", model.Document{"title": "Hello", "views": 10})
	require.NoError(t, err)
	require.NotEmpty(t, doc.ID())
	assert.Equal(t, doc.CreatedAt(), doc.UpdatedAt())

	found, err := s.FindOne(ctx, "articles", model.Query{model.FieldID: doc.ID()})
	require.NoError(t, err)
	assert.Equal(t, "Hello", found["title"])

	count, err := s.Update(ctx, "articles", model.Query{model.FieldID: doc.ID()}, model.Document{"title": "New"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	updated, err := s.FindOne(ctx, "articles", model.Query{model.FieldID: doc.ID()})
	require.NoError(t, err)
	assert.Equal(t, "New", updated["title"])
	_, hasViews := updated["views"]
	assert.False(t, hasViews, "full update replaces field content")
	assert.Equal(t, doc.CreatedAt(), updated.CreatedAt())

	count, err = s.UpdatePartial(ctx, "articles", model.Query{model.FieldID: doc.ID()}, model.Document{"views": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	patched, err := s.FindOne(ctx, "articles", model.Query{model.FieldID: doc.ID()})
	require.NoError(t, err)
	assert.Equal(t, "New", patched["title"])

	count, err = s.Delete(ctx, "articles", model.Query{model.FieldID: doc.ID()})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = s.FindOne(ctx, "articles", model.Query{model.FieldID: doc.ID()})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStore_FindOrderSkipLimit(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, "paging")

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

func TestStore_StructuredFilters(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, "filters")

	for i, title := range []string{"a", "b", "c", "d"} {
		_, err := s.Insert(ctx, "articles", model.Document{"title": title, "views": i * 10})
		require.NoError(t, err)
	}

	docs, err := s.Find(ctx, "articles", nil, model.FindOptions{
		Where: []model.Filter{
			{Field: "views", Operator: model.OpGTE, Value: 10},
			{Field: "title", Operator: model.OpNIN, Value: []string{"d"}},
		},
		OrderBy: []model.Order{{Field: "views", Direction: "asc"}},
	})
	require.NoError(t, err)

	require.Len(t, docs, 2)
	assert.Equal(t, "b", docs[0]["title"])
	assert.Equal(t, "c", docs[1]["title"])

	count, err := s.Count(ctx, "articles", model.Query{"title": "a"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStore_CollectionRegistry(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, "registry")

	require.NoError(t, s.CreateCollection(ctx, "articles", []model.Document{{"title": "seed"}}))
	require.NoError(t, s.CreateCollection(ctx, "articles", nil))

	names, err := s.ListCollections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"articles"}, names)

	require.NoError(t, s.RenameCollection(ctx, "articles", "posts"))

	names, err = s.ListCollections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"posts"}, names)

	docs, err := s.GetCollection(ctx, "posts")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "seed", docs[0]["title"])

	require.NoError(t, s.RemoveCollection(ctx, "posts"))
	names, err = s.ListCollections(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestStore_Singletons(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, "single")

	doc, err := s.GetSingleton(ctx, "settings")
	require.NoError(t, err)
	assert.Equal(t, "settings", doc.ID())

	doc, err = s.UpdateSingleton(ctx, "settings", model.Document{"theme": "dark"})
	require.NoError(t, err)
	assert.Equal(t, "dark", doc["theme"])

	count, err := s.Count(ctx, model.SingletonCollection, model.Query{model.FieldID: "settings"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStore_UniqueIndex(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, "uniq")

	require.NoError(t, s.EnsureUniqueIndex(ctx, "users", "username"))

	_, err := s.Insert(ctx, "users", model.Document{"username": "ada"})
	require.NoError(t, err)

	_, err = s.Insert(ctx, "users", model.Document{"username": "ada"})
	assert.ErrorIs(t, err, model.ErrDuplicate)
}
