package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullcms/server/internal/model"
	"github.com/nullcms/server/internal/storage/query"
	"github.com/nullcms/server/internal/testutil"
)

func TestNew(t *testing.T) {
	s := New(Config{DSN: "postgres://localhost/cms"}, testutil.MakeNoopLogger())

	assert.NotNil(t, s)
	assert.Equal(t, "cms", s.prefix)
	assert.Equal(t, "cms_collections", s.metaTable)

	s = New(Config{TablePrefix: "app"}, testutil.MakeNoopLogger())
	assert.Equal(t, "app_collections", s.metaTable)
}

func TestStore_UninitializedOperationsFail(t *testing.T) {
	ctx := context.Background()
	s := New(Config{}, testutil.MakeNoopLogger())

	_, err := s.ListCollections(ctx)
	assert.ErrorIs(t, err, model.ErrNotInitialized)

	_, err = s.Insert(ctx, "articles", model.Document{"title": "x"})
	assert.ErrorIs(t, err, model.ErrNotInitialized)

	_, err = s.Find(ctx, "articles", nil, model.FindOptions{})
	assert.ErrorIs(t, err, model.ErrNotInitialized)
}

func TestStore_TableName(t *testing.T) {
	s := New(Config{}, testutil.MakeNoopLogger())

	table, err := s.tableName("articles")
	require.NoError(t, err)
	assert.Equal(t, `"cms_articles"`, table)

	_, err = s.tableName("articles; DROP TABLE users")
	assert.ErrorIs(t, err, model.ErrInvalidFieldName)
}

func TestDialect_JSONBExpressions(t *testing.T) {
	c := query.New(dialect())

	where, err := c.Where(model.Query{"status": "draft"}, []model.Filter{
		{Field: "views", Operator: model.OpGT, Value: 10},
	})
	require.NoError(t, err)

	assert.Equal(t, "(data->'status') = $1::jsonb AND (data->'views') > $2::jsonb", where)
	assert.Equal(t, []any{`"draft"`, `10`}, c.Args())
}

func TestDialect_ReservedFieldsBindRaw(t *testing.T) {
	c := query.New(dialect())

	where, err := c.Where(model.Query{model.FieldID: "doc-1"}, nil)
	require.NoError(t, err)

	assert.Equal(t, `"_id" = $1`, where)
	assert.Equal(t, []any{"doc-1"}, c.Args())
}

func TestDialect_DefaultOrder(t *testing.T) {
	c := query.New(dialect())

	orderBy, err := c.OrderBy(nil)
	require.NoError(t, err)
	assert.Equal(t, `"_updatedAt" DESC`, orderBy)

	orderBy, err = c.OrderBy([]model.Order{{Field: "title", Direction: "asc"}})
	require.NoError(t, err)
	assert.Equal(t, "(data->'title') ASC", orderBy)
}
