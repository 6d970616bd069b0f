package query

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullcms/server/internal/model"
)

func testDialect() Dialect {
	return Dialect{
		Placeholder: func(int) string { return "?" },
		Column: func(field string) string {
			if model.IsReservedField(field) {
				return field
			}
			return "json_extract(data, '$." + field + "')"
		},
		BindValue: func(_ string, v any) (any, error) {
			if t, ok := v.(time.Time); ok {
				return model.FormatTime(t), nil
			}
			return v, nil
		},
	}
}

func TestValidateField(t *testing.T) {
	assert.NoError(t, ValidateField("title"))
	assert.NoError(t, ValidateField("_updatedAt"))
	assert.NoError(t, ValidateField("field_2"))

	for _, name := range []string{
		"",
		"title; DROP TABLE x; --",
		`"; DROP TABLE x; --`,
		"a.b",
		"a b",
		"data') = 1 OR ('1",
	} {
		err := ValidateField(name)
		require.Error(t, err, name)
		assert.ErrorIs(t, err, model.ErrInvalidFieldName)
	}
}

func TestCompiler_Where_LegacyQuery(t *testing.T) {
	c := New(testDialect())

	clause, err := c.Where(model.Query{"title": "Hello", "_id": "abc"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "_id = ? AND json_extract(data, '$.title') = ?", clause)
	assert.Equal(t, []any{"abc", "Hello"}, c.Args())
}

func TestCompiler_Where_NilValueIsNull(t *testing.T) {
	c := New(testDialect())

	clause, err := c.Where(model.Query{"subtitle": nil}, nil)
	require.NoError(t, err)

	assert.Equal(t, "json_extract(data, '$.subtitle') IS NULL", clause)
	assert.Empty(t, c.Args())
}

func TestCompiler_Where_Operators(t *testing.T) {
	tests := []struct {
		op  model.Operator
		sql string
	}{
		{model.OpEQ, "json_extract(data, '$.views') = ?"},
		{model.OpNEQ, "json_extract(data, '$.views') != ?"},
		{model.OpGT, "json_extract(data, '$.views') > ?"},
		{model.OpGTE, "json_extract(data, '$.views') >= ?"},
		{model.OpLT, "json_extract(data, '$.views') < ?"},
		{model.OpLTE, "json_extract(data, '$.views') <= ?"},
	}

	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			c := New(testDialect())
			clause, err := c.Where(nil, []model.Filter{{Field: "views", Operator: tt.op, Value: 10}})
			require.NoError(t, err)
			assert.Equal(t, tt.sql, clause)
			assert.Equal(t, []any{10}, c.Args())
		})
	}
}

func TestCompiler_Where_In(t *testing.T) {
	c := New(testDialect())

	clause, err := c.Where(nil, []model.Filter{
		{Field: "status", Operator: model.OpIN, Value: []string{"draft", "published"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "json_extract(data, '$.status') IN (?,?)", clause)
	assert.Equal(t, []any{"draft", "published"}, c.Args())
}

func TestCompiler_Where_NotIn(t *testing.T) {
	c := New(testDialect())

	clause, err := c.Where(nil, []model.Filter{
		{Field: "status", Operator: model.OpNIN, Value: []any{"archived"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "json_extract(data, '$.status') NOT IN (?)", clause)
	assert.Equal(t, []any{"archived"}, c.Args())
}

func TestCompiler_Where_InRequiresSlice(t *testing.T) {
	c := New(testDialect())

	_, err := c.Where(nil, []model.Filter{
		{Field: "status", Operator: model.OpIN, Value: "draft"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a slice")
}

func TestCompiler_Where_EmptyIn(t *testing.T) {
	c := New(testDialect())

	clause, err := c.Where(nil, []model.Filter{
		{Field: "status", Operator: model.OpIN, Value: []any{}},
	})
	require.NoError(t, err)
	assert.Equal(t, "1 = 0", clause)

	c = New(testDialect())
	clause, err = c.Where(nil, []model.Filter{
		{Field: "status", Operator: model.OpNIN, Value: []any{}},
	})
	require.NoError(t, err)
	assert.Equal(t, "1 = 1", clause)
}

func TestCompiler_Where_RejectsHostileFieldName(t *testing.T) {
	c := New(testDialect())

	_, err := c.Where(nil, []model.Filter{
		{Field: `"; DROP TABLE x; --`, Operator: model.OpEQ, Value: 1},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidFieldName)

	c = New(testDialect())
	_, err = c.Where(model.Query{`a"b`: 1}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidFieldName)
}

func TestCompiler_Where_UnsupportedOperator(t *testing.T) {
	c := New(testDialect())

	_, err := c.Where(nil, []model.Filter{{Field: "a", Operator: "LIKE", Value: "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported operator")
}

func TestCompiler_Where_ComposesQueryAndFilters(t *testing.T) {
	c := New(testDialect())

	clause, err := c.Where(
		model.Query{"author": "ada"},
		[]model.Filter{{Field: "views", Operator: model.OpGT, Value: 100}},
	)
	require.NoError(t, err)

	assert.Equal(t, "json_extract(data, '$.author') = ? AND json_extract(data, '$.views') > ?", clause)
	assert.Equal(t, []any{"ada", 100}, c.Args())
}

func TestCompiler_OrderBy_Default(t *testing.T) {
	c := New(testDialect())

	clause, err := c.OrderBy(nil)
	require.NoError(t, err)
	assert.Equal(t, "_updatedAt DESC", clause)
}

func TestCompiler_OrderBy_MultiKey(t *testing.T) {
	c := New(testDialect())

	clause, err := c.OrderBy([]model.Order{
		{Field: "title", Direction: "asc"},
		{Field: "_createdAt", Direction: "desc"},
		{Field: "views", Direction: "bogus"},
	})
	require.NoError(t, err)
	assert.Equal(t, "json_extract(data, '$.title') ASC, _createdAt DESC, json_extract(data, '$.views') DESC", clause)
}

func TestCompiler_OrderBy_RejectsHostileField(t *testing.T) {
	c := New(testDialect())

	_, err := c.OrderBy([]model.Order{{Field: "x; --", Direction: "asc"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidFieldName)
}

func TestCompiler_LimitOffset(t *testing.T) {
	c := New(testDialect())

	frag := c.LimitOffset(10, 5)
	assert.Equal(t, " LIMIT ? OFFSET ?", frag)
	assert.Equal(t, []any{10, 5}, c.Args())

	c = New(testDialect())
	assert.Equal(t, "", c.LimitOffset(0, 0))
	assert.Empty(t, c.Args())

	c = New(testDialect())
	assert.Equal(t, " OFFSET ?", c.LimitOffset(-1, 3))
	assert.Equal(t, []any{3}, c.Args())
}

func TestCompiler_BindsTimeValues(t *testing.T) {
	c := New(testDialect())
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := c.Where(model.Query{"publishedAt": ts}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"2024-05-01T12:00:00.000Z"}, c.Args())
}

func TestIDOnly(t *testing.T) {
	id, ok := IDOnly(model.Query{model.FieldID: "abc"}, nil)
	assert.True(t, ok)
	assert.Equal(t, "abc", id)

	_, ok = IDOnly(model.Query{model.FieldID: "abc", "title": "x"}, nil)
	assert.False(t, ok)

	_, ok = IDOnly(model.Query{model.FieldID: "abc"}, []model.Filter{{Field: "a", Operator: model.OpEQ, Value: 1}})
	assert.False(t, ok)

	_, ok = IDOnly(model.Query{model.FieldID: 7}, nil)
	assert.False(t, ok)

	_, ok = IDOnly(model.Query{}, nil)
	assert.False(t, ok)
}

func TestQueryFieldsDeterministic(t *testing.T) {
	q := model.Query{"b": 1, "a": 2, model.FieldUpdatedAt: "t", model.FieldID: "x"}
	for i := 0; i < 10; i++ {
		assert.Equal(t, []string{"_id", "_updatedAt", "a", "b"}, queryFields(q))
	}
}

func ExampleValidateField() {
	err := ValidateField("title; DROP TABLE cms_articles")
	fmt.Println(err != nil)
	// Output: true
}
