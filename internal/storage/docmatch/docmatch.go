// Package docmatch evaluates document queries in memory for backends without
// a query engine of their own: predicate matching, multi-key sorting and
// skip/limit windowing with the same semantics the SQL backends compile to.
package docmatch

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/nullcms/server/internal/model"
)

// Match reports whether doc satisfies the legacy equality query and every
// structured filter, AND-combined.
func Match(doc model.Document, q model.Query, filters []model.Filter) (bool, error) {
	for field, want := range q {
		if !looseEqual(doc[field], model.NormalizeTimes(want)) {
			return false, nil
		}
	}

	for _, f := range filters {
		ok, err := matchFilter(doc, f)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	return true, nil
}

// Sort orders docs in place by the given keys, defaulting to _updatedAt
// descending. The sort is stable, so earlier keys dominate later ones.
func Sort(docs []model.Document, orders []model.Order) {
	if len(orders) == 0 {
		orders = []model.Order{{Field: model.FieldUpdatedAt, Direction: "desc"}}
	}

	sort.SliceStable(docs, func(i, j int) bool {
		for _, o := range orders {
			cmp, ok := compare(docs[i][o.Field], docs[j][o.Field])
			if !ok || cmp == 0 {
				continue
			}
			if strings.EqualFold(o.Direction, "asc") {
				return cmp < 0
			}
			return cmp > 0
		}
		return false
	})
}

// Window applies skip and limit to an already-sorted result set. Limit <= 0
// means no limit.
func Window(docs []model.Document, skip, limit int) []model.Document {
	if skip > 0 {
		if skip >= len(docs) {
			return nil
		}
		docs = docs[skip:]
	}
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}

func matchFilter(doc model.Document, f model.Filter) (bool, error) {
	have := doc[f.Field]
	want := model.NormalizeTimes(f.Value)

	switch f.Operator {
	case model.OpEQ:
		return looseEqual(have, want), nil
	case model.OpNEQ:
		return !looseEqual(have, want), nil
	case model.OpGT, model.OpGTE, model.OpLT, model.OpLTE:
		cmp, ok := compare(have, want)
		if !ok {
			return false, nil
		}
		switch f.Operator {
		case model.OpGT:
			return cmp > 0, nil
		case model.OpGTE:
			return cmp >= 0, nil
		case model.OpLT:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case model.OpIN, model.OpNIN:
		values, ok := sliceValues(want)
		if !ok {
			return false, fmt.Errorf("value for %s must be a slice", f.Operator)
		}
		found := false
		for _, v := range values {
			if looseEqual(have, v) {
				found = true
				break
			}
		}
		if f.Operator == model.OpIN {
			return found, nil
		}
		return !found, nil
	default:
		return false, fmt.Errorf("unsupported operator %q", f.Operator)
	}
}

// compare returns a total order over values of the same kind. Numbers compare
// numerically across Go numeric types (JSON decoding yields float64), strings
// and bools by their natural order. Values of incomparable kinds report
// false in the second result.
func compare(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}

	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(as, bs), true
		}
		return 0, false
	}

	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0, true
			case bb:
				return -1, true
			default:
				return 1, true
			}
		}
		return 0, false
	}

	return 0, false
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if cmp, ok := compare(a, b); ok {
		return cmp == 0
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func sliceValues(v any) ([]any, bool) {
	if vs, ok := v.([]any); ok {
		return vs, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
