package model

import "time"

// Reserved document fields. Every stored document carries these three; all
// other fields are opaque to the storage layer.
const (
	FieldID        = "_id"
	FieldCreatedAt = "_createdAt"
	FieldUpdatedAt = "_updatedAt"
)

// TimeLayout is the textual timestamp format persisted by every backend.
// Timestamps are normalized to UTC so lexicographic order matches time order.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Document is the universal record shape shared by all backends: reserved
// metadata fields plus arbitrary schema-defined content.
type Document map[string]any

// ID returns the document id, or the empty string if unset.
func (d Document) ID() string {
	id, _ := d[FieldID].(string)
	return id
}

// CreatedAt returns the persisted creation timestamp.
func (d Document) CreatedAt() string {
	v, _ := d[FieldCreatedAt].(string)
	return v
}

// UpdatedAt returns the persisted modification timestamp.
func (d Document) UpdatedAt() string {
	v, _ := d[FieldUpdatedAt].(string)
	return v
}

// Clone returns a deep copy of the document. Nested maps and slices are
// copied; scalar values are shared.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

// Fields returns a copy of the document without its reserved fields.
func (d Document) Fields() Document {
	out := make(Document, len(d))
	for k, v := range d {
		if IsReservedField(k) {
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

// IsReservedField reports whether name is one of the reserved metadata fields.
func IsReservedField(name string) bool {
	return name == FieldID || name == FieldCreatedAt || name == FieldUpdatedAt
}

// FormatTime renders t in the persisted timestamp format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a persisted timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// NormalizeTimes converts every time.Time reachable through v into the
// persisted textual format, recursing through maps and slices. Other values
// are returned unchanged.
func NormalizeTimes(v any) any {
	switch val := v.(type) {
	case time.Time:
		return FormatTime(val)
	case Document:
		out := make(Document, len(val))
		for k, item := range val {
			out[k] = NormalizeTimes(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = NormalizeTimes(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = NormalizeTimes(item)
		}
		return out
	default:
		return v
	}
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Document:
		return val.Clone()
	case map[string]any:
		return Document(val).Clone()
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
