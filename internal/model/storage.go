package model

import "context"

// Operator enumerates the comparison operators supported by structured
// filters.
type Operator string

const (
	OpEQ  Operator = "EQ"
	OpNEQ Operator = "NEQ"
	OpGT  Operator = "GT"
	OpGTE Operator = "GTE"
	OpLT  Operator = "LT"
	OpLTE Operator = "LTE"
	OpIN  Operator = "IN"
	OpNIN Operator = "NIN"
)

// Filter is a single structured predicate. IN and NIN require a slice value;
// every other operator binds a single value.
type Filter struct {
	Field    string
	Operator Operator
	Value    any
}

// Order is a single sort key. Direction is "asc" or "desc"; anything else is
// treated as descending.
type Order struct {
	Field     string
	Direction string
}

// Query is the legacy exact-match filter: every entry is an implicit
// equality, AND-combined. A Query and FindOptions.Where compose as AND.
type Query map[string]any

// FindOptions controls filtering, ordering and pagination of Find. Skip and
// Limit apply after filtering and sorting; Limit <= 0 means no limit. An
// empty OrderBy defaults to _updatedAt descending.
type FindOptions struct {
	Skip    int
	Limit   int
	OrderBy []Order
	Where   []Filter
}

// StorageStrategy is the uniform contract every storage backend satisfies.
// All operations fail with ErrNotInitialized before Initialize completes or
// after Cleanup. Collections are lazily materialized on first use; the
// registry reported by ListCollections only contains explicitly created
// collections.
type StorageStrategy interface {
	Initialize(ctx context.Context) error
	Cleanup(ctx context.Context) error

	ListCollections(ctx context.Context) ([]string, error)
	CreateCollection(ctx context.Context, name string, initial []Document) error
	GetCollection(ctx context.Context, name string) ([]Document, error)
	RenameCollection(ctx context.Context, oldName, newName string) error
	RemoveCollection(ctx context.Context, name string) error

	Insert(ctx context.Context, collection string, doc Document) (Document, error)
	Find(ctx context.Context, collection string, query Query, opts FindOptions) ([]Document, error)
	FindOne(ctx context.Context, collection string, query Query) (Document, error)
	Update(ctx context.Context, collection string, query Query, data Document) (int, error)
	UpdatePartial(ctx context.Context, collection string, query Query, patch Document) (int, error)
	Delete(ctx context.Context, collection string, query Query) (int, error)
	DeleteAll(ctx context.Context, collection string) (int, error)
	Count(ctx context.Context, collection string, query Query) (int, error)

	GetSingleton(ctx context.Context, name string) (Document, error)
	UpdateSingleton(ctx context.Context, name string, data Document) (Document, error)
}

// UniqueIndexer is an optional backend capability: enforcing uniqueness of a
// document field at the storage level. Backends that implement it return
// ErrDuplicate from Insert when the constraint is violated. Callers detect
// support with a type assertion.
type UniqueIndexer interface {
	EnsureUniqueIndex(ctx context.Context, collection, field string) error
}

// SingletonCollection is the reserved collection holding singleton documents,
// keyed by the singleton name.
const SingletonCollection = "singletons"
