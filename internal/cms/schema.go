package cms

import "sort"

// Field describes one attribute of a schema entry. The storage layer never
// interprets it; it exists for the admin surface.
type Field struct {
	Type     string `json:"type"`
	Label    string `json:"label,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// CollectionSchema declares the fields of a collection.
type CollectionSchema struct {
	Fields map[string]Field `json:"fields"`
}

// SingletonSchema declares the fields of a singleton.
type SingletonSchema struct {
	Fields map[string]Field `json:"fields"`
}

// Schema is the set of content types a deployment serves. Names not declared
// here are rejected by the facade before they reach storage.
type Schema struct {
	Collections map[string]CollectionSchema `json:"collections"`
	Singletons  map[string]SingletonSchema  `json:"singletons"`
}

// CollectionNames returns declared collection names sorted.
func (s Schema) CollectionNames() []string {
	names := make([]string, 0, len(s.Collections))
	for name := range s.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SingletonNames returns declared singleton names sorted.
func (s Schema) SingletonNames() []string {
	names := make([]string, 0, len(s.Singletons))
	for name := range s.Singletons {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
