package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/viewkeeper/viewkeeper/pkg/id"
)

// Record is an Instance backed by a plain field map.
type Record struct {
	id     string
	fields map[string]string
}

// NewRecord builds a Record with the given identifier and fields. The field
// map is copied.
func NewRecord(identifier string, fields map[string]string) *Record {
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return &Record{id: identifier, fields: copied}
}

func (r *Record) Identifier() string {
	return r.id
}

func (r *Record) Field(name string) (string, bool) {
	v, ok := r.fields[name]
	return v, ok
}

// SetField updates a single field in place.
func (r *Record) SetField(name, value string) {
	r.fields[name] = value
}

// FieldNames returns the record's field names in no particular order.
func (r *Record) FieldNames() []string {
	names := make([]string, 0, len(r.fields))
	for name := range r.fields {
		names = append(names, name)
	}
	return names
}

// Catalog is an in-memory Loader. It backs the CLI's demo mode and the
// engine tests.
type Catalog struct {
	mu      sync.RWMutex
	records map[string]map[string]*Record
}

var _ Loader = (*Catalog)(nil)

func NewCatalog() *Catalog {
	return &Catalog{records: map[string]map[string]*Record{}}
}

// Put stores a new record under a freshly generated ULID identifier.
func (c *Catalog) Put(scope string, fields map[string]string) (*Record, error) {
	identifier, err := id.NewString()
	if err != nil {
		return nil, fmt.Errorf("generate identifier: %w", err)
	}
	return c.PutWithID(scope, identifier, fields), nil
}

// PutWithID stores a record under a caller-chosen identifier, replacing any
// existing record.
func (c *Catalog) PutWithID(scope, identifier string, fields map[string]string) *Record {
	rec := NewRecord(identifier, fields)

	c.mu.Lock()
	defer c.mu.Unlock()

	scoped, ok := c.records[scope]
	if !ok {
		scoped = map[string]*Record{}
		c.records[scope] = scoped
	}
	scoped[identifier] = rec

	return rec
}

// Delete removes a record. Deleting an absent record is a no-op.
func (c *Catalog) Delete(scope, identifier string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.records[scope], identifier)
}

func (c *Catalog) Load(_ context.Context, scope, identifier string) (Instance, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.records[scope][identifier]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (c *Catalog) AllIDs(_ context.Context, scope string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.records[scope]))
	for identifier := range c.records[scope] {
		ids = append(ids, identifier)
	}
	sort.Strings(ids)

	return ids, nil
}
