// Package registry holds the immutable relationship metadata that every
// engine is parameterized by.
//
// A relationship is declared once, at application start, as a Descriptor and
// appended to a Registry. Runtime behaviour is always driven by descriptor
// lookup, never by re-deriving configuration from live data.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Kind discriminates what a Descriptor declares.
type Kind int

const (
	KindParticipation Kind = iota
	KindUniqueIndex
	KindMultiIndex
)

func (k Kind) String() string {
	switch k {
	case KindParticipation:
		return "participation"
	case KindUniqueIndex:
		return "unique_index"
	case KindMultiIndex:
		return "multi_index"
	default:
		return "unknown"
	}
}

// CollectionType selects the container shape of a participation collection.
type CollectionType int

const (
	SortedSet CollectionType = iota
	Set
	List
)

func (t CollectionType) String() string {
	switch t {
	case SortedSet:
		return "sorted_set"
	case Set:
		return "set"
	case List:
		return "list"
	default:
		return "unknown"
	}
}

// CascadeStrategy controls what happens to a relationship when a
// participating object is destroyed.
type CascadeStrategy int

const (
	// CascadeRemove detaches the object from the relationship. Default.
	CascadeRemove CascadeStrategy = iota

	// CascadeNotify detaches and then invokes an application callback so the
	// owner can decide whether it should itself be cleaned up.
	CascadeNotify

	// CascadeIgnore leaves membership intentionally stale.
	CascadeIgnore
)

func (s CascadeStrategy) String() string {
	switch s {
	case CascadeRemove:
		return "remove"
	case CascadeNotify:
		return "cascade"
	case CascadeIgnore:
		return "ignore"
	default:
		return "unknown"
	}
}

// Cardinality distinguishes unique from multi-valued indexes.
type Cardinality int

const (
	Unique Cardinality = iota
	Multi
)

func (c Cardinality) String() string {
	if c == Unique {
		return "unique"
	}
	return "multi"
}

// Descriptor is one declared relationship. Descriptors are immutable after
// registration.
type Descriptor struct {
	Kind Kind

	// Name is the symbolic collection or index name.
	Name string

	// OwnerScope is the scope that owns the collection or index.
	OwnerScope string

	// ClassLevel marks relationships attached to the scope itself rather
	// than to each of its instances.
	ClassLevel bool

	// ParticipantScope is the scope of the objects appearing in the
	// collection or index.
	ParticipantScope string

	// CollectionType applies to participation relationships only.
	CollectionType CollectionType

	// Score applies to sorted-set participations only. Defaults to
	// CurrentTimeScore when nil.
	Score ScoreStrategy

	// Field names the indexed field. Index kinds only.
	Field string

	Cascade     CascadeStrategy
	Cardinality Cardinality

	// GenerateQueryMethods marks collections eligible for the query engine's
	// convenience surface.
	GenerateQueryMethods bool
}

// IsIndex reports whether the descriptor declares an index relationship.
func (d *Descriptor) IsIndex() bool {
	return d.Kind == KindUniqueIndex || d.Kind == KindMultiIndex
}

// Registry is the append-only set of declared relationships, keyed by
// normalized scope names.
type Registry struct {
	mu            sync.RWMutex
	scopes        map[string]struct{}
	byOwner       map[string][]*Descriptor
	byParticipant map[string][]*Descriptor
}

func New() *Registry {
	return &Registry{
		scopes:        map[string]struct{}{},
		byOwner:       map[string][]*Descriptor{},
		byParticipant: map[string][]*Descriptor{},
	}
}

// NormalizeScope reduces a scope reference to its comparable base name:
// package qualifiers are stripped and the result is lowercased, so re-declared
// or aliased scopes still match.
func NormalizeScope(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return strings.ToLower(strings.TrimSpace(name))
}

// RegisterScope makes a scope name resolvable. Registering the same scope
// twice is a no-op.
func (r *Registry) RegisterScope(name string) string {
	normalized := NormalizeScope(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.scopes[normalized] = struct{}{}

	return normalized
}

// KnownScopes returns the registered scope names in sorted order.
func (r *Registry) KnownScopes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.knownScopesLocked()
}

func (r *Registry) knownScopesLocked() []string {
	scopes := make([]string, 0, len(r.scopes))
	for s := range r.scopes {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)

	return scopes
}

// ResolveScope resolves a scope reference against the registered scopes. An
// unknown reference is a configuration error, reported with the currently
// known scopes so the misdeclaration is easy to spot.
func (r *Registry) ResolveScope(ref string) (string, error) {
	normalized := NormalizeScope(ref)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.scopes[normalized]; !ok {
		return "", &UnresolvedTargetError{Reference: ref, Known: r.knownScopesLocked()}
	}

	return normalized, nil
}

// Register validates and appends a descriptor. Scope names referenced by the
// descriptor must already be registered. The returned descriptor is the
// normalized copy the registry retains.
func (r *Registry) Register(d Descriptor) (*Descriptor, error) {
	if d.Name == "" {
		return nil, fmt.Errorf("%w: relationship name must not be empty", ErrInvalidDescriptor)
	}

	owner, err := r.ResolveScope(d.OwnerScope)
	if err != nil {
		return nil, err
	}
	d.OwnerScope = owner

	participant, err := r.ResolveScope(d.ParticipantScope)
	if err != nil {
		return nil, err
	}
	d.ParticipantScope = participant

	switch d.Kind {
	case KindParticipation:
		if d.CollectionType == SortedSet && d.Score == nil {
			d.Score = CurrentTimeScore{}
		}
	case KindUniqueIndex:
		if d.Field == "" {
			return nil, fmt.Errorf("%w: index %q declares no field", ErrInvalidDescriptor, d.Name)
		}
		d.Cardinality = Unique
	case KindMultiIndex:
		if d.Field == "" {
			return nil, fmt.Errorf("%w: index %q declares no field", ErrInvalidDescriptor, d.Name)
		}
		d.Cardinality = Multi
	default:
		return nil, fmt.Errorf("%w: unknown relationship kind %d", ErrInvalidDescriptor, d.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.byOwner[d.OwnerScope] {
		if existing.Name == d.Name && existing.Kind == d.Kind && existing.ClassLevel == d.ClassLevel {
			return nil, fmt.Errorf("%w: %s %q already declared on scope %q",
				ErrInvalidDescriptor, d.Kind, d.Name, d.OwnerScope)
		}
	}

	copied := d
	r.byOwner[d.OwnerScope] = append(r.byOwner[d.OwnerScope], &copied)
	r.byParticipant[d.ParticipantScope] = append(r.byParticipant[d.ParticipantScope], &copied)

	return &copied, nil
}

// MustRegister is Register for declaration-time wiring, where a bad
// descriptor is fatal.
func (r *Registry) MustRegister(d Descriptor) *Descriptor {
	registered, err := r.Register(d)
	if err != nil {
		panic(err)
	}
	return registered
}

// OwnedBy returns every descriptor whose collection or index lives under the
// given owner scope.
func (r *Registry) OwnedBy(ownerScope string) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descriptors := r.byOwner[NormalizeScope(ownerScope)]

	return append([]*Descriptor(nil), descriptors...)
}

// ParticipatedBy returns every descriptor whose participant side is the given
// scope. The cascade engine walks this list on destruction.
func (r *Registry) ParticipatedBy(participantScope string) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descriptors := r.byParticipant[NormalizeScope(participantScope)]

	return append([]*Descriptor(nil), descriptors...)
}

// FindCollection looks up a participation descriptor by owner scope and
// collection name.
func (r *Registry) FindCollection(ownerScope, name string) (*Descriptor, bool) {
	return r.find(ownerScope, name, func(d *Descriptor) bool {
		return d.Kind == KindParticipation
	})
}

// FindIndex looks up an index descriptor by owner scope and index name.
func (r *Registry) FindIndex(ownerScope, name string) (*Descriptor, bool) {
	return r.find(ownerScope, name, (*Descriptor).IsIndex)
}

func (r *Registry) find(ownerScope, name string, match func(*Descriptor) bool) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.byOwner[NormalizeScope(ownerScope)] {
		if d.Name == name && match(d) {
			return d, true
		}
	}

	return nil, false
}
