// Package keys builds and parses the store key names used for collections,
// indexes and reverse-index sets.
//
// Key layout, stable and reverse-parseable:
//
//	{scope}:{ownerID}:{collectionOrIndexName}[:{fieldValue}]  instance-scoped
//	{scope}:{collectionOrIndexName}[:{fieldValue}]            class-level/global
//
// Components never contain the separator unescaped.
package keys

import (
	"fmt"
	"strings"
)

// Separator joins key components. Components are escaped so that a separator
// inside a scope name, identifier or field value never breaks parsing.
const Separator = ":"

// ReverseIndexName is the reserved collection name that holds a participant's
// reverse-index set.
const ReverseIndexName = "participations"

// ObjectName is the reserved name under which an instance's fields are stored
// as a hash.
const ObjectName = "object"

// InstancesName is the reserved class-level collection holding the canonical
// set of a scope's instance identifiers.
const InstancesName = "instances"

// temporaryPrefix namespaces short-lived query result keys.
const temporaryPrefix = "query" + Separator + "tmp" + Separator

var escaper = strings.NewReplacer("%", "%25", ":", "%3A")

var unescaper = strings.NewReplacer("%3A", ":", "%25", "%")

// Escape makes a component safe for embedding in a key.
func Escape(component string) string {
	return escaper.Replace(component)
}

// Unescape reverses Escape.
func Unescape(component string) string {
	return unescaper.Replace(component)
}

// Join escapes each component and joins them with the separator.
func Join(components ...string) string {
	escaped := make([]string, 0, len(components))
	for _, c := range components {
		escaped = append(escaped, Escape(c))
	}
	return strings.Join(escaped, Separator)
}

// Split splits a key into unescaped components.
func Split(key string) []string {
	parts := strings.Split(key, Separator)
	for i, p := range parts {
		parts[i] = Unescape(p)
	}
	return parts
}

// Collection returns the key of an instance-scoped collection.
func Collection(scope, ownerID, name string) string {
	return Join(scope, ownerID, name)
}

// ClassCollection returns the key of a class-level or global collection.
func ClassCollection(scope, name string) string {
	return Join(scope, name)
}

// UniqueIndex returns the hash key of a class-level unique index.
func UniqueIndex(scope, name string) string {
	return Join(scope, name)
}

// InstanceUniqueIndex returns the hash key of an instance-scoped unique index.
func InstanceUniqueIndex(scope, ownerID, name string) string {
	return Join(scope, ownerID, name)
}

// MultiIndexValue returns the set key holding the identifiers indexed under
// fieldValue in a class-level multi index.
func MultiIndexValue(scope, name, fieldValue string) string {
	return Join(scope, name, fieldValue)
}

// InstanceMultiIndexValue is MultiIndexValue for an instance-scoped index.
func InstanceMultiIndexValue(scope, ownerID, name, fieldValue string) string {
	return Join(scope, ownerID, name, fieldValue)
}

// MultiIndexPattern returns the scan pattern matching every value key of a
// class-level multi index.
func MultiIndexPattern(scope, name string) string {
	return Join(scope, name) + Separator + "*"
}

// InstanceMultiIndexPattern is MultiIndexPattern for an instance-scoped index.
func InstanceMultiIndexPattern(scope, ownerID, name string) string {
	return Join(scope, ownerID, name) + Separator + "*"
}

// CollectionPattern returns the scan pattern matching the named collection
// across every owner of the scope.
func CollectionPattern(scope, name string) string {
	return Escape(scope) + Separator + "*" + Separator + Escape(name)
}

// Object returns the hash key holding an instance's fields.
func Object(scope, id string) string {
	return Join(scope, id, ObjectName)
}

// Instances returns the key of the canonical instance set for scope.
func Instances(scope string) string {
	return Join(scope, InstancesName)
}

// ReverseIndex returns the key of a participant's reverse-index set.
func ReverseIndex(scope, id string) string {
	return Join(scope, id, ReverseIndexName)
}

// ScopePrefix returns the prefix shared by every key under scope.
func ScopePrefix(scope string) string {
	return Escape(scope) + Separator
}

// Temporary returns a short-lived query result key for the given suffix.
func Temporary(suffix string) string {
	return temporaryPrefix + Escape(suffix)
}

// IsTemporary reports whether key names a temporary query result.
func IsTemporary(key string) bool {
	return strings.HasPrefix(key, temporaryPrefix)
}

// ParsedCollection is the structural decomposition of a collection key.
type ParsedCollection struct {
	Scope      string
	OwnerID    string // empty for class-level keys
	Name       string
	ClassLevel bool
}

// ParseCollection reverse-parses a collection key. Two components parse as a
// class-level collection, three as an instance-scoped one. Keys with any
// other shape are rejected.
func ParseCollection(key string) (ParsedCollection, error) {
	parts := Split(key)
	switch len(parts) {
	case 2:
		return ParsedCollection{Scope: parts[0], Name: parts[1], ClassLevel: true}, nil
	case 3:
		return ParsedCollection{Scope: parts[0], OwnerID: parts[1], Name: parts[2]}, nil
	default:
		return ParsedCollection{}, fmt.Errorf("malformed collection key %q: expected 2 or 3 components, got %d", key, len(parts))
	}
}
