package registry

import (
	"github.com/viewkeeper/viewkeeper/pkg/keys"
)

// CollectionKey returns the store key of this participation collection for
// the given owner. Class-level collections ignore ownerID.
func (d *Descriptor) CollectionKey(ownerID string) string {
	if d.ClassLevel {
		return keys.ClassCollection(d.OwnerScope, d.Name)
	}
	return keys.Collection(d.OwnerScope, ownerID, d.Name)
}

// CollectionPattern returns the scan pattern matching this collection across
// every owner. For class-level collections the pattern is the single exact
// key.
func (d *Descriptor) CollectionPattern() string {
	if d.ClassLevel {
		return keys.ClassCollection(d.OwnerScope, d.Name)
	}
	return keys.CollectionPattern(d.OwnerScope, d.Name)
}

// UniqueIndexKey returns the hash key backing a unique index.
func (d *Descriptor) UniqueIndexKey(ownerID string) string {
	if d.ClassLevel {
		return keys.UniqueIndex(d.OwnerScope, d.Name)
	}
	return keys.InstanceUniqueIndex(d.OwnerScope, ownerID, d.Name)
}

// MultiIndexValueKey returns the set key holding the identifiers indexed
// under fieldValue.
func (d *Descriptor) MultiIndexValueKey(ownerID, fieldValue string) string {
	if d.ClassLevel {
		return keys.MultiIndexValue(d.OwnerScope, d.Name, fieldValue)
	}
	return keys.InstanceMultiIndexValue(d.OwnerScope, ownerID, d.Name, fieldValue)
}

// MultiIndexPattern returns the scan pattern matching every value key of a
// multi index.
func (d *Descriptor) MultiIndexPattern(ownerID string) string {
	if d.ClassLevel {
		return keys.MultiIndexPattern(d.OwnerScope, d.Name)
	}
	return keys.InstanceMultiIndexPattern(d.OwnerScope, ownerID, d.Name)
}

// ScanPattern returns the pattern matching every store key the relationship
// can occupy, across all owners. Cascade cleanup scans this to find candidate
// keys without enumerating owners.
func (d *Descriptor) ScanPattern() string {
	switch d.Kind {
	case KindMultiIndex:
		if d.ClassLevel {
			return keys.MultiIndexPattern(d.OwnerScope, d.Name)
		}
		return keys.CollectionPattern(d.OwnerScope, d.Name) + keys.Separator + "*"
	default:
		return d.CollectionPattern()
	}
}
