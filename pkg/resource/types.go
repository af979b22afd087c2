// Package resource defines the addressable units of lock contention.
//
// Every lock taken by the lock manager names a resource as a (Type, ID) pair.
// For entity resources (nodes, relationships, tokens) the ID is the entity's
// native id. For index entries the ID is derived by hashing the schema token
// and the exact-match predicates of the entry with a versioned Hasher, so that
// two transactions touching the same logical index entry contend on the same
// lock slot.
//
// Example:
//
//	// Lock node 42 directly
//	err := client.AcquireExclusive(tracer, resource.Node, 42)
//
//	// Lock the index entry (:Person {email: "alice@example.com"})
//	id, err := resource.IndexEntryID(resource.HashV2, personLabel,
//		resource.Predicate{PropertyKey: emailKey, Value: "alice@example.com"})
//	if err != nil {
//		return err // caller passed a value that cannot be hashed
//	}
package resource

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownType is returned when parsing a resource type name fails.
var ErrUnknownType = errors.New("unknown resource type")

// Type identifies a kind of lockable resource.
type Type uint8

const (
	// Node locks guard a node record.
	Node Type = iota + 1
	// Relationship locks guard a relationship record.
	Relationship
	// Label locks guard a label token (schema changes on that label).
	Label
	// RelationshipType locks guard a relationship type token.
	RelationshipType
	// Schema locks guard a named schema element (index or constraint).
	Schema
	// IndexEntry locks guard a hashed index key. See IndexEntryID.
	IndexEntry
	// NodeRelationshipGroupDelete locks serialize deletion of a dense node's
	// relationship groups.
	NodeRelationshipGroupDelete
	// Degrees locks guard the cached degree counts of a dense node.
	Degrees
)

var typeNames = map[Type]string{
	Node:                        "NODE",
	Relationship:                "RELATIONSHIP",
	Label:                       "LABEL",
	RelationshipType:            "RELATIONSHIP_TYPE",
	Schema:                      "SCHEMA",
	IndexEntry:                  "INDEX_ENTRY",
	NodeRelationshipGroupDelete: "NODE_RELATIONSHIP_GROUP_DELETE",
	Degrees:                     "DEGREES",
}

// Types returns every resource type in declaration order.
func Types() []Type {
	return []Type{
		Node, Relationship, Label, RelationshipType,
		Schema, IndexEntry, NodeRelationshipGroupDelete, Degrees,
	}
}

// String returns the stable upper-case name of the type.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TYPE(%d)", uint8(t))
}

// Valid reports whether t is one of the declared types.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// Derived reports whether IDs of this type are computed rather than native
// entity ids.
func (t Type) Derived() bool {
	return t == IndexEntry
}

// ParseType parses a type name case-insensitively. Both "RELATIONSHIP_TYPE"
// and "relationship-type" are accepted.
func ParseType(name string) (Type, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", "_"))
	for t, n := range typeNames {
		if n == normalized {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownType, name)
}

// ID is a 64-bit resource identifier. IDs carry no ordering semantics
// beyond equality, except that callers acquire batches in ascending order.
type ID int64

// IDs converts native int64 ids into resource IDs.
func IDs(ids ...int64) []ID {
	out := make([]ID, len(ids))
	for i, id := range ids {
		out[i] = ID(id)
	}
	return out
}
