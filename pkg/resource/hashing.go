package resource

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ErrUnknownHashVersion is returned for hash versions with no registered Hasher.
var ErrUnknownHashVersion = errors.New("unknown index entry hash version")

// HashVersion selects the index entry hashing algorithm. Older lock protocol
// generations keep using the version they were written with, so every
// version ever shipped must stay selectable and bit-for-bit stable.
type HashVersion int

const (
	// HashV1 is the legacy word-folding hash.
	HashV1 HashVersion = 1
	// HashV2 is the current xxHash64 based hash.
	HashV2 HashVersion = 2

	// DefaultHashVersion is used when no version is configured.
	DefaultHashVersion = HashV2
)

// String returns "v1", "v2", ...
func (v HashVersion) String() string {
	return fmt.Sprintf("v%d", int(v))
}

// ParseHashVersion accepts "1", "v1", "legacy", "2", "v2", "current".
// The empty string selects DefaultHashVersion.
func ParseHashVersion(s string) (HashVersion, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return DefaultHashVersion, nil
	case "1", "v1", "legacy":
		return HashV1, nil
	case "2", "v2", "current":
		return HashV2, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownHashVersion, s)
}

// Predicate is one exact-match component of an index entry: a property key
// token and the value it must equal.
type Predicate struct {
	PropertyKey int
	Value       any
}

// SortPredicates returns a copy of preds ordered by property key.
//
// Hashers combine predicates sequentially, so the same logical entry only
// maps to the same ID when every caller supplies predicates in this
// canonical order.
func SortPredicates(preds []Predicate) []Predicate {
	sorted := slices.Clone(preds)
	slices.SortStableFunc(sorted, func(a, b Predicate) int {
		return cmp.Compare(a.PropertyKey, b.PropertyKey)
	})
	return sorted
}

// LabelToken returns the schema token value used for a label id.
func LabelToken(labelID int) int64 {
	return int64(labelID)
}

// RelationshipTypeToken returns the schema token value used for a
// relationship type id. The bitwise complement keeps relationship type 0
// distinct from label 0.
func RelationshipTypeToken(typeID int) int64 {
	return ^int64(typeID)
}

// Hasher derives index entry resource IDs.
type Hasher interface {
	// Version identifies the algorithm.
	Version() HashVersion
	// IndexEntryID hashes a schema token and ordered exact-match predicates.
	IndexEntryID(token int64, preds []Predicate) (ID, error)
}

var hashers = map[HashVersion]Hasher{
	HashV1: legacyHasher{},
	HashV2: xxHasher{},
}

// HasherFor returns the Hasher registered for version v.
func HasherFor(v HashVersion) (Hasher, error) {
	h, ok := hashers[v]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHashVersion, v)
	}
	return h, nil
}

// IndexEntryID derives the lock ID of an index entry under hash version v.
//
// Example:
//
//	id, err := resource.IndexEntryID(resource.HashV2, resource.LabelToken(3),
//		resource.Predicate{PropertyKey: 1, Value: "alice"},
//		resource.Predicate{PropertyKey: 4, Value: int32(30)},
//	)
//	if err != nil {
//		return err
//	}
//	err = client.AcquireExclusive(tracer, resource.IndexEntry, id)
func IndexEntryID(v HashVersion, token int64, preds ...Predicate) (ID, error) {
	h, err := HasherFor(v)
	if err != nil {
		return 0, err
	}
	return h.IndexEntryID(token, preds)
}

// =============================================================================
// HashV2: xxHash64
// =============================================================================

type xxHasher struct{}

func (xxHasher) Version() HashVersion { return HashV2 }

func (xxHasher) IndexEntryID(token int64, preds []Predicate) (ID, error) {
	enc := &xxEncoder{d: xxhash.New()}
	enc.word(uint64(token))
	enc.word(uint64(len(preds)))
	for _, p := range preds {
		enc.word(uint64(int64(p.PropertyKey)))
		if err := visitValue(p.Value, enc); err != nil {
			return 0, fmt.Errorf("property key %d: %w", p.PropertyKey, err)
		}
	}
	return ID(enc.d.Sum64()), nil
}

// xxEncoder writes a little-endian canonical byte stream into the digest.
type xxEncoder struct {
	d   *xxhash.Digest
	buf [9]byte
}

func (e *xxEncoder) word(v uint64) {
	binary.LittleEndian.PutUint64(e.buf[:8], v)
	_, _ = e.d.Write(e.buf[:8])
}

func (e *xxEncoder) tagged(kind valueKind, v uint64) {
	e.buf[0] = byte(kind)
	binary.LittleEndian.PutUint64(e.buf[1:], v)
	_, _ = e.d.Write(e.buf[:])
}

func (e *xxEncoder) integer(v int64) { e.tagged(kindInteger, uint64(v)) }
func (e *xxEncoder) float(v float64) { e.tagged(kindFloat, floatBits(v)) }
func (e *xxEncoder) array(n int)     { e.tagged(kindArray, uint64(n)) }

func (e *xxEncoder) boolean(v bool) {
	var b uint64
	if v {
		b = 1
	}
	e.tagged(kindBool, b)
}

func (e *xxEncoder) text(s string) {
	e.tagged(kindString, uint64(len(s)))
	_, _ = e.d.WriteString(s)
}

// =============================================================================
// HashV1: legacy word folding
// =============================================================================

const (
	foldOffset = 14695981039346656037
	foldPrime  = 1099511628211
)

type legacyHasher struct{}

func (legacyHasher) Version() HashVersion { return HashV1 }

func (legacyHasher) IndexEntryID(token int64, preds []Predicate) (ID, error) {
	f := &folder{h: foldOffset}
	f.word(uint64(token))
	f.word(uint64(len(preds)))
	for _, p := range preds {
		f.word(uint64(int64(p.PropertyKey)))
		if err := visitValue(p.Value, f); err != nil {
			return 0, fmt.Errorf("property key %d: %w", p.PropertyKey, err)
		}
	}
	return ID(fmix64(f.h)), nil
}

// folder mixes one 64-bit word at a time. Each step is a bijection in both
// the state and the word, so inputs differing in a single word never meet.
type folder struct {
	h uint64
}

func (f *folder) word(w uint64) {
	f.h ^= w
	f.h *= foldPrime
}

func (f *folder) integer(v int64) {
	f.word(uint64(kindInteger))
	f.word(uint64(v))
}

func (f *folder) float(v float64) {
	f.word(uint64(kindFloat))
	f.word(floatBits(v))
}

func (f *folder) boolean(v bool) {
	f.word(uint64(kindBool))
	if v {
		f.word(1)
	} else {
		f.word(0)
	}
}

func (f *folder) array(n int) {
	f.word(uint64(kindArray))
	f.word(uint64(n))
}

func (f *folder) text(s string) {
	f.word(uint64(kindString))
	f.word(uint64(len(s)))
	for len(s) >= 8 {
		f.word(binary.LittleEndian.Uint64([]byte(s[:8])))
		s = s[8:]
	}
	if len(s) > 0 {
		var chunk [8]byte
		copy(chunk[:], s)
		f.word(binary.LittleEndian.Uint64(chunk[:]))
	}
}

// fmix64 is the murmur3 finalizer.
func fmix64(h uint64) uint64 {
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}
