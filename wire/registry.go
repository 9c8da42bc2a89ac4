// Package wire assigns compact ids to replicated types and frames their
// payloads for the transport. Registration happens at application start-up
// on both peers; the sorted key order is what keeps the dense ids identical
// across builds without ever sending a type name on the wire.
package wire

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
)

// TypeKey is the globally unique identifier of a replicated type. Keys are
// fixed constants compiled into both peers.
type TypeKey uuid.UUID

// MustKey parses a canonical UUID string, panicking on malformed input.
// Intended for package-level key constants.
func MustKey(s string) TypeKey {
	return TypeKey(uuid.MustParse(s))
}

func (k TypeKey) String() string {
	return uuid.UUID(k).String()
}

// maxEntries bounds a single registry instance. Exceeding it is a
// configuration error, not a runtime condition.
const maxEntries = 65535

// Registry maps type keys to dense uint16 ids. Ids are positions in the
// sorted key list, so registering the same key set on both peers yields
// identical ids regardless of registration order. All registration must
// complete before the first message is encoded.
type Registry struct {
	keys  []TypeKey
	index map[TypeKey]uint16
}

func NewRegistry() *Registry {
	return &Registry{index: make(map[TypeKey]uint16)}
}

// Register inserts key and returns its id. Idempotent per key. Panics when
// the registry would exceed 65535 entries.
func (r *Registry) Register(key TypeKey) uint16 {
	if id, ok := r.index[key]; ok {
		return id
	}
	if len(r.keys) >= maxEntries {
		panic("wire: type registry full")
	}
	pos := sort.Search(len(r.keys), func(i int) bool {
		return bytes.Compare(r.keys[i][:], key[:]) >= 0
	})
	r.keys = append(r.keys, TypeKey{})
	copy(r.keys[pos+1:], r.keys[pos:])
	r.keys[pos] = key
	for i := pos; i < len(r.keys); i++ {
		r.index[r.keys[i]] = uint16(i)
	}
	return uint16(pos)
}

// IDOf returns the dense id for a registered key.
func (r *Registry) IDOf(key TypeKey) (uint16, bool) {
	id, ok := r.index[key]
	return id, ok
}

// KeyOf returns the key registered under id.
func (r *Registry) KeyOf(id uint16) (TypeKey, bool) {
	if int(id) >= len(r.keys) {
		return TypeKey{}, false
	}
	return r.keys[id], true
}

func (r *Registry) Len() int {
	return len(r.keys)
}
