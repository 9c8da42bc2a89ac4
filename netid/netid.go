// Package netid maps stable network identities to live world entities.
package netid

import (
	"fmt"

	"github.com/yohamta/donburi"
)

// ID is the stable cross-peer handle for a replicated entity. IDs are
// allocated by the authoritative side and never reused within a round.
type ID uint32

// None is never allocated; it marks "no identity".
const None ID = 0

// Data stamps an entity with its network identity so queries can join on it.
type Data struct {
	ID ID
}

// Component holds the identity on replicated entries, on both sides.
var Component = donburi.NewComponentType[Data]()

// Registry is the bidirectional identity map. It is owned by the engine
// goroutine; both directions always change together within one call.
type Registry struct {
	authoritative bool
	lastID        ID
	byID          map[ID]donburi.Entity
	byEntity      map[donburi.Entity]ID
}

// NewRegistry constructs a registry. Only the authoritative (server) side
// may allocate fresh identities; the client side binds received ones.
func NewRegistry(authoritative bool) *Registry {
	return &Registry{
		authoritative: authoritative,
		byID:          make(map[ID]donburi.Entity),
		byEntity:      make(map[donburi.Entity]ID),
	}
}

// Authoritative reports whether this side may allocate identities.
func (r *Registry) Authoritative() bool {
	return r.authoritative
}

// Allocate assigns the next identity to entity. Panics when called on a
// non-authoritative registry: clients must never invent identities.
func (r *Registry) Allocate(entity donburi.Entity) ID {
	if !r.authoritative {
		panic("netid: allocate called on non-authoritative registry")
	}
	if existing, ok := r.byEntity[entity]; ok {
		return existing
	}
	r.lastID++
	id := r.lastID
	r.byID[id] = entity
	r.byEntity[entity] = id
	return id
}

// Bind records a received identity for a locally materialized entity.
func (r *Registry) Bind(id ID, entity donburi.Entity) error {
	if id == None {
		return fmt.Errorf("netid: bind of zero identity")
	}
	if existing, ok := r.byID[id]; ok {
		if existing == entity {
			return nil
		}
		return fmt.Errorf("netid: identity %d already bound", id)
	}
	if existing, ok := r.byEntity[entity]; ok {
		return fmt.Errorf("netid: entity already bound to identity %d", existing)
	}
	r.byID[id] = entity
	r.byEntity[entity] = id
	return nil
}

// Resolve returns the local entity for an identity.
func (r *Registry) Resolve(id ID) (donburi.Entity, bool) {
	entity, ok := r.byID[id]
	return entity, ok
}

// IdentityOf returns the identity for a local entity.
func (r *Registry) IdentityOf(entity donburi.Entity) (ID, bool) {
	id, ok := r.byEntity[entity]
	return id, ok
}

// Release removes the mapping in both directions. Identities are not
// recycled: a later Allocate continues from the high-water mark.
func (r *Registry) Release(id ID) {
	entity, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	delete(r.byEntity, entity)
}

// Len reports how many identities are currently bound.
func (r *Registry) Len() int {
	return len(r.byID)
}

// Each visits every bound (identity, entity) pair in unspecified order.
func (r *Registry) Each(fn func(ID, donburi.Entity) bool) {
	for id, entity := range r.byID {
		if !fn(id, entity) {
			return
		}
	}
}
