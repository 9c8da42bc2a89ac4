// Package replication drives periodic serialization of networked
// components and resources to the connections observing them, and the
// application of received payloads into mirror components on the far
// side.
//
// Component authors implement State on the server-side component and
// Mirror on the client-side counterpart, both against a shared payload
// struct whose fields are pointers: nil means "unchanged", present
// means "apply". Declaration order of the payload fields is the wire
// contract between peers.
package replication

import (
	"outpost/netcode/netid"
	"outpost/netcode/wire"
)

// State is implemented by server-side component data. The dispatcher
// calls Snapshot for observers that just gained visibility, Diff for
// everyone else, and Flush exactly once per entity per tick.
type State[P any] interface {
	// Snapshot serializes every replicated field.
	Snapshot() P
	// Diff serializes the fields changed after tick since; ok is false
	// when nothing changed.
	Diff(since uint64) (P, bool)
	// Flush clears dirty flags stamping tick, reporting whether any
	// field was dirty.
	Flush(tick uint64) bool
}

// ObserverAware states serialize differently depending on who receives
// the payload, e.g. to redact fields from everyone but the owner. The
// dispatcher then serializes once per connection instead of once per
// entity.
type ObserverAware[P any] interface {
	State[P]
	SnapshotFor(conn wire.ConnID) P
	DiffFor(conn wire.ConnID, since uint64) (P, bool)
}

// Mirror is implemented by client-side component data. ApplyUpdate
// folds a received payload in; absent fields must leave current values
// untouched, so applying the same payload twice is a no-op.
type Mirror[P any] interface {
	ApplyUpdate(P)
}

// Payload frames one component or resource update on the wire. Since is
// nil for a full snapshot and carries the diff base tick otherwise;
// identity None addresses a resource rather than an entity.
type Payload[P any] struct {
	Identity netid.ID `codec:"id"`
	Since    *uint64  `codec:"since"`
	Body     P        `codec:"body"`
}
