// Package visibility tracks which connections observe which identities,
// and which of those observers are new since the last tick flush. New
// observers are the ones owed a full snapshot; everyone else gets diffs.
package visibility

import (
	"outpost/netcode/netid"
	"outpost/netcode/wire"
)

// Observers is the interest set for one identity. Freshness is judged
// against membership at the last flush, so an observer removed and
// re-added within one tick is not "new", while one added, removed and
// added again still is: what matters is whether the connection held
// state from a previous tick.
type Observers struct {
	current map[wire.ConnID]struct{}
	stable  map[wire.ConnID]struct{}
}

func newObservers() *Observers {
	return &Observers{
		current: make(map[wire.ConnID]struct{}),
		stable:  make(map[wire.ConnID]struct{}),
	}
}

// Add inserts conn and reports whether it was newly added to the current
// set. Idempotent afterwards.
func (o *Observers) Add(conn wire.ConnID) bool {
	if _, ok := o.current[conn]; ok {
		return false
	}
	o.current[conn] = struct{}{}
	return true
}

// Remove drops conn and reports whether it was present.
func (o *Observers) Remove(conn wire.ConnID) bool {
	if _, ok := o.current[conn]; !ok {
		return false
	}
	delete(o.current, conn)
	return true
}

// Contains reports current observation.
func (o *Observers) Contains(conn wire.ConnID) bool {
	_, ok := o.current[conn]
	return ok
}

// Fresh reports whether conn is owed a full snapshot this tick.
func (o *Observers) Fresh(conn wire.ConnID) bool {
	if _, ok := o.current[conn]; !ok {
		return false
	}
	_, held := o.stable[conn]
	return !held
}

// Len returns the current observer count.
func (o *Observers) Len() int {
	return len(o.current)
}

// Each visits every current observer.
func (o *Observers) Each(fn func(wire.ConnID)) {
	for conn := range o.current {
		fn(conn)
	}
}

// EachFresh visits observers added since the last flush.
func (o *Observers) EachFresh(fn func(wire.ConnID)) {
	for conn := range o.current {
		if _, held := o.stable[conn]; !held {
			fn(conn)
		}
	}
}

// EachRemoved visits observers lost since the last flush.
func (o *Observers) EachRemoved(fn func(wire.ConnID)) {
	for conn := range o.stable {
		if _, ok := o.current[conn]; !ok {
			fn(conn)
		}
	}
}

// HasFresh reports whether any observer still needs a full snapshot.
func (o *Observers) HasFresh() bool {
	for conn := range o.current {
		if _, held := o.stable[conn]; !held {
			return true
		}
	}
	return false
}

func (o *Observers) flush() {
	clear(o.stable)
	for conn := range o.current {
		o.stable[conn] = struct{}{}
	}
}

// Manager owns the observer sets of every replicable identity. It is
// mutated by the interest policy before replication runs and flushed
// exactly once per tick after replication consumed the fresh sets.
type Manager struct {
	sets map[netid.ID]*Observers
}

func NewManager() *Manager {
	return &Manager{sets: make(map[netid.ID]*Observers)}
}

// Ensure returns the observer set for id, creating it when the identity
// first becomes replicable.
func (m *Manager) Ensure(id netid.ID) *Observers {
	set, ok := m.sets[id]
	if !ok {
		set = newObservers()
		m.sets[id] = set
	}
	return set
}

// Of returns the observer set for id without creating one.
func (m *Manager) Of(id netid.ID) (*Observers, bool) {
	set, ok := m.sets[id]
	return set, ok
}

// AddObserver reports whether conn newly started observing id.
func (m *Manager) AddObserver(id netid.ID, conn wire.ConnID) bool {
	return m.Ensure(id).Add(conn)
}

// RemoveObserver drops conn from id's set.
func (m *Manager) RemoveObserver(id netid.ID, conn wire.ConnID) bool {
	set, ok := m.sets[id]
	if !ok {
		return false
	}
	return set.Remove(conn)
}

// RemoveAllObservers empties id's set, keeping the identity replicable.
func (m *Manager) RemoveAllObservers(id netid.ID) {
	set, ok := m.sets[id]
	if !ok {
		return
	}
	for conn := range set.current {
		delete(set.current, conn)
	}
}

// Forget deletes the set entirely; used on despawn together with the
// identity release.
func (m *Manager) Forget(id netid.ID) {
	delete(m.sets, id)
}

// DropConnection removes conn from every set, used on disconnect.
func (m *Manager) DropConnection(conn wire.ConnID) {
	for _, set := range m.sets {
		set.Remove(conn)
		delete(set.stable, conn)
	}
}

// EndTickFlush promotes every current set to stable. Must run exactly
// once per tick, after all replication sends.
func (m *Manager) EndTickFlush() {
	for _, set := range m.sets {
		set.flush()
	}
}

// Each visits every (identity, observer set) pair.
func (m *Manager) Each(fn func(netid.ID, *Observers)) {
	for id, set := range m.sets {
		fn(id, set)
	}
}

func (m *Manager) Len() int {
	return len(m.sets)
}
