// Package netvar provides the change-tracked value wrappers replication
// serializes from and applies into. The wrappers know nothing about the
// network; they only answer "did this change since tick T".
package netvar

// Var wraps a server-owned value and records whether and when it changed.
// The zero Var is dirty, so the first flush always serializes it.
type Var[T any] struct {
	value       T
	clean       bool
	lastChanged uint64
}

// NewVar returns a dirty Var holding v.
func NewVar[T any](v T) Var[T] {
	return Var[T]{value: v}
}

// Value returns the current value.
func (v *Var[T]) Value() T {
	return v.value
}

// Set stores a new value and marks the variable dirty unconditionally.
// Equality-based suppression is deliberately not provided: setting the
// same value again still counts as a change.
func (v *Var[T]) Set(value T) {
	v.value = value
	v.clean = false
}

// Dirty reports whether the variable changed since the last flush.
func (v *Var[T]) Dirty() bool {
	return !v.clean
}

// ChangedSince reports whether the value changed at any tick after tick.
func (v *Var[T]) ChangedSince(tick uint64) bool {
	if !v.clean {
		return true
	}
	return v.lastChanged > tick
}

// Flush transitions dirty to clean, stamping the flush tick. It reports
// whether the variable was dirty so callers can skip no-op payloads.
func (v *Var[T]) Flush(tick uint64) bool {
	if v.clean {
		return false
	}
	v.clean = true
	v.lastChanged = tick
	return true
}

// LastChanged returns the tick stamped by the most recent dirty flush.
func (v *Var[T]) LastChanged() uint64 {
	return v.lastChanged
}

// Mirror holds the client-side copy of a server-owned value. It is valid
// only after the first update arrives.
type Mirror[T any] struct {
	value T
	ready bool
}

// Apply stores a received value and marks the mirror initialized.
func (m *Mirror[T]) Apply(value T) {
	m.value = value
	m.ready = true
}

// Value returns the mirrored value. Reading before the first update is a
// programmer error: it means game code relied on replicated state before
// the handshake delivered it.
func (m *Mirror[T]) Value() T {
	if !m.ready {
		panic("netvar: mirror variable read before first update")
	}
	return m.value
}

// Get returns the mirrored value without panicking.
func (m *Mirror[T]) Get() (T, bool) {
	return m.value, m.ready
}

// Ready reports whether at least one update has been applied.
func (m *Mirror[T]) Ready() bool {
	return m.ready
}
