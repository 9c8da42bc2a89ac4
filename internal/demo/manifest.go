package demo

import (
	"outpost/netcode/netvar"
	"outpost/netcode/wire"
)

// HiddenUnits is what a manifest reports to connections that do not own
// the crate. It is deliberately not a plausible count.
const HiddenUnits = -1

// Manifest labels a supply crate. The label is public; the unit count
// is visible only to the owning connection, and changes to it are never
// sent to anyone else. Owner zero means unclaimed.
type Manifest struct {
	Owner netvar.Var[uint64]
	Label netvar.Var[string]
	Units netvar.Var[int]
}

type ManifestPayload struct {
	Label *string `codec:"label"`
	Units *int    `codec:"units"`
}

func (m *Manifest) Snapshot() ManifestPayload {
	label := m.Label.Value()
	units := m.Units.Value()
	return ManifestPayload{Label: &label, Units: &units}
}

func (m *Manifest) Diff(since uint64) (ManifestPayload, bool) {
	var p ManifestPayload
	changed := false
	if m.Label.ChangedSince(since) {
		label := m.Label.Value()
		p.Label = &label
		changed = true
	}
	if m.Units.ChangedSince(since) {
		units := m.Units.Value()
		p.Units = &units
		changed = true
	}
	return p, changed
}

func (m *Manifest) Flush(tick uint64) bool {
	dirty := m.Owner.Flush(tick)
	if m.Label.Flush(tick) {
		dirty = true
	}
	if m.Units.Flush(tick) {
		dirty = true
	}
	return dirty
}

func (m *Manifest) SnapshotFor(conn wire.ConnID) ManifestPayload {
	if uint64(conn) != m.Owner.Value() {
		label := m.Label.Value()
		hidden := HiddenUnits
		return ManifestPayload{Label: &label, Units: &hidden}
	}
	return m.Snapshot()
}

func (m *Manifest) DiffFor(conn wire.ConnID, since uint64) (ManifestPayload, bool) {
	if uint64(conn) == m.Owner.Value() {
		p, changed := m.Diff(since)
		// A connection that just became owner was seeing HiddenUnits,
		// so hand it the real count even if the count itself is clean.
		if m.Owner.ChangedSince(since) && p.Units == nil {
			units := m.Units.Value()
			p.Units = &units
			changed = true
		}
		return p, changed
	}
	var p ManifestPayload
	changed := false
	if m.Label.ChangedSince(since) {
		label := m.Label.Value()
		p.Label = &label
		changed = true
	}
	// A lost claim re-hides the count.
	if m.Owner.ChangedSince(since) {
		hidden := HiddenUnits
		p.Units = &hidden
		changed = true
	}
	return p, changed
}

type ManifestMirror struct {
	Label netvar.Mirror[string]
	Units netvar.Mirror[int]
}

func (m *ManifestMirror) ApplyUpdate(p ManifestPayload) {
	if p.Label != nil {
		m.Label.Apply(*p.Label)
	}
	if p.Units != nil {
		m.Units.Apply(*p.Units)
	}
}
