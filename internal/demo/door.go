package demo

import "outpost/netcode/netvar"

// Door opens and closes on a fixed cycle. Offset staggers the cycle so
// the station's doors do not slam in unison; it is not replicated.
type Door struct {
	Open   netvar.Var[bool]
	Offset uint64
}

type DoorPayload struct {
	Open *bool `codec:"open"`
}

func (d *Door) Snapshot() DoorPayload {
	open := d.Open.Value()
	return DoorPayload{Open: &open}
}

func (d *Door) Diff(since uint64) (DoorPayload, bool) {
	if !d.Open.ChangedSince(since) {
		return DoorPayload{}, false
	}
	open := d.Open.Value()
	return DoorPayload{Open: &open}, true
}

func (d *Door) Flush(tick uint64) bool {
	return d.Open.Flush(tick)
}

type DoorMirror struct {
	Open netvar.Mirror[bool]
}

func (m *DoorMirror) ApplyUpdate(p DoorPayload) {
	if p.Open != nil {
		m.Open.Apply(*p.Open)
	}
}
