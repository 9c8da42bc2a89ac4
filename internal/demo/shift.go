package demo

import "outpost/netcode/netvar"

// Shift is the station-wide clock resource: which watch is on duty and
// how many seconds remain before the rotation.
type Shift struct {
	Phase     netvar.Var[string]
	Remaining netvar.Var[int]
}

type ShiftPayload struct {
	Phase     *string `codec:"phase"`
	Remaining *int    `codec:"remaining"`
}

func (s *Shift) Snapshot() ShiftPayload {
	phase := s.Phase.Value()
	remaining := s.Remaining.Value()
	return ShiftPayload{Phase: &phase, Remaining: &remaining}
}

func (s *Shift) Diff(since uint64) (ShiftPayload, bool) {
	var p ShiftPayload
	changed := false
	if s.Phase.ChangedSince(since) {
		phase := s.Phase.Value()
		p.Phase = &phase
		changed = true
	}
	if s.Remaining.ChangedSince(since) {
		remaining := s.Remaining.Value()
		p.Remaining = &remaining
		changed = true
	}
	return p, changed
}

func (s *Shift) Flush(tick uint64) bool {
	dirty := s.Phase.Flush(tick)
	if s.Remaining.Flush(tick) {
		dirty = true
	}
	return dirty
}

type ShiftMirror struct {
	Phase     netvar.Mirror[string]
	Remaining netvar.Mirror[int]
}

func (m *ShiftMirror) ApplyUpdate(p ShiftPayload) {
	if p.Phase != nil {
		m.Phase.Apply(*p.Phase)
	}
	if p.Remaining != nil {
		m.Remaining.Apply(*p.Remaining)
	}
}
