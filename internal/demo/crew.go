package demo

import "outpost/netcode/netvar"

// Crew is the replicated nameplate of a station inhabitant.
type Crew struct {
	Name netvar.Var[string]
	Job  netvar.Var[string]
}

type CrewPayload struct {
	Name *string `codec:"name"`
	Job  *string `codec:"job"`
}

func (c *Crew) Snapshot() CrewPayload {
	name := c.Name.Value()
	job := c.Job.Value()
	return CrewPayload{Name: &name, Job: &job}
}

func (c *Crew) Diff(since uint64) (CrewPayload, bool) {
	var p CrewPayload
	changed := false
	if c.Name.ChangedSince(since) {
		name := c.Name.Value()
		p.Name = &name
		changed = true
	}
	if c.Job.ChangedSince(since) {
		job := c.Job.Value()
		p.Job = &job
		changed = true
	}
	return p, changed
}

func (c *Crew) Flush(tick uint64) bool {
	dirty := c.Name.Flush(tick)
	if c.Job.Flush(tick) {
		dirty = true
	}
	return dirty
}

type CrewMirror struct {
	Name netvar.Mirror[string]
	Job  netvar.Mirror[string]
}

func (m *CrewMirror) ApplyUpdate(p CrewPayload) {
	if p.Name != nil {
		m.Name.Apply(*p.Name)
	}
	if p.Job != nil {
		m.Job.Apply(*p.Job)
	}
}

// Health decays over a shift and wraps back to Max.
type Health struct {
	HP  netvar.Var[int]
	Max netvar.Var[int]
}

type HealthPayload struct {
	HP  *int `codec:"hp"`
	Max *int `codec:"max"`
}

func (h *Health) Snapshot() HealthPayload {
	hp := h.HP.Value()
	max := h.Max.Value()
	return HealthPayload{HP: &hp, Max: &max}
}

func (h *Health) Diff(since uint64) (HealthPayload, bool) {
	var p HealthPayload
	changed := false
	if h.HP.ChangedSince(since) {
		hp := h.HP.Value()
		p.HP = &hp
		changed = true
	}
	if h.Max.ChangedSince(since) {
		max := h.Max.Value()
		p.Max = &max
		changed = true
	}
	return p, changed
}

func (h *Health) Flush(tick uint64) bool {
	dirty := h.HP.Flush(tick)
	if h.Max.Flush(tick) {
		dirty = true
	}
	return dirty
}

type HealthMirror struct {
	HP  netvar.Mirror[int]
	Max netvar.Mirror[int]
}

func (m *HealthMirror) ApplyUpdate(p HealthPayload) {
	if p.HP != nil {
		m.HP.Apply(*p.HP)
	}
	if p.Max != nil {
		m.Max.Apply(*p.Max)
	}
}
