package demo

import (
	"math"
	"math/rand"

	"github.com/yohamta/donburi"

	"outpost/netcode/netid"
	"outpost/netcode/netvar"
	"outpost/netcode/transform"
	"outpost/netcode/wire"
)

// Spawner turns an entity into replicated state. Both the engine server
// and the bare replication server satisfy it.
type Spawner interface {
	MakeReplicable(root donburi.Entity, prefab string, children ...donburi.Entity) netid.ID
}

// agent carries the wander state of one crew member.
type agent struct {
	Heading float64
	Speed   float64
}

const (
	shiftSeconds = 300
	crewMaxHP    = 100
)

// Station drives the demo world. Build it once, then call Step every
// tick from the engine's OnTick hook.
type Station struct {
	// Floor extent, in world units. Crew bounce off the edges.
	Width  float64
	Height float64

	// System cadences, in ticks.
	DecayEvery  uint64
	CycleEvery  uint64
	SecondEvery uint64

	world donburi.World
	rng   *rand.Rand
	shift donburi.Entity
}

// BuildStation populates w with the fixed layout: three crew on shift,
// four cycling doors, two supply crates and the shift clock resource.
func BuildStation(w donburi.World, sp Spawner, rng *rand.Rand, tickRate int) *Station {
	st := &Station{
		Width:       48,
		Height:      32,
		DecayEvery:  uint64(tickRate),
		CycleEvery:  uint64(tickRate) * 3,
		SecondEvery: uint64(tickRate),
		world:       w,
		rng:         rng,
	}

	st.shift = w.Create(ShiftComp)
	ShiftComp.SetValue(w.Entry(st.shift), Shift{
		Phase:     netvar.NewVar("day"),
		Remaining: netvar.NewVar(shiftSeconds),
	})

	crew := []struct {
		name, job string
		x, y      float64
	}{
		{"ada", "engineer", 10, 8},
		{"okafor", "medic", 24, 16},
		{"reyes", "janitor", 38, 24},
	}
	for _, c := range crew {
		st.SpawnCrew(sp, c.name, c.job, c.x, c.y)
	}

	doors := []transform.Vec2{{X: 16, Y: 8}, {X: 16, Y: 24}, {X: 32, Y: 8}, {X: 32, Y: 24}}
	for i, pos := range doors {
		entity := w.Create(DoorComp, transform.Component)
		entry := w.Entry(entity)
		DoorComp.SetValue(entry, Door{
			Open:   netvar.NewVar(false),
			Offset: uint64(i) * st.CycleEvery / uint64(len(doors)),
		})
		transform.Component.SetValue(entry, transform.Data{Pos: pos})
		sp.MakeReplicable(entity, PrefabDoor)
	}

	crates := []struct {
		label string
		units int
		pos   transform.Vec2
	}{
		{"medical", 12, transform.Vec2{X: 6, Y: 28}},
		{"engineering", 30, transform.Vec2{X: 42, Y: 4}},
	}
	for _, c := range crates {
		entity := w.Create(ManifestComp, transform.Component)
		entry := w.Entry(entity)
		ManifestComp.SetValue(entry, Manifest{
			Owner: netvar.NewVar(uint64(0)),
			Label: netvar.NewVar(c.label),
			Units: netvar.NewVar(c.units),
		})
		transform.Component.SetValue(entry, transform.Data{Pos: c.pos})
		sp.MakeReplicable(entity, PrefabCrate)
	}
	return st
}

// SpawnCrew adds one wandering crew member and returns its identity.
func (st *Station) SpawnCrew(sp Spawner, name, job string, x, y float64) netid.ID {
	entity := st.world.Create(CrewComp, HealthComp, agentComp, transform.Component)
	entry := st.world.Entry(entity)
	CrewComp.SetValue(entry, Crew{Name: netvar.NewVar(name), Job: netvar.NewVar(job)})
	HealthComp.SetValue(entry, Health{HP: netvar.NewVar(crewMaxHP), Max: netvar.NewVar(crewMaxHP)})
	agentComp.SetValue(entry, agent{
		Heading: st.rng.Float64() * 2 * math.Pi,
		Speed:   1.2 + st.rng.Float64(),
	})
	transform.Component.SetValue(entry, transform.Data{Pos: transform.Vec2{X: x, Y: y}})
	return sp.MakeReplicable(entity, PrefabCrew)
}

// ClaimCrate hands the first unclaimed crate to conn. The new owner
// starts seeing real unit counts from its next diff on.
func (st *Station) ClaimCrate(conn wire.ConnID) bool {
	claimed := false
	ManifestComp.Each(st.world, func(entry *donburi.Entry) {
		if claimed {
			return
		}
		m := ManifestComp.Get(entry)
		if m.Owner.Value() == 0 {
			m.Owner.Set(uint64(conn))
			claimed = true
		}
	})
	return claimed
}

// ReleaseCrates returns every crate conn owned to the unclaimed pool.
func (st *Station) ReleaseCrates(conn wire.ConnID) {
	ManifestComp.Each(st.world, func(entry *donburi.Entry) {
		m := ManifestComp.Get(entry)
		if m.Owner.Value() == uint64(conn) {
			m.Owner.Set(0)
		}
	})
}

// Step advances every station system by one tick.
func (st *Station) Step(tick uint64, dt float64) {
	st.wander(dt)
	st.cycleDoors(tick)
	st.decayHealth(tick)
	st.advanceShift(tick)
}

func (st *Station) wander(dt float64) {
	agentComp.Each(st.world, func(entry *donburi.Entry) {
		a := agentComp.Get(entry)
		tf := transform.Component.Get(entry)
		a.Heading += (st.rng.Float64() - 0.5) * 0.6
		vx := math.Cos(a.Heading) * a.Speed
		vy := math.Sin(a.Heading) * a.Speed
		x := tf.Pos.X + vx*dt
		y := tf.Pos.Y + vy*dt
		if x < 0 || x > st.Width {
			a.Heading = math.Pi - a.Heading
			x = math.Min(math.Max(x, 0), st.Width)
		}
		if y < 0 || y > st.Height {
			a.Heading = -a.Heading
			y = math.Min(math.Max(y, 0), st.Height)
		}
		tf.Pos = transform.Vec2{X: x, Y: y}
		tf.Rot = a.Heading
		tf.LinVel = transform.Vec2{X: vx, Y: vy}
	})
}

func (st *Station) cycleDoors(tick uint64) {
	DoorComp.Each(st.world, func(entry *donburi.Entry) {
		d := DoorComp.Get(entry)
		if (tick+d.Offset)%st.CycleEvery == 0 {
			d.Open.Set(!d.Open.Value())
		}
	})
}

func (st *Station) decayHealth(tick uint64) {
	if tick%st.DecayEvery != 0 {
		return
	}
	HealthComp.Each(st.world, func(entry *donburi.Entry) {
		h := HealthComp.Get(entry)
		hp := h.HP.Value() - 1
		if hp <= 0 {
			hp = h.Max.Value()
		}
		h.HP.Set(hp)
	})
}

func (st *Station) advanceShift(tick uint64) {
	if tick%st.SecondEvery != 0 {
		return
	}
	s := ShiftComp.Get(st.world.Entry(st.shift))
	left := s.Remaining.Value() - 1
	if left <= 0 {
		left = shiftSeconds
		if s.Phase.Value() == "day" {
			s.Phase.Set("night")
		} else {
			s.Phase.Set("day")
		}
	}
	s.Remaining.Set(left)
}
