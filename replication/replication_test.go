package replication

import (
	"context"
	"testing"

	"github.com/yohamta/donburi"

	"outpost/netcode/internal/telemetry"
	"outpost/netcode/netid"
	"outpost/netcode/netvar"
	"outpost/netcode/visibility"
	"outpost/netcode/wire"
)

var (
	keyVitals = wire.MustKey("0b8f3c6e-94d1-4a07-b5e8-2c7a6d90f135")
	keyStash  = wire.MustKey("5e2d7a90-3f64-4c18-9b0a-e8d1c4762b3f")
	keyRound  = wire.MustKey("c7a14e88-60b2-4d5f-8e93-1b0f6a25d7c4")
)

type vitals struct {
	HP  netvar.Var[int]
	Max netvar.Var[int]
}

type vitalsPayload struct {
	HP  *int `codec:"hp"`
	Max *int `codec:"max"`
}

func (v *vitals) Snapshot() vitalsPayload {
	hp := v.HP.Value()
	max := v.Max.Value()
	return vitalsPayload{HP: &hp, Max: &max}
}

func (v *vitals) Diff(since uint64) (vitalsPayload, bool) {
	var p vitalsPayload
	changed := false
	if v.HP.ChangedSince(since) {
		hp := v.HP.Value()
		p.HP = &hp
		changed = true
	}
	if v.Max.ChangedSince(since) {
		max := v.Max.Value()
		p.Max = &max
		changed = true
	}
	return p, changed
}

func (v *vitals) Flush(tick uint64) bool {
	dirty := v.HP.Flush(tick)
	if v.Max.Flush(tick) {
		dirty = true
	}
	return dirty
}

type vitalsMirror struct {
	HP  netvar.Mirror[int]
	Max netvar.Mirror[int]
}

func (m *vitalsMirror) ApplyUpdate(p vitalsPayload) {
	if p.HP != nil {
		m.HP.Apply(*p.HP)
	}
	if p.Max != nil {
		m.Max.Apply(*p.Max)
	}
}

// stash redacts its contents for everyone but the owning connection.
type stash struct {
	Owner netvar.Var[uint64]
	Items netvar.Var[int]
}

type stashPayload struct {
	Items *int `codec:"items"`
}

func (s *stash) Snapshot() stashPayload {
	n := s.Items.Value()
	return stashPayload{Items: &n}
}

func (s *stash) Diff(since uint64) (stashPayload, bool) {
	if !s.Items.ChangedSince(since) {
		return stashPayload{}, false
	}
	n := s.Items.Value()
	return stashPayload{Items: &n}, true
}

func (s *stash) Flush(tick uint64) bool {
	dirty := s.Owner.Flush(tick)
	if s.Items.Flush(tick) {
		dirty = true
	}
	return dirty
}

func (s *stash) SnapshotFor(conn wire.ConnID) stashPayload {
	if uint64(conn) != s.Owner.Value() {
		zero := 0
		return stashPayload{Items: &zero}
	}
	return s.Snapshot()
}

func (s *stash) DiffFor(conn wire.ConnID, since uint64) (stashPayload, bool) {
	if uint64(conn) == s.Owner.Value() {
		return s.Diff(since)
	}
	if !s.Items.ChangedSince(since) {
		return stashPayload{}, false
	}
	zero := 0
	return stashPayload{Items: &zero}, true
}

type stashMirror struct {
	Items netvar.Mirror[int]
}

func (m *stashMirror) ApplyUpdate(p stashPayload) {
	if p.Items != nil {
		m.Items.Apply(*p.Items)
	}
}

type roundState struct {
	Phase netvar.Var[string]
}

type roundPayload struct {
	Phase *string `codec:"phase"`
}

func (r *roundState) Snapshot() roundPayload {
	phase := r.Phase.Value()
	return roundPayload{Phase: &phase}
}

func (r *roundState) Diff(since uint64) (roundPayload, bool) {
	if !r.Phase.ChangedSince(since) {
		return roundPayload{}, false
	}
	phase := r.Phase.Value()
	return roundPayload{Phase: &phase}, true
}

func (r *roundState) Flush(tick uint64) bool {
	return r.Phase.Flush(tick)
}

type roundMirror struct {
	Phase netvar.Mirror[string]
}

func (m *roundMirror) ApplyUpdate(p roundPayload) {
	if p.Phase != nil {
		m.Phase.Apply(*p.Phase)
	}
}

type squadSlot struct {
	Index int
}

var (
	vitalsComp       = donburi.NewComponentType[vitals]()
	vitalsMirrorComp = donburi.NewComponentType[vitalsMirror]()
	stashComp        = donburi.NewComponentType[stash]()
	stashMirrorComp  = donburi.NewComponentType[stashMirror]()
	roundComp        = donburi.NewComponentType[roundState]()
	roundMirrorComp  = donburi.NewComponentType[roundMirror]()
	squadSlotComp    = donburi.NewComponentType[squadSlot]()
)

type clientSide struct {
	world  donburi.World
	ids    *netid.Registry
	cli    *Client
	router *wire.Router
	mets   *telemetry.Counters
}

func (cs *clientSide) vitalsOf(t *testing.T, id netid.ID) *vitalsMirror {
	t.Helper()
	entity, ok := cs.ids.Resolve(id)
	if !ok {
		t.Fatalf("identity %d never spawned client-side", id)
	}
	entry := cs.world.Entry(entity)
	if !entry.HasComponent(vitalsMirrorComp) {
		t.Fatalf("identity %d has no vitals mirror", id)
	}
	return vitalsMirrorComp.Get(entry)
}

// pipe wires a Server to one or more Clients through encoded frames, the
// same bytes a transport would carry.
type pipe struct {
	t       *testing.T
	out     *wire.Outbox
	world   donburi.World
	ids     *netid.Registry
	vis     *visibility.Manager
	srv     *Server
	mets    *telemetry.Counters
	prefabs *PrefabRegistry
	clients map[wire.ConnID]*clientSide
	tick    uint64
}

func newPipe(t *testing.T) *pipe {
	t.Helper()
	p := &pipe{
		t:       t,
		out:     wire.NewOutbox(),
		world:   donburi.NewWorld(),
		ids:     netid.NewRegistry(true),
		vis:     visibility.NewManager(),
		mets:    telemetry.NewCounters(),
		prefabs: NewPrefabRegistry(),
		clients: make(map[wire.ConnID]*clientSide),
	}
	p.srv = NewServer(wire.NewRegistry(), p.world, p.ids, p.vis, nil, nil, p.mets)
	p.prefabs.Register("mob", func(w donburi.World) (donburi.Entity, []donburi.Entity) {
		return w.Create(vitalsMirrorComp), nil
	})
	return p
}

// addClient builds a client whose registry must mirror the server's
// registration order; register runs the test's Receive calls.
func (p *pipe) addClient(conn wire.ConnID, register func(c *Client), cfg ClientConfig) *clientSide {
	p.t.Helper()
	creg := wire.NewRegistry()
	cs := &clientSide{
		world: donburi.NewWorld(),
		ids:   netid.NewRegistry(false),
		mets:  telemetry.NewCounters(),
	}
	cs.cli = NewClient(creg, cs.world, cs.ids, p.prefabs, cfg, nil, nil, cs.mets)
	register(cs.cli)
	cs.router = wire.NewRouter(creg)
	cs.cli.BindRouter(cs.router)
	p.clients[conn] = cs
	p.srv.Connected(conn)
	return cs
}

// step runs one server tick and delivers every queued frame to its
// client, returning per-connection frame counts.
func (p *pipe) step() map[wire.ConnID]int {
	p.t.Helper()
	ctx := context.Background()
	p.tick++
	p.srv.Tick(ctx, p.tick, p.out)
	p.vis.EndTickFlush()
	for _, cs := range p.clients {
		cs.cli.SetTick(ctx, p.tick)
	}
	counts := make(map[wire.ConnID]int)
	p.out.Flush(func(q wire.Queued) {
		counts[q.Conn]++
		cs, ok := p.clients[q.Conn]
		if !ok {
			return
		}
		p.dispatch(cs, q)
	})
	for _, cs := range p.clients {
		cs.cli.Flush()
	}
	return counts
}

// capture runs one server tick but hands the frames back instead of
// delivering them, for tests that reorder or replay delivery.
func (p *pipe) capture() []wire.Queued {
	p.t.Helper()
	p.tick++
	p.srv.Tick(context.Background(), p.tick, p.out)
	p.vis.EndTickFlush()
	var frames []wire.Queued
	p.out.Flush(func(q wire.Queued) {
		frames = append(frames, q)
	})
	return frames
}

func (p *pipe) dispatch(cs *clientSide, q wire.Queued) {
	p.t.Helper()
	ch, env, err := wire.DecodeFrame(q.Frame)
	if err != nil {
		p.t.Fatalf("decode frame: %v", err)
	}
	if ch != wire.Reliable {
		p.t.Fatalf("frame on channel %d, want reliable", ch)
	}
	if err := cs.router.Dispatch(q.Conn, env); err != nil {
		p.t.Fatalf("dispatch: %v", err)
	}
}

func (p *pipe) spawnVitals(hp, max int) netid.ID {
	entity := p.world.Create(vitalsComp)
	entry := p.world.Entry(entity)
	vitalsComp.SetValue(entry, vitals{HP: netvar.NewVar(hp), Max: netvar.NewVar(max)})
	return p.srv.MakeReplicable(entity, "mob")
}

func (p *pipe) serverVitals(id netid.ID) *vitals {
	p.t.Helper()
	entity, ok := p.ids.Resolve(id)
	if !ok {
		p.t.Fatalf("identity %d unknown server-side", id)
	}
	return vitalsComp.Get(p.world.Entry(entity))
}

func TestFreshObserverGetsExactlyOneSnapshot(t *testing.T) {
	p := newPipe(t)
	Serve[vitalsPayload](p.srv, vitalsComp, keyVitals)
	id := p.spawnVitals(40, 100)
	cs := p.addClient(1, func(c *Client) {
		Receive[vitalsPayload](c, vitalsMirrorComp, keyVitals)
	}, ClientConfig{})
	p.vis.AddObserver(id, 1)

	counts := p.step()
	if counts[1] != 2 {
		t.Fatalf("expected spawn + snapshot, got %d frames", counts[1])
	}
	if got := p.mets.Get("replication_snapshots_sent"); got != 1 {
		t.Fatalf("expected one snapshot, got %d", got)
	}
	if got := p.mets.Get("replication_diffs_sent"); got != 0 {
		t.Fatalf("fresh observer also received %d diffs", got)
	}
	m := cs.vitalsOf(t, id)
	if m.HP.Value() != 40 || m.Max.Value() != 100 {
		t.Fatalf("mirror holds %d/%d, want 40/100", m.HP.Value(), m.Max.Value())
	}

	// Nothing changed, so a quiet tick sends nothing.
	counts = p.step()
	if counts[1] != 0 {
		t.Fatalf("quiet tick sent %d frames", counts[1])
	}
}

func TestDirtyStateDiffsToEstablishedObservers(t *testing.T) {
	p := newPipe(t)
	Serve[vitalsPayload](p.srv, vitalsComp, keyVitals)
	id := p.spawnVitals(40, 100)
	cs := p.addClient(1, func(c *Client) {
		Receive[vitalsPayload](c, vitalsMirrorComp, keyVitals)
	}, ClientConfig{})
	p.vis.AddObserver(id, 1)
	p.step()

	// Poison the client's max locally: a partial diff must not touch it.
	cs.vitalsOf(t, id).Max.Apply(77)

	p.serverVitals(id).HP.Set(35)
	counts := p.step()
	if counts[1] != 1 {
		t.Fatalf("expected one diff frame, got %d", counts[1])
	}
	if got := p.mets.Get("replication_diffs_sent"); got != 1 {
		t.Fatalf("expected one diff, got %d", got)
	}
	m := cs.vitalsOf(t, id)
	if m.HP.Value() != 35 {
		t.Fatalf("diff did not land, hp=%d", m.HP.Value())
	}
	if m.Max.Value() != 77 {
		t.Fatalf("diff carried fields that never changed, max=%d", m.Max.Value())
	}
}

func TestReplayedPayloadIsHarmless(t *testing.T) {
	p := newPipe(t)
	Serve[vitalsPayload](p.srv, vitalsComp, keyVitals)
	id := p.spawnVitals(40, 100)
	cs := p.addClient(1, func(c *Client) {
		Receive[vitalsPayload](c, vitalsMirrorComp, keyVitals)
	}, ClientConfig{})
	p.vis.AddObserver(id, 1)
	p.step()

	p.serverVitals(id).HP.Set(35)
	frames := p.capture()
	if len(frames) != 1 {
		t.Fatalf("expected one diff frame, got %d", len(frames))
	}
	p.dispatch(cs, frames[0])
	p.dispatch(cs, frames[0])
	cs.cli.Flush()

	m := cs.vitalsOf(t, id)
	if m.HP.Value() != 35 || m.Max.Value() != 100 {
		t.Fatalf("replay diverged: %d/%d", m.HP.Value(), m.Max.Value())
	}
}

func TestPayloadBeforeSpawnBuffersUntilReplay(t *testing.T) {
	p := newPipe(t)
	Serve[vitalsPayload](p.srv, vitalsComp, keyVitals)
	id := p.spawnVitals(40, 100)
	cs := p.addClient(1, func(c *Client) {
		Receive[vitalsPayload](c, vitalsMirrorComp, keyVitals)
	}, ClientConfig{})
	p.vis.AddObserver(id, 1)

	frames := p.capture()
	if len(frames) != 2 {
		t.Fatalf("expected spawn + snapshot, got %d frames", len(frames))
	}
	// Deliver in reverse: the snapshot outruns its spawn.
	p.dispatch(cs, frames[1])
	if cs.cli.PendingLen() != 1 {
		t.Fatalf("early payload not buffered, pending=%d", cs.cli.PendingLen())
	}
	p.dispatch(cs, frames[0])
	entity, ok := cs.ids.Resolve(id)
	if !ok {
		t.Fatal("spawn did not bind the identity")
	}
	if vitalsMirrorComp.Get(cs.world.Entry(entity)).HP.Ready() {
		t.Fatal("mirror filled before the buffered payload replayed")
	}

	cs.cli.Flush()
	if cs.cli.PendingLen() != 0 {
		t.Fatalf("pending not drained, %d left", cs.cli.PendingLen())
	}
	m := cs.vitalsOf(t, id)
	if m.HP.Value() != 40 || m.Max.Value() != 100 {
		t.Fatalf("replayed payload landed wrong: %d/%d", m.HP.Value(), m.Max.Value())
	}
}

func TestPendingBufferEvictsOldestPastCap(t *testing.T) {
	p := newPipe(t)
	Serve[vitalsPayload](p.srv, vitalsComp, keyVitals)
	// The client never learns this prefab, so spawns fail and payloads
	// stay buffered.
	for i := 0; i < 3; i++ {
		entity := p.world.Create(vitalsComp)
		vitalsComp.SetValue(p.world.Entry(entity), vitals{HP: netvar.NewVar(10 + i), Max: netvar.NewVar(100)})
		id := p.srv.MakeReplicable(entity, "ghost")
		p.vis.AddObserver(id, 1)
	}
	cs := p.addClient(1, func(c *Client) {
		Receive[vitalsPayload](c, vitalsMirrorComp, keyVitals)
	}, ClientConfig{PendingCap: 2})

	p.step()
	if got := cs.cli.PendingLen(); got != 2 {
		t.Fatalf("pending=%d, want cap 2", got)
	}
	if got := cs.mets.Get("replication_pending_evicted"); got != 1 {
		t.Fatalf("evictions=%d, want 1", got)
	}
}

func TestObserverAwareStateRedactsPerConnection(t *testing.T) {
	p := newPipe(t)
	Serve[stashPayload](p.srv, stashComp, keyStash)
	p.prefabs.Register("crate", func(w donburi.World) (donburi.Entity, []donburi.Entity) {
		return w.Create(stashMirrorComp), nil
	})

	entity := p.world.Create(stashComp)
	stashComp.SetValue(p.world.Entry(entity), stash{Owner: netvar.NewVar(uint64(1)), Items: netvar.NewVar(5)})
	id := p.srv.MakeReplicable(entity, "crate")

	register := func(c *Client) {
		Receive[stashPayload](c, stashMirrorComp, keyStash)
	}
	owner := p.addClient(1, register, ClientConfig{})
	other := p.addClient(2, register, ClientConfig{})
	p.vis.AddObserver(id, 1)
	p.vis.AddObserver(id, 2)
	p.step()

	itemsOf := func(cs *clientSide) int {
		t.Helper()
		e, ok := cs.ids.Resolve(id)
		if !ok {
			t.Fatalf("identity %d missing client-side", id)
		}
		return stashMirrorComp.Get(cs.world.Entry(e)).Items.Value()
	}
	if got := itemsOf(owner); got != 5 {
		t.Fatalf("owner sees %d items, want 5", got)
	}
	if got := itemsOf(other); got != 0 {
		t.Fatalf("stranger sees %d items, want redacted 0", got)
	}

	stashComp.Get(p.world.Entry(entity)).Items.Set(7)
	p.step()
	if got := itemsOf(owner); got != 7 {
		t.Fatalf("owner diff lost, items=%d", got)
	}
	if got := itemsOf(other); got != 0 {
		t.Fatalf("stranger diff leaked contents, items=%d", got)
	}
}

func TestComponentRemovalReachesObservers(t *testing.T) {
	p := newPipe(t)
	Serve[vitalsPayload](p.srv, vitalsComp, keyVitals)
	id := p.spawnVitals(40, 100)
	cs := p.addClient(1, func(c *Client) {
		Receive[vitalsPayload](c, vitalsMirrorComp, keyVitals)
	}, ClientConfig{})
	p.vis.AddObserver(id, 1)
	p.step()

	entity, _ := p.ids.Resolve(id)
	p.world.Entry(entity).RemoveComponent(vitalsComp)
	counts := p.step()
	if counts[1] != 1 {
		t.Fatalf("expected one removal frame, got %d", counts[1])
	}

	clientEntity, ok := cs.ids.Resolve(id)
	if !ok {
		t.Fatal("identity vanished client-side, removal is not despawn")
	}
	if cs.world.Entry(clientEntity).HasComponent(vitalsMirrorComp) {
		t.Fatal("mirror component survived its removal notice")
	}
}

func TestDespawnRetiresIdentityEverywhere(t *testing.T) {
	p := newPipe(t)
	Serve[vitalsPayload](p.srv, vitalsComp, keyVitals)
	id := p.spawnVitals(40, 100)
	cs := p.addClient(1, func(c *Client) {
		Receive[vitalsPayload](c, vitalsMirrorComp, keyVitals)
	}, ClientConfig{})
	p.vis.AddObserver(id, 1)
	p.step()

	var retired netid.ID
	cs.cli.OnDespawn = func(id netid.ID) { retired = id }

	entity, _ := p.ids.Resolve(id)
	p.srv.Despawn(id)
	p.world.Remove(entity)
	p.step()

	if retired != id {
		t.Fatalf("OnDespawn saw %d, want %d", retired, id)
	}
	if _, ok := cs.ids.Resolve(id); ok {
		t.Fatal("identity still resolvable after despawn")
	}
	if _, ok := p.ids.Resolve(id); ok {
		t.Fatal("server identity still resolvable after despawn")
	}
}

func TestResourceSnapshotsOnJoinThenDiffs(t *testing.T) {
	p := newPipe(t)
	ServeResource[roundPayload](p.srv, roundComp, keyRound)
	roundEntity := p.world.Create(roundComp)
	roundComp.SetValue(p.world.Entry(roundEntity), roundState{Phase: netvar.NewVar("lobby")})

	register := func(c *Client) {
		ReceiveResource[roundPayload](c, roundMirrorComp, keyRound)
	}
	first := p.addClient(1, register, ClientConfig{})
	p.step()

	phaseOf := func(cs *clientSide) string {
		t.Helper()
		entry, ok := roundMirrorComp.First(cs.world)
		if !ok {
			t.Fatal("resource mirror never materialized")
		}
		return roundMirrorComp.Get(entry).Phase.Value()
	}
	if got := phaseOf(first); got != "lobby" {
		t.Fatalf("joined client sees phase %q, want lobby", got)
	}

	roundComp.Get(p.world.Entry(roundEntity)).Phase.Set("round")
	p.step()
	if got := phaseOf(first); got != "round" {
		t.Fatalf("diff lost, phase %q", got)
	}

	// A later join gets the current phase in a single snapshot, even
	// when the same tick also dirties the state.
	second := p.addClient(2, register, ClientConfig{})
	roundComp.Get(p.world.Entry(roundEntity)).Phase.Set("end")
	counts := p.step()
	if counts[2] != 1 {
		t.Fatalf("late join got %d frames, want one snapshot", counts[2])
	}
	if got := phaseOf(second); got != "end" {
		t.Fatalf("late join sees stale phase %q", got)
	}
	if got := phaseOf(first); got != "end" {
		t.Fatalf("established client missed the diff, phase %q", got)
	}
}

func TestLateObserverSnapshotCarriesCurrentState(t *testing.T) {
	p := newPipe(t)
	Serve[vitalsPayload](p.srv, vitalsComp, keyVitals)
	id := p.spawnVitals(40, 100)
	register := func(c *Client) {
		Receive[vitalsPayload](c, vitalsMirrorComp, keyVitals)
	}
	p.addClient(1, register, ClientConfig{})
	p.vis.AddObserver(id, 1)
	p.step()

	p.serverVitals(id).HP.Set(12)
	p.step()
	p.serverVitals(id).HP.Set(9)
	p.step()

	late := p.addClient(2, register, ClientConfig{})
	p.vis.AddObserver(id, 2)
	p.step()

	m := late.vitalsOf(t, id)
	if m.HP.Value() != 9 || m.Max.Value() != 100 {
		t.Fatalf("late snapshot holds %d/%d, want 9/100", m.HP.Value(), m.Max.Value())
	}
}

func TestChildIdentitiesBindInAnnouncementOrder(t *testing.T) {
	p := newPipe(t)
	Serve[vitalsPayload](p.srv, vitalsComp, keyVitals)
	p.prefabs.Register("squad", func(w donburi.World) (donburi.Entity, []donburi.Entity) {
		root := w.Create(vitalsMirrorComp)
		left := w.Create(squadSlotComp)
		squadSlotComp.SetValue(w.Entry(left), squadSlot{Index: 1})
		right := w.Create(squadSlotComp)
		squadSlotComp.SetValue(w.Entry(right), squadSlot{Index: 2})
		return root, []donburi.Entity{left, right}
	})

	root := p.world.Create(vitalsComp)
	vitalsComp.SetValue(p.world.Entry(root), vitals{HP: netvar.NewVar(1), Max: netvar.NewVar(1)})
	childA := p.world.Create(squadSlotComp)
	childB := p.world.Create(squadSlotComp)
	rootID := p.srv.MakeReplicable(root, "squad", childA, childB)
	idA, _ := p.ids.IdentityOf(childA)
	idB, _ := p.ids.IdentityOf(childB)

	cs := p.addClient(1, func(c *Client) {
		Receive[vitalsPayload](c, vitalsMirrorComp, keyVitals)
	}, ClientConfig{})
	p.vis.AddObserver(rootID, 1)
	p.step()

	slotOf := func(id netid.ID) int {
		t.Helper()
		entity, ok := cs.ids.Resolve(id)
		if !ok {
			t.Fatalf("child %d never bound", id)
		}
		return squadSlotComp.Get(cs.world.Entry(entity)).Index
	}
	if got := slotOf(idA); got != 1 {
		t.Fatalf("first child bound to slot %d, want 1", got)
	}
	if got := slotOf(idB); got != 2 {
		t.Fatalf("second child bound to slot %d, want 2", got)
	}
}

func TestDuplicateBindingPanics(t *testing.T) {
	p := newPipe(t)
	Serve[vitalsPayload](p.srv, vitalsComp, keyVitals)
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("second Serve for one key did not panic")
			}
		}()
		Serve[vitalsPayload](p.srv, vitalsComp, keyVitals)
	}()

	creg := wire.NewRegistry()
	cli := NewClient(creg, donburi.NewWorld(), netid.NewRegistry(false), p.prefabs, ClientConfig{}, nil, nil, nil)
	Receive[vitalsPayload](cli, vitalsMirrorComp, keyVitals)
	defer func() {
		if recover() == nil {
			t.Fatal("second Receive for one key did not panic")
		}
	}()
	Receive[vitalsPayload](cli, vitalsMirrorComp, keyVitals)
}
