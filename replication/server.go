package replication

import (
	"context"
	"fmt"

	"github.com/yohamta/donburi"

	"outpost/netcode/internal/telemetry"
	"outpost/netcode/logging"
	logsync "outpost/netcode/logging/sync"
	"outpost/netcode/netid"
	"outpost/netcode/visibility"
	"outpost/netcode/wire"
)

type spawnInfo struct {
	prefab   string
	children []netid.ID
}

type despawnNote struct {
	id    netid.ID
	conns []wire.ConnID
}

// Server walks every registered binding once per tick, serializing full
// snapshots to fresh observers and diffs to everyone else, and owns the
// spawn, despawn and component-removal announcements around them.
//
// Not safe for concurrent use; the engine owns it on the tick goroutine.
type Server struct {
	reg     *wire.Registry
	world   donburi.World
	ids     *netid.Registry
	vis     *visibility.Manager
	proto   protocol
	pub     logging.Publisher
	logger  telemetry.Logger
	metrics telemetry.Metrics

	bindings   []serverBinding
	resources  []serverBinding
	byKey      map[wire.TypeKey]struct{}
	spawns     map[netid.ID]spawnInfo
	despawns   []despawnNote
	conns      map[wire.ConnID]struct{}
	freshConns map[wire.ConnID]struct{}

	// OnDespawn runs for every retired identity so sibling pipelines can
	// drop their per-identity state.
	OnDespawn func(netid.ID)
}

func NewServer(reg *wire.Registry, world donburi.World, ids *netid.Registry, vis *visibility.Manager, pub logging.Publisher, logger telemetry.Logger, metrics telemetry.Metrics) *Server {
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Server{
		reg:        reg,
		world:      world,
		ids:        ids,
		vis:        vis,
		proto:      newProtocol(reg),
		pub:        pub,
		logger:     logger,
		metrics:    metrics,
		byKey:      make(map[wire.TypeKey]struct{}),
		spawns:     make(map[netid.ID]spawnInfo),
		conns:      make(map[wire.ConnID]struct{}),
		freshConns: make(map[wire.ConnID]struct{}),
	}
}

type bindConfig struct {
	priority int
}

// BindOption tunes one Serve or ServeResource registration.
type BindOption func(*bindConfig)

// WithPriority schedules the binding's payloads ahead of (positive) or
// behind (negative) default-priority traffic under congestion.
func WithPriority(p int) BindOption {
	return func(c *bindConfig) {
		c.priority = p
	}
}

type serverBinding interface {
	run(ctx context.Context, s *Server, tick uint64, out *wire.Outbox)
}

// Serve registers a server-side component binding: S must expose its
// replicated fields through State[P]. Binding one key twice is a
// programmer error and panics.
func Serve[P any, S any, PS interface {
	*S
	State[P]
}](s *Server, comp *donburi.ComponentType[S], key wire.TypeKey, opts ...BindOption) {
	s.claimKey(key)
	cfg := bindConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	msg := wire.RegisterMessage[Payload[P]](s.reg, key, wire.Reliable, cfg.priority)
	s.bindings = append(s.bindings, &componentBinding[P, S, PS]{
		comp:    comp,
		msg:     msg,
		present: make(map[netid.ID]struct{}),
	})
}

// ServeResource registers a world-global state binding. The state lives
// on a singleton entity; every connection observes it, and connections
// that just joined count as fresh.
func ServeResource[P any, S any, PS interface {
	*S
	State[P]
}](s *Server, comp *donburi.ComponentType[S], key wire.TypeKey, opts ...BindOption) {
	s.claimKey(key)
	cfg := bindConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	msg := wire.RegisterMessage[Payload[P]](s.reg, key, wire.Reliable, cfg.priority)
	s.resources = append(s.resources, &resourceBinding[P, S, PS]{comp: comp, msg: msg})
}

func (s *Server) claimKey(key wire.TypeKey) {
	if _, exists := s.byKey[key]; exists {
		panic(fmt.Sprintf("replication: key %s bound twice", key))
	}
	s.byKey[key] = struct{}{}
}

// MakeReplicable allocates identities for root and its children, stamps
// them with the identity component and records the prefab under which
// observers will be told to build the scene. Children are listed in the
// prefab's declaration order; the client rebinds them positionally.
func (s *Server) MakeReplicable(root donburi.Entity, prefab string, children ...donburi.Entity) netid.ID {
	id := s.allocate(root)
	childIDs := make([]netid.ID, len(children))
	for i, child := range children {
		childIDs[i] = s.allocate(child)
	}
	s.spawns[id] = spawnInfo{prefab: prefab, children: childIDs}
	s.vis.Ensure(id)
	for _, childID := range childIDs {
		s.vis.Ensure(childID)
	}
	return id
}

func (s *Server) allocate(entity donburi.Entity) netid.ID {
	id := s.ids.Allocate(entity)
	entry := s.world.Entry(entity)
	if !entry.HasComponent(netid.Component) {
		entry.AddComponent(netid.Component)
	}
	netid.Component.SetValue(entry, netid.Data{ID: id})
	return id
}

// Despawn retires an identity and its children: current observers get a
// despawn notice on the next tick and every mapping is dropped. The
// caller owns removing the world entities.
func (s *Server) Despawn(id netid.ID) {
	note := despawnNote{id: id}
	if obs, ok := s.vis.Of(id); ok {
		obs.Each(func(conn wire.ConnID) {
			note.conns = append(note.conns, conn)
		})
	}
	s.despawns = append(s.despawns, note)
	if info, ok := s.spawns[id]; ok {
		delete(s.spawns, id)
		for _, child := range info.children {
			s.Despawn(child)
		}
	}
	s.vis.Forget(id)
	s.ids.Release(id)
	if s.OnDespawn != nil {
		s.OnDespawn(id)
	}
}

// Connected starts replicating resources to conn and marks it fresh for
// the next resource pass.
func (s *Server) Connected(conn wire.ConnID) {
	s.conns[conn] = struct{}{}
	s.freshConns[conn] = struct{}{}
}

// Disconnected stops resource replication for conn. Per-identity
// observer cleanup is the visibility policy's job.
func (s *Server) Disconnected(conn wire.ConnID) {
	delete(s.conns, conn)
	delete(s.freshConns, conn)
}

// Tick runs one replication pass. The engine runs the visibility flush
// afterwards, once every consumer of fresh-observer sets had its turn.
func (s *Server) Tick(ctx context.Context, tick uint64, out *wire.Outbox) {
	s.syncChildObservers()
	s.announceSpawns(ctx, tick, out)
	for _, b := range s.bindings {
		b.run(ctx, s, tick, out)
	}
	for _, r := range s.resources {
		r.run(ctx, s, tick, out)
	}
	s.flushDespawns(out)
	for conn := range s.freshConns {
		delete(s.freshConns, conn)
	}
}

// syncChildObservers mirrors each root's observer set onto its children
// so a scene is always visible as a whole.
func (s *Server) syncChildObservers() {
	for rootID, info := range s.spawns {
		if len(info.children) == 0 {
			continue
		}
		rootObs, ok := s.vis.Of(rootID)
		if !ok {
			continue
		}
		for _, childID := range info.children {
			rootObs.Each(func(conn wire.ConnID) {
				s.vis.AddObserver(childID, conn)
			})
			childObs, ok := s.vis.Of(childID)
			if !ok {
				continue
			}
			var stale []wire.ConnID
			childObs.Each(func(conn wire.ConnID) {
				if !rootObs.Contains(conn) {
					stale = append(stale, conn)
				}
			})
			for _, conn := range stale {
				s.vis.RemoveObserver(childID, conn)
			}
		}
	}
}

func (s *Server) announceSpawns(ctx context.Context, tick uint64, out *wire.Outbox) {
	for id, info := range s.spawns {
		obs, ok := s.vis.Of(id)
		if !ok || !obs.HasFresh() {
			continue
		}
		msg := Spawn{Identity: id, Prefab: info.prefab, Children: info.children}
		obs.EachFresh(func(conn wire.ConnID) {
			if err := s.proto.spawn.Queue(out, conn, msg); err != nil {
				if s.logger != nil {
					s.logger.Printf("[replication] spawn conn=%d identity=%d: %v", conn, id, err)
				}
				return
			}
			s.metrics.Add("replication_spawns_sent", 1)
			logsync.SpawnAnnounced(ctx, s.pub, tick, uint64(conn), uint32(id), logsync.SpawnPayload{Prefab: info.prefab})
		})
	}
}

func (s *Server) flushDespawns(out *wire.Outbox) {
	for _, note := range s.despawns {
		for _, conn := range note.conns {
			if err := s.proto.despawn.Queue(out, conn, Despawn{Identity: note.id}); err != nil && s.logger != nil {
				s.logger.Printf("[replication] despawn conn=%d identity=%d: %v", conn, note.id, err)
			}
		}
	}
	s.despawns = s.despawns[:0]
}

// componentBinding replicates one component type. The diff base for
// every entity is the binding's previous run, which is also when every
// dirty variable was last flushed.
type componentBinding[P any, S any, PS interface {
	*S
	State[P]
}] struct {
	comp    *donburi.ComponentType[S]
	msg     *wire.MsgType[Payload[P]]
	present map[netid.ID]struct{}
	lastRun uint64
}

func (b *componentBinding[P, S, PS]) run(ctx context.Context, s *Server, tick uint64, out *wire.Outbox) {
	seen := make(map[netid.ID]struct{}, len(b.present))
	b.comp.Each(s.world, func(entry *donburi.Entry) {
		if !entry.HasComponent(netid.Component) {
			return
		}
		id := netid.Component.Get(entry).ID
		if id == netid.None {
			return
		}
		seen[id] = struct{}{}

		state := PS(b.comp.Get(entry))
		wasDirty := state.Flush(tick)
		obs, watched := s.vis.Of(id)
		if !watched {
			return
		}
		aware, perConn := any(state).(ObserverAware[P])

		if obs.HasFresh() {
			if perConn {
				obs.EachFresh(func(conn wire.ConnID) {
					b.send(s, out, conn, Payload[P]{Identity: id, Body: aware.SnapshotFor(conn)})
					s.metrics.Add("replication_snapshots_sent", 1)
				})
			} else {
				full := Payload[P]{Identity: id, Body: state.Snapshot()}
				obs.EachFresh(func(conn wire.ConnID) {
					b.send(s, out, conn, full)
					s.metrics.Add("replication_snapshots_sent", 1)
				})
			}
		}

		// Fresh observers sit out the diff pass: their snapshot already
		// carries this tick's values.
		if wasDirty {
			since := b.lastRun
			if perConn {
				obs.Each(func(conn wire.ConnID) {
					if obs.Fresh(conn) {
						return
					}
					if diff, ok := aware.DiffFor(conn, since); ok {
						b.send(s, out, conn, Payload[P]{Identity: id, Since: &since, Body: diff})
						s.metrics.Add("replication_diffs_sent", 1)
					}
				})
			} else if diff, ok := state.Diff(since); ok {
				p := Payload[P]{Identity: id, Since: &since, Body: diff}
				obs.Each(func(conn wire.ConnID) {
					if obs.Fresh(conn) {
						return
					}
					b.send(s, out, conn, p)
					s.metrics.Add("replication_diffs_sent", 1)
				})
			}
		}
	})

	// Components gone from living entities get removal notices; fully
	// despawned entities are covered by the despawn path instead.
	for id := range b.present {
		if _, still := seen[id]; still {
			continue
		}
		entity, ok := s.ids.Resolve(id)
		if !ok || !s.world.Valid(entity) {
			continue
		}
		obs, ok := s.vis.Of(id)
		if !ok {
			continue
		}
		note := Remove{Identity: id, TypeID: b.msg.ID()}
		obs.Each(func(conn wire.ConnID) {
			if err := s.proto.remove.Queue(out, conn, note); err != nil && s.logger != nil {
				s.logger.Printf("[replication] remove conn=%d identity=%d: %v", conn, id, err)
			}
		})
	}
	b.present = seen
	b.lastRun = tick
}

func (b *componentBinding[P, S, PS]) send(s *Server, out *wire.Outbox, conn wire.ConnID, p Payload[P]) {
	if err := b.msg.Queue(out, conn, p); err != nil && s.logger != nil {
		s.logger.Printf("[replication] send %s conn=%d identity=%d: %v", b.msg.Key(), conn, p.Identity, err)
	}
}

// resourceBinding replicates singleton state to every connection.
type resourceBinding[P any, S any, PS interface {
	*S
	State[P]
}] struct {
	comp    *donburi.ComponentType[S]
	msg     *wire.MsgType[Payload[P]]
	lastRun uint64
}

func (b *resourceBinding[P, S, PS]) run(ctx context.Context, s *Server, tick uint64, out *wire.Outbox) {
	entry, ok := b.comp.First(s.world)
	if !ok {
		return
	}
	state := PS(b.comp.Get(entry))
	wasDirty := state.Flush(tick)

	if len(s.freshConns) > 0 {
		full := Payload[P]{Body: state.Snapshot()}
		for conn := range s.freshConns {
			b.send(s, out, conn, full)
			s.metrics.Add("replication_snapshots_sent", 1)
		}
	}
	if wasDirty {
		since := b.lastRun
		if diff, ok := state.Diff(since); ok {
			p := Payload[P]{Since: &since, Body: diff}
			for conn := range s.conns {
				if _, fresh := s.freshConns[conn]; fresh {
					continue
				}
				b.send(s, out, conn, p)
				s.metrics.Add("replication_diffs_sent", 1)
			}
		}
	}
	b.lastRun = tick
}

func (b *resourceBinding[P, S, PS]) send(s *Server, out *wire.Outbox, conn wire.ConnID, p Payload[P]) {
	if err := b.msg.Queue(out, conn, p); err != nil && s.logger != nil {
		s.logger.Printf("[replication] send %s conn=%d: %v", b.msg.Key(), conn, err)
	}
}
