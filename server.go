package netcode

import (
	"context"
	"net/http"
	"time"

	"github.com/yohamta/donburi"

	"outpost/netcode/clock"
	"outpost/netcode/internal/telemetry"
	"outpost/netcode/internal/transport/ws"
	"outpost/netcode/journal"
	"outpost/netcode/logging"
	"outpost/netcode/netid"
	"outpost/netcode/replication"
	"outpost/netcode/transform"
	"outpost/netcode/visibility"
	"outpost/netcode/wire"
)

// ServerHooks are the game's extension points into the engine tick.
// Every hook is optional.
type ServerHooks struct {
	// OnConnect runs after a handshake completes and the connection is
	// registered with replication and timing.
	OnConnect func(conn wire.ConnID, name string)
	// OnDisconnect runs when a connection drops, before the engine
	// clears its per-connection state.
	OnDisconnect func(conn wire.ConnID)
	// OnTick advances the game simulation. It runs after inbound
	// dispatch and before visibility and replication.
	OnTick func(TickContext)
	// Viewers supplies each connection's interest viewpoint. When nil
	// the engine marks every spawned identity global, so everything
	// replicates to everyone.
	Viewers func() []visibility.Viewer
	// Keyframe serializes a recovery snapshot of game state. Consulted
	// on the journal keyframe cadence when journaling is enabled.
	Keyframe func(tick uint64) ([]byte, error)
	// AfterStep observes loop timing after each tick.
	AfterStep func(StepResult)
}

// ServerDeps injects ambient dependencies. The zero value runs silent.
type ServerDeps struct {
	Publisher logging.Publisher
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	// Journal overrides the journal the config would open; the caller
	// keeps ownership and closes it.
	Journal *journal.Journal
	// Clock overrides wall time for the loop. Tests inject one.
	Clock logging.Clock
}

// Server assembles the authoritative side: websocket transport, timing
// broadcaster, interest management, state replication and the transform
// pipeline, all driven by one fixed-timestep loop.
//
// Everything below the transport runs on the loop goroutine. Game code
// registers its bindings between NewServer and the first step; see the
// package doc for the registration order contract.
type Server struct {
	cfg   Config
	hooks ServerHooks

	reg    *wire.Registry
	router *wire.Router
	world  donburi.World
	ids    *netid.Registry
	vis    *visibility.Manager
	policy *visibility.Policy

	clockProto *clock.Protocol
	pings      *clock.Broadcaster
	tproto     *transform.Protocol
	sender     *transform.Sender
	rep        *replication.Server
	transport  *ws.Server
	jrnl       *journal.Journal
	ownsJrnl   bool
	loop       *Loop
	out        *wire.Outbox

	conns map[wire.ConnID]string

	ctx     context.Context
	logger  telemetry.Logger
	metrics telemetry.Metrics

	dispatchErrs uint64
}

// NewServer wires the full server pipeline from one config.
func NewServer(cfg Config, hooks ServerHooks, deps ServerDeps) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}

	srv := &Server{
		cfg:     cfg,
		hooks:   hooks,
		conns:   make(map[wire.ConnID]string),
		ctx:     context.Background(),
		logger:  deps.Logger,
		metrics: metrics,
		out:     wire.NewOutbox(),
	}

	srv.reg = wire.NewRegistry()
	srv.clockProto = clock.NewProtocol(srv.reg)
	srv.tproto = transform.NewProtocol(srv.reg)

	srv.world = donburi.NewWorld()
	srv.ids = netid.NewRegistry(true)
	srv.vis = visibility.NewManager()
	srv.policy = visibility.NewPolicy(cfg.Visibility.CellSize)

	srv.rep = replication.NewServer(srv.reg, srv.world, srv.ids, srv.vis, deps.Publisher, deps.Logger, metrics)
	srv.pings = clock.NewBroadcaster(srv.clockProto, cfg.PingInterval(), deps.Logger, metrics)
	srv.sender = transform.NewSender(srv.tproto, cfg.senderConfig(), srv.pings, cfg.TickDuration(), deps.Publisher, deps.Logger, metrics)

	// Retired identities must vanish from every sibling pipeline.
	srv.rep.OnDespawn = func(id netid.ID) {
		srv.sender.Forget(id)
		srv.policy.Untrack(id)
	}

	srv.router = wire.NewRouter(srv.reg)
	wire.Handle(srv.router, srv.clockProto.TickEcho, func(conn wire.ConnID, echo clock.TickEcho) {
		srv.pings.Echo(conn, echo, srv.loop.Tick())
	})
	wire.Handle(srv.router, srv.tproto.Ack, func(conn wire.ConnID, ack transform.Ack) {
		srv.sender.HandleAck(conn, ack)
	})

	srv.jrnl = deps.Journal
	if srv.jrnl == nil && cfg.Journal.Enabled {
		j, err := journal.Open(cfg.JournalSettings(), deps.Logger, metrics)
		if err != nil {
			return nil, err
		}
		srv.jrnl = j
		srv.ownsJrnl = true
	}

	srv.transport = ws.NewServer(cfg.wsConfig(), float64(cfg.TickRate), srv.Tick, deps.Publisher, deps.Logger, metrics)
	srv.loop = newLoop(cfg, srv.step, hooks.AfterStep, deps.Clock, deps.Logger, metrics)
	return srv, nil
}

// Registry exposes the message registry for game payload registration.
func (s *Server) Registry() *wire.Registry { return s.reg }

// Router exposes the inbound dispatcher for game command handlers.
func (s *Server) Router() *wire.Router { return s.router }

// Replication exposes the replication server for Serve bindings.
func (s *Server) Replication() *replication.Server { return s.rep }

// World is the server-side entity world.
func (s *Server) World() donburi.World { return s.world }

// Identities is the authoritative identity registry.
func (s *Server) Identities() *netid.Registry { return s.ids }

// Visibility is the per-identity observer book.
func (s *Server) Visibility() *visibility.Manager { return s.vis }

// Policy is the interest policy. Games in interest mode pin
// transform-less entities with SetGlobal.
func (s *Server) Policy() *visibility.Policy { return s.policy }

// Journal returns the wire journal, nil when disabled.
func (s *Server) Journal() *journal.Journal { return s.jrnl }

// Outbox stages outbound game messages. Queue to it only from the tick
// goroutine; the engine flushes it at the end of every step.
func (s *Server) Outbox() *wire.Outbox { return s.out }

// Handler serves the websocket endpoint.
func (s *Server) Handler() http.HandlerFunc { return s.transport.Handler() }

// Tick returns the current tick. Safe from any goroutine.
func (s *Server) Tick() uint64 { return s.loop.Tick() }

// SessionCount reports live connections. Safe from any goroutine.
func (s *Server) SessionCount() int { return s.transport.SessionCount() }

// Kick closes one connection with a reason.
func (s *Server) Kick(conn wire.ConnID, reason string) {
	s.transport.Kick(conn, reason)
}

// MakeReplicable registers a spawned entity tree for replication and
// returns its identity. In global scope the identity is visible to every
// connection immediately.
func (s *Server) MakeReplicable(root donburi.Entity, prefab string, children ...donburi.Entity) netid.ID {
	id := s.rep.MakeReplicable(root, prefab, children...)
	if s.hooks.Viewers == nil {
		s.policy.SetGlobal(id, true)
	}
	return id
}

// Despawn retires an identity everywhere.
func (s *Server) Despawn(id netid.ID) {
	s.rep.Despawn(id)
}

// Run drives the loop until stop closes.
func (s *Server) Run(stop <-chan struct{}) {
	s.loop.Run(stop)
}

// Step advances exactly one tick. Tests and the soak harness drive the
// engine with it instead of Run.
func (s *Server) Step(now time.Time) StepResult {
	return s.loop.Step(now)
}

// Close shuts the transport down and, when the engine opened the
// journal itself, closes it.
func (s *Server) Close() {
	s.transport.Close()
	if s.ownsJrnl {
		if err := s.jrnl.Close(); err != nil && s.logger != nil {
			s.logger.Printf("[journal] close: %v", err)
		}
	}
}

// step is the engine tick. Ordering is load-bearing: joins register
// before their frames dispatch, visibility recomputes before
// replication reads it, and the observer flush runs only after every
// sender has seen the fresh flags.
func (s *Server) step(ctx TickContext) {
	s.drainEvents()
	s.dispatchInbound(ctx.Tick)

	if s.hooks.OnTick != nil {
		s.hooks.OnTick(ctx)
	}

	s.pings.Tick(ctx.Now, ctx.Tick, s.out)

	if s.hooks.Viewers != nil {
		s.syncViewpoints()
		s.policy.Apply(s.vis, s.hooks.Viewers())
	} else {
		s.policy.Apply(s.vis, s.globalViewers())
	}

	s.rep.Tick(s.ctx, ctx.Tick, s.out)
	s.sender.Tick(s.ctx, ctx.Now, ctx.Tick, s.world, s.vis, s.out)
	s.vis.EndTickFlush()

	s.journalOutbound(ctx.Tick)
	s.transport.Flush(s.ctx, ctx.Tick, s.out)
	s.maybeKeyframe(ctx.Tick)
}

func (s *Server) drainEvents() {
	s.transport.DrainEvents(func(ev ws.ConnEvent) {
		if ev.Joined {
			s.conns[ev.Conn] = ev.Name
			s.rep.Connected(ev.Conn)
			s.pings.Track(ev.Conn)
			s.metrics.Add("server_connects", 1)
			if s.hooks.OnConnect != nil {
				s.hooks.OnConnect(ev.Conn, ev.Name)
			}
			return
		}
		if s.hooks.OnDisconnect != nil {
			s.hooks.OnDisconnect(ev.Conn)
		}
		delete(s.conns, ev.Conn)
		s.rep.Disconnected(ev.Conn)
		s.pings.Drop(ev.Conn)
		s.sender.DropConnection(ev.Conn)
		s.policy.DropConnection(ev.Conn)
		s.vis.DropConnection(ev.Conn)
		s.metrics.Add("server_disconnects", 1)
	})
}

func (s *Server) dispatchInbound(tick uint64) {
	for _, in := range s.transport.Drain() {
		if s.jrnl != nil {
			s.jrnl.Append(journal.Record{
				Tick:    tick,
				Dir:     journal.Inbound,
				Conn:    in.Conn,
				Channel: in.Channel,
				TypeID:  in.Env.T,
				Payload: in.Env.P,
			})
		}
		if err := s.router.Dispatch(in.Conn, in.Env); err != nil {
			s.metrics.Add("dispatch_errors", 1)
			s.dispatchErrs++
			if s.dispatchErrs&(s.dispatchErrs-1) == 0 && s.logger != nil {
				s.logger.Printf("[dispatch] dropping frame conn=%d type=%d: %v (count=%d)", in.Conn, in.Env.T, err, s.dispatchErrs)
			}
		}
	}
}

// syncViewpoints mirrors entity positions into the interest grid before
// viewer ranges are evaluated.
func (s *Server) syncViewpoints() {
	transform.Component.Each(s.world, func(entry *donburi.Entry) {
		if !entry.HasComponent(netid.Component) {
			return
		}
		id := netid.Component.Get(entry).ID
		if id == netid.None {
			return
		}
		d := transform.Component.Get(entry)
		s.policy.Track(id, d.Pos.X, d.Pos.Y)
	})
}

// globalViewers synthesizes one zero-range viewer per connection so the
// policy still distributes global identities when no Viewers hook is
// installed.
func (s *Server) globalViewers() []visibility.Viewer {
	viewers := make([]visibility.Viewer, 0, len(s.conns))
	for conn := range s.conns {
		viewers = append(viewers, visibility.Viewer{Conn: conn})
	}
	return viewers
}

func (s *Server) journalOutbound(tick uint64) {
	if s.jrnl == nil {
		return
	}
	s.out.Each(func(q wire.Queued) {
		s.jrnl.Append(journal.Record{
			Tick:    tick,
			Dir:     journal.Outbound,
			Conn:    q.Conn,
			Channel: q.Channel,
			TypeID:  q.TypeID,
			Payload: q.Frame,
		})
	})
}

func (s *Server) maybeKeyframe(tick uint64) {
	if s.jrnl == nil || s.hooks.Keyframe == nil {
		return
	}
	every := s.cfg.Journal.KeyframeEveryTicks
	if every <= 0 || tick%uint64(every) != 0 {
		return
	}
	payload, err := s.hooks.Keyframe(tick)
	if err != nil {
		s.metrics.Add("keyframe_errors", 1)
		if s.logger != nil {
			s.logger.Printf("[journal] keyframe at tick %d: %v", tick, err)
		}
		return
	}
	if _, err := s.jrnl.RecordKeyframe(tick, payload); err != nil {
		s.metrics.Add("keyframe_errors", 1)
		if s.logger != nil {
			s.logger.Printf("[journal] keyframe at tick %d: %v", tick, err)
		}
	}
}
