// Package ws carries engine frames over websockets: one binary message
// per frame, a writer goroutine per connection, and a shared intake
// ring the engine drains at each tick. Delivery policy is per channel:
// a reliable frame that cannot be queued closes the connection as a
// slow consumer, best-effort frames are dropped and counted.
package ws

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"outpost/netcode/internal/telemetry"
	"outpost/netcode/logging"
	logsession "outpost/netcode/logging/session"
	"outpost/netcode/wire"
)

// Config tunes transport buffering and timeouts.
type Config struct {
	// MaxPending caps frames queued per connection writer.
	MaxPending int
	// IntakeCapacity caps frames buffered for the engine between ticks.
	IntakeCapacity int
	// HandshakeTimeout bounds the wait for Hello and Welcome.
	HandshakeTimeout time.Duration
	// IdleTimeout closes connections that stop sending entirely. Clock
	// pings keep healthy connections well inside it.
	IdleTimeout time.Duration
	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration
	// MaxFrameBytes caps the size of one inbound message.
	MaxFrameBytes int64
}

func DefaultConfig() Config {
	return Config{
		MaxPending:       256,
		IntakeCapacity:   4096,
		HandshakeTimeout: 5 * time.Second,
		IdleTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		MaxFrameBytes:    256 * 1024,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxPending <= 0 {
		c.MaxPending = def.MaxPending
	}
	if c.IntakeCapacity <= 0 {
		c.IntakeCapacity = def.IntakeCapacity
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	return c
}

// ConnEvent reports a connection joining or leaving, in arrival order.
type ConnEvent struct {
	Conn   wire.ConnID
	Name   string
	Remote string
	Joined bool
	Reason string
}

type session struct {
	id   wire.ConnID
	name string
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// trySend parks a frame on the writer queue without blocking.
func (s *session) trySend(frame []byte) bool {
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

// Server accepts websocket connections, owns their read and write
// goroutines and bridges frames to the engine goroutine through the
// intake ring and the connection event queue.
type Server struct {
	cfg      Config
	tickRate float64
	tick     func() uint64
	pub      logging.Publisher
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	upgrader websocket.Upgrader
	intake   *Intake
	nextConn atomic.Uint64

	mu       sync.Mutex
	sessions map[wire.ConnID]*session
	events   []ConnEvent
}

// NewServer builds a transport server. tick supplies the current engine
// tick for welcomes and event stamping; nil means tick zero.
func NewServer(cfg Config, tickRate float64, tick func() uint64, pub logging.Publisher, logger telemetry.Logger, metrics telemetry.Metrics) *Server {
	cfg = cfg.withDefaults()
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Server{
		cfg:      cfg,
		tickRate: tickRate,
		tick:     tick,
		pub:      pub,
		logger:   logger,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		intake:   NewIntake(cfg.IntakeCapacity, metrics),
		sessions: make(map[wire.ConnID]*session),
	}
}

func (srv *Server) tickNow() uint64 {
	if srv.tick == nil {
		return 0
	}
	return srv.tick()
}

// Handler returns the http endpoint that upgrades and serves sessions.
func (srv *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := srv.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s, ok := srv.handshake(conn, r.RemoteAddr)
		if !ok {
			conn.Close()
			return
		}
		go srv.writePump(s)
		srv.readLoop(s)
	}
}

func (srv *Server) handshake(conn *websocket.Conn, remote string) (*session, bool) {
	conn.SetReadLimit(srv.cfg.MaxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(srv.cfg.HandshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, false
	}
	var hello Hello
	if err := wire.Unmarshal(raw, &hello); err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected hello"),
			time.Now().Add(time.Second))
		return nil, false
	}
	if hello.Protocol != ProtocolVersion {
		logsession.Rejected(context.Background(), srv.pub, 0, logsession.RejectedPayload{Got: hello.Protocol, Want: ProtocolVersion})
		srv.metrics.Add("transport_rejected_handshakes", 1)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "protocol mismatch"),
			time.Now().Add(time.Second))
		return nil, false
	}

	id := wire.ConnID(srv.nextConn.Add(1))
	s := &session{
		id:   id,
		name: hello.Name,
		conn: conn,
		out:  make(chan []byte, srv.cfg.MaxPending),
		done: make(chan struct{}),
	}

	// Register before the welcome write: once the client holds its
	// welcome, the engine must already be able to reach the session.
	srv.mu.Lock()
	srv.sessions[id] = s
	srv.events = append(srv.events, ConnEvent{Conn: id, Name: hello.Name, Remote: remote, Joined: true})
	count := len(srv.sessions)
	srv.mu.Unlock()
	srv.metrics.Store("transport_sessions", uint64(count))

	welcome, err := wire.Marshal(Welcome{
		Protocol: ProtocolVersion,
		Conn:     id,
		TickRate: srv.tickRate,
		Tick:     srv.tickNow(),
	})
	if err != nil {
		srv.drop(s, "welcome encode")
		return nil, false
	}
	conn.SetWriteDeadline(time.Now().Add(srv.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, welcome); err != nil {
		srv.drop(s, "welcome write")
		return nil, false
	}

	logsession.Connected(context.Background(), srv.pub, srv.tickNow(), uint64(id), logsession.ConnectedPayload{
		Remote:   remote,
		Protocol: hello.Protocol,
		Name:     hello.Name,
	})
	return s, true
}

func (srv *Server) writePump(s *session) {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(srv.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				s.close()
				return
			}
		}
	}
}

func (srv *Server) readLoop(s *session) {
	defer srv.drop(s, "read error")
	for {
		s.conn.SetReadDeadline(time.Now().Add(srv.cfg.IdleTimeout))
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		ch, env, err := wire.DecodeFrame(raw)
		if err != nil {
			srv.metrics.Add("transport_malformed_frames", 1)
			if srv.logger != nil {
				srv.logger.Printf("[transport] malformed frame conn=%d: %v", s.id, err)
			}
			continue
		}
		if !srv.intake.Push(Inbound{Conn: s.id, Channel: ch, Env: env}) {
			if srv.logger != nil {
				srv.logger.Printf("[backpressure] intake full, dropping frame conn=%d channel=%d", s.id, ch)
			}
		}
	}
}

// drop removes a session and records the leave exactly once.
func (srv *Server) drop(s *session, reason string) {
	srv.mu.Lock()
	_, present := srv.sessions[s.id]
	if present {
		delete(srv.sessions, s.id)
		srv.events = append(srv.events, ConnEvent{Conn: s.id, Name: s.name, Reason: reason})
	}
	count := len(srv.sessions)
	srv.mu.Unlock()
	s.close()
	if present {
		srv.metrics.Store("transport_sessions", uint64(count))
		logsession.Closed(context.Background(), srv.pub, srv.tickNow(), uint64(s.id), logsession.ClosedPayload{Reason: reason})
	}
}

// Flush hands every queued frame to its connection's writer. A reliable
// frame that finds the writer queue full closes the connection; frames
// on the other channels are dropped and counted.
func (srv *Server) Flush(ctx context.Context, tick uint64, out *wire.Outbox) {
	srv.mu.Lock()
	sessions := make(map[wire.ConnID]*session, len(srv.sessions))
	for id, s := range srv.sessions {
		sessions[id] = s
	}
	srv.mu.Unlock()

	var overloaded []*session
	dead := make(map[wire.ConnID]struct{})
	sent := uint64(0)
	out.Flush(func(q wire.Queued) {
		if _, gone := dead[q.Conn]; gone {
			return
		}
		s, ok := sessions[q.Conn]
		if !ok {
			srv.metrics.Add("transport_orphan_frames", 1)
			return
		}
		if s.trySend(q.Frame) {
			sent++
			return
		}
		if q.Channel != wire.Reliable {
			srv.metrics.Add("transport_frames_dropped", 1)
			return
		}
		dead[q.Conn] = struct{}{}
		overloaded = append(overloaded, s)
		srv.metrics.Add("transport_slow_consumer_closes", 1)
		logsession.SlowConsumer(ctx, srv.pub, tick, uint64(q.Conn), logsession.SlowConsumerPayload{Queued: len(s.out)})
		if srv.logger != nil {
			srv.logger.Printf("[transport] closing slow consumer conn=%d queued=%d", q.Conn, len(s.out))
		}
	})
	srv.metrics.Add("transport_frames_sent", sent)
	for _, s := range overloaded {
		srv.drop(s, "slow consumer")
	}
}

// Drain returns the frames received since the last drain, in arrival order.
func (srv *Server) Drain() []Inbound {
	return srv.intake.Drain()
}

// DrainEvents hands joins and leaves to the engine in arrival order.
func (srv *Server) DrainEvents(fn func(ConnEvent)) {
	srv.mu.Lock()
	events := srv.events
	srv.events = nil
	srv.mu.Unlock()
	for _, ev := range events {
		fn(ev)
	}
}

// Kick closes a connection from the engine side.
func (srv *Server) Kick(conn wire.ConnID, reason string) {
	srv.mu.Lock()
	s, ok := srv.sessions[conn]
	srv.mu.Unlock()
	if ok {
		srv.drop(s, reason)
	}
}

// SessionCount reports the number of live connections.
func (srv *Server) SessionCount() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.sessions)
}

// Close drops every session, for shutdown.
func (srv *Server) Close() {
	srv.mu.Lock()
	sessions := make([]*session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		sessions = append(sessions, s)
	}
	srv.mu.Unlock()
	for _, s := range sessions {
		srv.drop(s, "shutdown")
	}
}
