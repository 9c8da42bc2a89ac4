package transform

import (
	"context"
	"math"
	"time"

	"github.com/yohamta/donburi"

	"outpost/netcode/internal/telemetry"
	"outpost/netcode/logging"
	logsync "outpost/netcode/logging/sync"
	"outpost/netcode/netid"
	"outpost/netcode/visibility"
	"outpost/netcode/wire"
)

// RTTSource reports the latest measured round trip for a connection in
// server ticks. *clock.Broadcaster satisfies it.
type RTTSource interface {
	LastRTT(conn wire.ConnID) (float64, bool)
}

// SenderConfig tunes the server half of the protocol.
type SenderConfig struct {
	// PosThreshold is the position drift, in world units, that makes an
	// update due. Linear velocity drift is measured against it too.
	PosThreshold float64
	// RotThreshold is the rotation drift, in radians, that makes an
	// update due. Angular velocity drift is measured against it too.
	RotThreshold float64
	// UpdateInterval is the minimum spacing between natural updates for
	// one entity.
	UpdateInterval time.Duration
	// RetransmitFactor scales the measured round trip into the wait
	// before an unacknowledged update is sent again.
	RetransmitFactor float64
	// RetransmitFloor is the wait used while no round trip has been
	// measured, and the minimum wait otherwise.
	RetransmitFloor time.Duration
	// StillAfter is how long a transform must hold still before the
	// one-shot resync fires.
	StillAfter time.Duration
}

func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		PosThreshold:     0.01,
		RotThreshold:     0.01,
		UpdateInterval:   time.Second / 30,
		RetransmitFactor: 2.0,
		RetransmitFloor:  200 * time.Millisecond,
		StillAfter:       time.Second,
	}
}

type connSend struct {
	sentSeq uint16
	sentAt  time.Time
	acked   bool
}

type sendState struct {
	seq           uint16
	hasSent       bool
	lastSent      Data
	lastBroadcast time.Time
	stillSince    time.Time
	resynced      bool
	conns         map[wire.ConnID]*connSend
}

func (st *sendState) nextSeq() uint16 {
	st.seq++
	return st.seq
}

// Sender drives the server half of the protocol. Each tick it walks
// every replicated transform and emits natural updates for entities
// that drifted past the thresholds, full snapshots for fresh observers,
// retransmissions for unacknowledged updates on entities at rest, and
// the one-shot still resync.
//
// Not safe for concurrent use; the engine owns it on the tick goroutine.
type Sender struct {
	proto   *Protocol
	cfg     SenderConfig
	rtt     RTTSource
	tickDur time.Duration
	pub     logging.Publisher
	logger  telemetry.Logger
	metrics telemetry.Metrics
	states  map[netid.ID]*sendState
}

func NewSender(proto *Protocol, cfg SenderConfig, rtt RTTSource, tickDur time.Duration, pub logging.Publisher, logger telemetry.Logger, metrics telemetry.Metrics) *Sender {
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Sender{
		proto:   proto,
		cfg:     cfg,
		rtt:     rtt,
		tickDur: tickDur,
		pub:     pub,
		logger:  logger,
		metrics: metrics,
		states:  make(map[netid.ID]*sendState),
	}
}

// Tick runs one send pass over the world. Run it after visibility
// recomputation and before the observer flush, so fresh observers are
// still marked.
func (s *Sender) Tick(ctx context.Context, now time.Time, tick uint64, world donburi.World, vis *visibility.Manager, out *wire.Outbox) {
	Component.Each(world, func(entry *donburi.Entry) {
		if !entry.HasComponent(netid.Component) {
			return
		}
		id := netid.Component.Get(entry).ID
		if id == netid.None {
			return
		}
		obs, ok := vis.Of(id)
		if !ok {
			return
		}
		current := *Component.Get(entry)

		st := s.states[id]
		if st == nil {
			st = &sendState{stillSince: now, conns: make(map[wire.ConnID]*connSend)}
			s.states[id] = st
		}
		s.pruneConns(st, obs)

		fields := s.changedFields(id, st, current)
		if fields != nil {
			st.stillSince = now
			st.resynced = false
			if st.lastBroadcast.IsZero() || now.Sub(st.lastBroadcast) >= s.cfg.UpdateInterval {
				s.broadcast(now, st, obs, *fields, out)
			}
		}

		obs.EachFresh(func(conn wire.ConnID) {
			s.sendTo(now, st, conn, s.snapshotUpdate(id, st, current), out)
		})

		if fields == nil {
			s.retransmitStale(ctx, now, tick, id, st, obs, out)
			s.stillResync(ctx, now, tick, id, st, obs, out)
		}
	})
}

// HandleAck marks the connection's outstanding update acknowledged.
// Anything at or ahead of the last send counts; stale acks are ignored.
func (s *Sender) HandleAck(conn wire.ConnID, ack Ack) {
	st := s.states[ack.Identity]
	if st == nil {
		return
	}
	cs := st.conns[conn]
	if cs == nil {
		return
	}
	if seqAtLeast(ack.Seq, cs.sentSeq) {
		cs.acked = true
		s.metrics.Add("transform_acks", 1)
	}
}

// Forget drops all protocol state for a despawned identity.
func (s *Sender) Forget(id netid.ID) {
	delete(s.states, id)
}

// DropConnection clears per-connection state after a disconnect.
func (s *Sender) DropConnection(conn wire.ConnID) {
	for _, st := range s.states {
		delete(st.conns, conn)
	}
}

// changedFields builds an update holding every field that drifted past
// its threshold since the last send, or nil when nothing did. A never
// sent transform counts as fully drifted.
func (s *Sender) changedFields(id netid.ID, st *sendState, current Data) *Update {
	if !st.hasSent {
		u := fullUpdate(id, current)
		return &u
	}
	u := Update{Identity: id}
	due := false
	if current.Pos.DistanceTo(st.lastSent.Pos) > s.cfg.PosThreshold {
		pos := current.Pos
		u.Pos = &pos
		due = true
	}
	if math.Abs(current.Rot-st.lastSent.Rot) > s.cfg.RotThreshold {
		rot := current.Rot
		u.Rot = &rot
		due = true
	}
	if current.LinVel.DistanceTo(st.lastSent.LinVel) > s.cfg.PosThreshold {
		vel := current.LinVel
		u.LinVel = &vel
		due = true
	}
	if math.Abs(current.AngVel-st.lastSent.AngVel) > s.cfg.RotThreshold {
		vel := current.AngVel
		u.AngVel = &vel
		due = true
	}
	if !due {
		return nil
	}
	return &u
}

// broadcast allocates a sequence number, folds the sent fields into
// lastSent and queues the update for every current observer.
func (s *Sender) broadcast(now time.Time, st *sendState, obs *visibility.Observers, u Update, out *wire.Outbox) {
	u.Seq = st.nextSeq()
	if u.Pos != nil {
		st.lastSent.Pos = *u.Pos
	}
	if u.Rot != nil {
		st.lastSent.Rot = *u.Rot
	}
	if u.LinVel != nil {
		st.lastSent.LinVel = *u.LinVel
	}
	if u.AngVel != nil {
		st.lastSent.AngVel = *u.AngVel
	}
	st.hasSent = true
	st.lastBroadcast = now
	obs.Each(func(conn wire.ConnID) {
		s.sendTo(now, st, conn, u, out)
	})
	s.metrics.Add("transform_updates_sent", 1)
}

// snapshotUpdate builds the full-state update owed to a fresh observer,
// under the entity's current sequence number.
func (s *Sender) snapshotUpdate(id netid.ID, st *sendState, current Data) Update {
	if !st.hasSent {
		st.lastSent = current
		st.hasSent = true
		st.nextSeq()
	}
	u := fullUpdate(id, st.lastSent)
	u.Seq = st.seq
	return u
}

func (s *Sender) retransmitStale(ctx context.Context, now time.Time, tick uint64, id netid.ID, st *sendState, obs *visibility.Observers, out *wire.Outbox) {
	if !st.hasSent {
		return
	}
	obs.Each(func(conn wire.ConnID) {
		cs := st.conns[conn]
		if cs == nil || cs.acked {
			return
		}
		if now.Sub(cs.sentAt) < s.retransmitWait(conn) {
			return
		}
		u := fullUpdate(id, st.lastSent)
		u.Seq = st.seq
		s.sendTo(now, st, conn, u, out)
		s.metrics.Add("transform_retransmits", 1)
		logsync.Retransmit(ctx, s.pub, tick, uint64(conn), uint32(id), logsync.RetransmitPayload{Seq: u.Seq})
	})
}

func (s *Sender) retransmitWait(conn wire.ConnID) time.Duration {
	rtt, ok := s.rtt.LastRTT(conn)
	if !ok || rtt <= 0 {
		return s.cfg.RetransmitFloor
	}
	wait := time.Duration(s.cfg.RetransmitFactor * rtt * float64(s.tickDur))
	if wait < s.cfg.RetransmitFloor {
		wait = s.cfg.RetransmitFloor
	}
	return wait
}

// stillResync re-sends the last known state once per stillness episode,
// under a fresh sequence number so receivers apply it even when they
// already hold the previous update. It guards against server and client
// physics drifting apart while nothing moves.
func (s *Sender) stillResync(ctx context.Context, now time.Time, tick uint64, id netid.ID, st *sendState, obs *visibility.Observers, out *wire.Outbox) {
	if !st.hasSent || st.resynced || obs.Len() == 0 {
		return
	}
	if now.Sub(st.stillSince) < s.cfg.StillAfter {
		return
	}
	u := fullUpdate(id, st.lastSent)
	u.Seq = st.nextSeq()
	obs.Each(func(conn wire.ConnID) {
		s.sendTo(now, st, conn, u, out)
		logsync.Retransmit(ctx, s.pub, tick, uint64(conn), uint32(id), logsync.RetransmitPayload{Seq: u.Seq, Still: true})
	})
	st.resynced = true
	s.metrics.Add("transform_still_resyncs", 1)
}

func (s *Sender) sendTo(now time.Time, st *sendState, conn wire.ConnID, u Update, out *wire.Outbox) {
	if err := s.proto.Update.Queue(out, conn, u); err != nil {
		if s.logger != nil {
			s.logger.Printf("[transform] send conn=%d identity=%d: %v", conn, u.Identity, err)
		}
		return
	}
	cs := st.conns[conn]
	if cs == nil {
		cs = &connSend{}
		st.conns[conn] = cs
	}
	cs.sentSeq = u.Seq
	cs.sentAt = now
	cs.acked = false
}

func (s *Sender) pruneConns(st *sendState, obs *visibility.Observers) {
	for conn := range st.conns {
		if !obs.Contains(conn) {
			delete(st.conns, conn)
		}
	}
}

func fullUpdate(id netid.ID, d Data) Update {
	pos := d.Pos
	rot := d.Rot
	lin := d.LinVel
	ang := d.AngVel
	return Update{Identity: id, Pos: &pos, Rot: &rot, LinVel: &lin, AngVel: &ang}
}
