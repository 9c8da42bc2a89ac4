package transform

import (
	"context"
	"sort"

	"github.com/yohamta/donburi"

	"outpost/netcode/internal/telemetry"
	"outpost/netcode/logging"
	logsync "outpost/netcode/logging/sync"
	"outpost/netcode/netid"
	"outpost/netcode/wire"
)

// ReceiverConfig tunes the client half of the protocol.
type ReceiverConfig struct {
	// PendingCap bounds buffered updates for identities that have not
	// materialized locally yet; the oldest identity is evicted past it.
	PendingCap int
	// HistoryDepth is how many applied snapshots are retained per
	// identity for playback interpolation.
	HistoryDepth int
}

func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{PendingCap: 150, HistoryDepth: 30}
}

// Receiver drives the client half of the protocol: it deduplicates
// incoming updates by highest sequence number, acknowledges every one,
// buffers updates that outran their spawn message and applies the rest
// into the local world, keeping a short history for interpolation.
//
// Not safe for concurrent use; the engine owns it on the tick goroutine.
type Receiver struct {
	proto   *Protocol
	cfg     ReceiverConfig
	ids     *netid.Registry
	world   donburi.World
	pub     logging.Publisher
	logger  telemetry.Logger
	metrics telemetry.Metrics

	latest       map[netid.ID]Update
	applied      map[netid.ID]uint16
	pending      map[netid.ID]Update
	pendingOrder []netid.ID
	history      map[netid.ID]*ring
	lastConn     wire.ConnID
}

func NewReceiver(proto *Protocol, cfg ReceiverConfig, ids *netid.Registry, world donburi.World, pub logging.Publisher, logger telemetry.Logger, metrics telemetry.Metrics) *Receiver {
	if cfg.PendingCap <= 0 {
		cfg.PendingCap = DefaultReceiverConfig().PendingCap
	}
	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = DefaultReceiverConfig().HistoryDepth
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Receiver{
		proto:   proto,
		cfg:     cfg,
		ids:     ids,
		world:   world,
		pub:     pub,
		logger:  logger,
		metrics: metrics,
		latest:  make(map[netid.ID]Update),
		applied: make(map[netid.ID]uint16),
		pending: make(map[netid.ID]Update),
		history: make(map[netid.ID]*ring),
	}
}

// HandleUpdate absorbs one update off the wire: it acknowledges it
// unconditionally and keeps it for the next Apply only if it carries
// the highest sequence number buffered for its identity.
func (r *Receiver) HandleUpdate(conn wire.ConnID, u Update, out *wire.Outbox) {
	r.lastConn = conn
	r.metrics.Add("transform_updates_received", 1)
	if err := r.proto.Ack.Queue(out, conn, Ack{Identity: u.Identity, Seq: u.Seq}); err != nil && r.logger != nil {
		r.logger.Printf("[transform] ack conn=%d identity=%d: %v", conn, u.Identity, err)
	}
	if buffered, ok := r.latest[u.Identity]; ok && !seqNewer(u.Seq, buffered.Seq) {
		r.metrics.Add("transform_superseded", 1)
		return
	}
	r.latest[u.Identity] = u
}

// Apply flushes buffered updates into the world: first any pending
// updates whose entities materialized since last tick, then this tick's
// arrivals. estTick is the estimated server tick at arrival and keys
// the interpolation history.
func (r *Receiver) Apply(ctx context.Context, tick uint64, estTick float64) {
	r.replayPending(ctx, tick, estTick)
	for id, u := range r.latest {
		if !r.applyOne(ctx, tick, u, estTick) {
			r.bufferPending(ctx, tick, u)
		}
		delete(r.latest, id)
	}
}

// Sample returns the transform interpolated at playback tick. Before
// the first history entry it returns the oldest; past the newest it
// clamps rather than extrapolates.
func (r *Receiver) Sample(id netid.ID, playTick float64) (Data, bool) {
	rg := r.history[id]
	if rg == nil || len(rg.entries) == 0 {
		return Data{}, false
	}
	return rg.sample(playTick), true
}

// PendingLen reports how many identities have buffered updates waiting
// for their spawn.
func (r *Receiver) PendingLen() int {
	return len(r.pendingOrder)
}

// Forget drops all receive state for a despawned identity.
func (r *Receiver) Forget(id netid.ID) {
	delete(r.latest, id)
	delete(r.applied, id)
	delete(r.history, id)
	if _, ok := r.pending[id]; ok {
		delete(r.pending, id)
		for i, pid := range r.pendingOrder {
			if pid == id {
				r.pendingOrder = append(r.pendingOrder[:i], r.pendingOrder[i+1:]...)
				break
			}
		}
	}
}

// applyOne merges u into the local entity. It reports false when the
// identity has not materialized yet and the update must be buffered;
// duplicates and stale mappings count as consumed.
func (r *Receiver) applyOne(ctx context.Context, tick uint64, u Update, estTick float64) bool {
	entity, ok := r.ids.Resolve(u.Identity)
	if !ok {
		return false
	}
	if !r.world.Valid(entity) {
		logsync.UnknownIdentity(ctx, r.pub, tick, uint64(r.lastConn), uint32(u.Identity))
		r.metrics.Add("transform_stale_identity", 1)
		return true
	}
	entry := r.world.Entry(entity)
	if last, ok := r.applied[u.Identity]; ok && !seqNewer(u.Seq, last) {
		r.metrics.Add("transform_superseded", 1)
		return true
	}

	var merged Data
	if entry.HasComponent(Component) {
		merged = *Component.Get(entry)
	}
	if u.Pos != nil {
		merged.Pos = *u.Pos
	}
	if u.Rot != nil {
		merged.Rot = *u.Rot
	}
	if u.LinVel != nil {
		merged.LinVel = *u.LinVel
	}
	if u.AngVel != nil {
		merged.AngVel = *u.AngVel
	}
	if !entry.HasComponent(Component) {
		entry.AddComponent(Component)
	}
	Component.SetValue(entry, merged)

	r.applied[u.Identity] = u.Seq
	r.pushHistory(u.Identity, estTick, merged)
	r.metrics.Add("transform_applied", 1)
	return true
}

func (r *Receiver) replayPending(ctx context.Context, tick uint64, estTick float64) {
	if len(r.pendingOrder) == 0 {
		return
	}
	remaining := r.pendingOrder[:0]
	for _, id := range r.pendingOrder {
		u, ok := r.pending[id]
		if !ok {
			continue
		}
		if r.applyOne(ctx, tick, u, estTick) {
			delete(r.pending, id)
		} else {
			remaining = append(remaining, id)
		}
	}
	r.pendingOrder = remaining
}

// bufferPending parks an update whose spawn has not arrived. One slot
// per identity; within the slot the highest sequence number wins.
func (r *Receiver) bufferPending(ctx context.Context, tick uint64, u Update) {
	if existing, ok := r.pending[u.Identity]; ok {
		if seqNewer(u.Seq, existing.Seq) {
			r.pending[u.Identity] = u
		}
		return
	}
	if len(r.pendingOrder) >= r.cfg.PendingCap {
		oldest := r.pendingOrder[0]
		r.pendingOrder = r.pendingOrder[1:]
		delete(r.pending, oldest)
		r.metrics.Add("transform_pending_evicted", 1)
		logsync.PendingEvicted(ctx, r.pub, tick, uint32(oldest), logsync.PendingEvictedPayload{
			Buffered: len(r.pendingOrder) + 1,
			Cap:      r.cfg.PendingCap,
		})
	}
	r.pending[u.Identity] = u
	r.pendingOrder = append(r.pendingOrder, u.Identity)
}

func (r *Receiver) pushHistory(id netid.ID, estTick float64, d Data) {
	rg := r.history[id]
	if rg == nil {
		rg = &ring{depth: r.cfg.HistoryDepth}
		r.history[id] = rg
	}
	rg.push(estTick, d)
}

type histEntry struct {
	tick float64
	data Data
}

// ring holds the last applied snapshots ordered by estimated arrival
// tick, oldest first.
type ring struct {
	entries []histEntry
	depth   int
}

func (rg *ring) push(tick float64, d Data) {
	if n := len(rg.entries); n > 0 && rg.entries[n-1].tick >= tick {
		rg.entries[n-1] = histEntry{tick: tick, data: d}
		return
	}
	rg.entries = append(rg.entries, histEntry{tick: tick, data: d})
	if len(rg.entries) > rg.depth {
		rg.entries = append(rg.entries[:0], rg.entries[len(rg.entries)-rg.depth:]...)
	}
}

func (rg *ring) sample(t float64) Data {
	entries := rg.entries
	if t <= entries[0].tick {
		return entries[0].data
	}
	if last := entries[len(entries)-1]; t >= last.tick {
		return last.data
	}
	i := sort.Search(len(entries), func(i int) bool { return entries[i].tick >= t })
	a := entries[i-1]
	b := entries[i]
	f := (t - a.tick) / (b.tick - a.tick)
	return Data{
		Pos:    Vec2{X: lerp(a.data.Pos.X, b.data.Pos.X, f), Y: lerp(a.data.Pos.Y, b.data.Pos.Y, f)},
		Rot:    lerp(a.data.Rot, b.data.Rot, f),
		LinVel: Vec2{X: lerp(a.data.LinVel.X, b.data.LinVel.X, f), Y: lerp(a.data.LinVel.Y, b.data.LinVel.Y, f)},
		AngVel: lerp(a.data.AngVel, b.data.AngVel, f),
	}
}

func lerp(a, b, f float64) float64 {
	return a + (b-a)*f
}
