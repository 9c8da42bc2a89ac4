package clock

import (
	"time"

	"outpost/netcode/internal/telemetry"
	"outpost/netcode/wire"
)

type connClock struct {
	lastRTT  float64
	pingTick uint64
	awaiting bool
	lastPing time.Time
}

// Broadcaster drives the server side of tick synchronization: it pings
// every tracked connection on an interval and turns the echoes into
// per-connection round-trip estimates, measured in server ticks.
//
// Not safe for concurrent use; the engine owns it on the tick goroutine.
type Broadcaster struct {
	proto    *Protocol
	interval time.Duration
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	conns    map[wire.ConnID]*connClock
}

func NewBroadcaster(proto *Protocol, interval time.Duration, logger telemetry.Logger, metrics telemetry.Metrics) *Broadcaster {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Broadcaster{
		proto:    proto,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
		conns:    make(map[wire.ConnID]*connClock),
	}
}

// Track starts pinging conn on the next Tick.
func (b *Broadcaster) Track(conn wire.ConnID) {
	if _, ok := b.conns[conn]; !ok {
		b.conns[conn] = &connClock{}
	}
}

// Drop forgets conn.
func (b *Broadcaster) Drop(conn wire.ConnID) {
	delete(b.conns, conn)
}

// LastRTT returns the most recent round trip for conn in server ticks.
// Zero until the first echo arrives.
func (b *Broadcaster) LastRTT(conn wire.ConnID) (float64, bool) {
	state, ok := b.conns[conn]
	if !ok {
		return 0, false
	}
	return state.lastRTT, true
}

// Tick queues a ping for every connection whose interval elapsed.
func (b *Broadcaster) Tick(now time.Time, tick uint64, out *wire.Outbox) {
	for conn, state := range b.conns {
		if !state.lastPing.IsZero() && now.Sub(state.lastPing) < b.interval {
			continue
		}
		msg := ServerTick{Tick: tick, RTT: state.lastRTT}
		if err := b.proto.ServerTick.Queue(out, conn, msg); err != nil {
			if b.logger != nil {
				b.logger.Printf("[clock] ping conn=%d failed: %v", conn, err)
			}
			continue
		}
		state.pingTick = tick
		state.awaiting = true
		state.lastPing = now
		b.metrics.Add("clock_pings_sent", 1)
	}
}

// Echo absorbs a client echo. Only the outstanding ping is measured;
// duplicates and echoes of older pings are ignored.
func (b *Broadcaster) Echo(conn wire.ConnID, echo TickEcho, tick uint64) {
	state, ok := b.conns[conn]
	if !ok || !state.awaiting || echo.Tick != state.pingTick {
		return
	}
	state.awaiting = false
	state.lastRTT = float64(tick - echo.Tick)
	b.metrics.Add("clock_echoes_received", 1)
}
