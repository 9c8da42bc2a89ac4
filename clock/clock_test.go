package clock

import (
	"math"
	"testing"
	"time"

	"outpost/netcode/wire"
)

const testTickRate = 20.0

var testTickDur = time.Second / 20

func newTestProtocol() *Protocol {
	return NewProtocol(wire.NewRegistry())
}

func decodePing(t *testing.T, proto *Protocol, item wire.Queued) ServerTick {
	t.Helper()
	ch, env, err := wire.DecodeFrame(item.Frame)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if ch != wire.Timing {
		t.Fatalf("ping on channel %v, want timing", ch)
	}
	msg, err := proto.ServerTick.Decode(env.P)
	if err != nil {
		t.Fatalf("decode ping: %v", err)
	}
	return msg
}

func TestBroadcasterPingsOnInterval(t *testing.T) {
	proto := newTestProtocol()
	b := NewBroadcaster(proto, 200*time.Millisecond, nil, nil)
	b.Track(1)

	out := wire.NewOutbox()
	start := time.Unix(0, 0)

	b.Tick(start, 10, out)
	if out.Len() != 1 {
		t.Fatalf("first tick queued %d pings, want 1", out.Len())
	}
	b.Tick(start.Add(100*time.Millisecond), 12, out)
	if out.Len() != 1 {
		t.Fatalf("ping sent before the interval elapsed")
	}
	b.Tick(start.Add(200*time.Millisecond), 14, out)
	if out.Len() != 2 {
		t.Fatalf("ping not sent after the interval elapsed")
	}
}

func TestBroadcasterMeasuresRTTFromEcho(t *testing.T) {
	proto := newTestProtocol()
	b := NewBroadcaster(proto, 200*time.Millisecond, nil, nil)
	b.Track(1)

	out := wire.NewOutbox()
	start := time.Unix(0, 0)
	b.Tick(start, 100, out)

	var first ServerTick
	out.Flush(func(item wire.Queued) { first = decodePing(t, proto, item) })
	if first.Tick != 100 || first.RTT != 0 {
		t.Fatalf("first ping = %+v, want tick 100 rtt 0", first)
	}

	// Echo lands three ticks later.
	b.Echo(1, TickEcho{Tick: 100}, 103)
	if rtt, ok := b.LastRTT(1); !ok || rtt != 3 {
		t.Fatalf("rtt = %v/%v, want 3", rtt, ok)
	}

	// A duplicate echo must not shrink the measurement.
	b.Echo(1, TickEcho{Tick: 100}, 120)
	if rtt, _ := b.LastRTT(1); rtt != 3 {
		t.Fatalf("duplicate echo changed rtt to %v", rtt)
	}

	b.Tick(start.Add(250*time.Millisecond), 105, out)
	var second ServerTick
	out.Flush(func(item wire.Queued) { second = decodePing(t, proto, item) })
	if second.RTT != 3 {
		t.Fatalf("second ping rtt = %v, want 3", second.RTT)
	}

	// Echo for an already superseded ping is ignored.
	b.Echo(1, TickEcho{Tick: 100}, 130)
	if rtt, _ := b.LastRTT(1); rtt != 3 {
		t.Fatalf("stale echo changed rtt to %v", rtt)
	}

	b.Drop(1)
	if _, ok := b.LastRTT(1); ok {
		t.Fatalf("dropped connection still tracked")
	}
}

func TestEstimatorZeroRTTTracksServerExactly(t *testing.T) {
	e := NewEstimator(testTickRate)
	start := time.Unix(0, 0)

	echo := e.Observe(ServerTick{Tick: 50, RTT: 0}, start)
	if echo.Tick != 50 {
		t.Fatalf("echo tick = %d, want 50", echo.Tick)
	}
	if got := e.EstimatedServerTick(start); got != 50 {
		t.Fatalf("estimate at receipt = %v, want 50", got)
	}
	later := start.Add(3 * testTickDur)
	if got := e.EstimatedServerTick(later); math.Abs(got-53) > 1e-9 {
		t.Fatalf("estimate after three ticks = %v, want 53", got)
	}
}

func TestEstimatorOffset(t *testing.T) {
	e := NewEstimator(30)
	now := time.Unix(0, 0)
	for i := 0; i < 3; i++ {
		e.Observe(ServerTick{Tick: uint64(i), RTT: 5}, now)
	}
	// ceil(ceil(5)/2) + 4 = 7 ticks of lag.
	if got := e.Offset(); got != 7 {
		t.Fatalf("offset = %v, want 7", got)
	}

	// A terrible link is clamped to 300ms of lag: 9 ticks at rate 30.
	for i := 0; i < rttWindowSize; i++ {
		e.Observe(ServerTick{Tick: uint64(10 + i), RTT: 40}, now)
	}
	if got := e.Offset(); got != 9 {
		t.Fatalf("clamped offset = %v, want 9", got)
	}
}

func TestEstimatorWindowKeepsLastTenSamples(t *testing.T) {
	e := NewEstimator(testTickRate)
	now := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		e.Observe(ServerTick{Tick: uint64(i), RTT: 4}, now)
	}
	for i := 0; i < rttWindowSize; i++ {
		e.Observe(ServerTick{Tick: uint64(5 + i), RTT: 8}, now)
	}
	if got := e.RTT(); got != 8 {
		t.Fatalf("windowed rtt = %v, want 8 once old samples fell out", got)
	}
}

func TestEstimatorConvergesAfterServerSkew(t *testing.T) {
	e := NewEstimator(testTickRate)
	start := time.Unix(0, 0)

	const steps = 240 // 12 seconds of 50ms client ticks
	const rtt = 2.0
	var prev uint64

	for step := 0; step < steps; step++ {
		now := start.Add(time.Duration(step) * testTickDur)
		serverTick := uint64(1000 + step)
		if step >= 80 {
			// The server stalled and caught up: every later ping
			// reports ten extra ticks.
			serverTick += 10
		}
		if step%4 == 0 {
			e.Observe(ServerTick{Tick: serverTick, RTT: rtt}, now)
		}
		got := e.Advance(now)
		if got < prev {
			t.Fatalf("tick went backwards at step %d: %d < %d", step, got, prev)
		}
		prev = got
	}

	end := start.Add(steps * testTickDur)
	diff := e.TargetTick(end) - float64(e.CurrentTick())
	if math.Abs(diff) > 1.5 {
		t.Fatalf("still %.2f ticks off target after convergence window", diff)
	}
}

func TestEstimatorSnapsWhenFarAdrift(t *testing.T) {
	e := NewEstimator(testTickRate)
	start := time.Unix(0, 0)

	e.Observe(ServerTick{Tick: 10, RTT: 0}, start)
	e.Advance(start)

	// A thousand-tick jump is far beyond steering range.
	e.Observe(ServerTick{Tick: 5000, RTT: 0}, start)
	got := e.Advance(start)
	want := e.TargetTick(start)
	if math.Abs(float64(got)-want) > 1 {
		t.Fatalf("after snap tick = %d, want about %.1f", got, want)
	}
}
