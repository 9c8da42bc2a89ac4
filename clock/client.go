package clock

import (
	"math"
	"time"
)

// Estimator is the client side of tick synchronization. Feed it every
// ServerTick ping through Observe and call Advance once per client tick;
// CurrentTick then trails the estimated server tick by half the round
// trip plus a safety margin, so playback interpolation always has a
// newer snapshot to blend toward.
//
// Not safe for concurrent use.
type Estimator struct {
	tickRate float64

	window   []float64
	lastTick uint64
	receipt  time.Time
	haveTick bool

	interpolated float64
	speed        float64
}

// NewEstimator builds an estimator for a server running at tickRate
// ticks per second.
func NewEstimator(tickRate float64) *Estimator {
	return &Estimator{
		tickRate: tickRate,
		window:   make([]float64, 0, rttWindowSize),
		speed:    1,
	}
}

// Observe absorbs a ping and returns the echo to send back. The first
// ping snaps the interpolated tick onto the target; later pings only
// steer it.
func (e *Estimator) Observe(msg ServerTick, now time.Time) TickEcho {
	if len(e.window) == rttWindowSize {
		copy(e.window, e.window[1:])
		e.window = e.window[:rttWindowSize-1]
	}
	e.window = append(e.window, msg.RTT)

	e.lastTick = msg.Tick
	e.receipt = now
	if !e.haveTick {
		e.haveTick = true
		e.interpolated = e.TargetTick(now)
	}
	return TickEcho{Tick: msg.Tick}
}

// Synced reports whether at least one ping arrived.
func (e *Estimator) Synced() bool {
	return e.haveTick
}

// RTT returns the windowed mean round trip in server ticks.
func (e *Estimator) RTT() float64 {
	if len(e.window) == 0 {
		return 0
	}
	var sum float64
	for _, sample := range e.window {
		sum += sample
	}
	return sum / float64(len(e.window))
}

// EstimatedServerTick extrapolates the server's tick at now: the last
// reported tick, plus the upstream half of the round trip, plus the
// ticks elapsed since the ping arrived. With a zero round trip this is
// exactly the server's current tick.
func (e *Estimator) EstimatedServerTick(now time.Time) float64 {
	if !e.haveTick {
		return 0
	}
	elapsed := now.Sub(e.receipt).Seconds() * e.tickRate
	return float64(e.lastTick) + e.RTT()/2 + elapsed
}

// Offset returns the playback lag in ticks: half the mean round trip
// rounded up, plus a fixed margin, clamped so the total lag never
// exceeds maxLag.
func (e *Estimator) Offset() float64 {
	lag := math.Ceil(math.Ceil(e.RTT())/2) + safetyMarginTicks
	limit := maxLag.Seconds() * e.tickRate
	if lag > limit {
		lag = limit
	}
	return lag
}

// TargetTick is the tick the client should be playing back at now:
// behind the estimated server tick by Offset, so arriving snapshots are
// ahead of the playback cursor.
func (e *Estimator) TargetTick(now time.Time) float64 {
	return e.EstimatedServerTick(now) - e.Offset()
}

// Advance moves the interpolated tick by one steered step and returns
// the resulting whole tick. Call it exactly once per client tick. The
// steering loop nudges the tick rate, not the tick itself, so the
// simulation never sees a jump; a tick more than a second adrift snaps
// instead of chasing.
func (e *Estimator) Advance(now time.Time) uint64 {
	if !e.haveTick {
		return 0
	}
	target := e.TargetTick(now)
	delta := target - e.interpolated

	if math.Abs(delta) > e.tickRate {
		e.interpolated = target
		e.speed = 1
		return e.CurrentTick()
	}

	targetSpeed := 1 + delta/speedGain
	if targetSpeed < 0 {
		targetSpeed = 0
	}
	if targetSpeed > deadbandLow && targetSpeed < deadbandHigh {
		targetSpeed = 1
	}
	e.speed = speedSmoothing*e.speed + (1-speedSmoothing)*targetSpeed
	e.interpolated += e.speed
	return e.CurrentTick()
}

// CurrentTick returns the interpolated tick without advancing it. The
// lag can push the target below zero right after a round starts; the
// playback tick floors at zero until the server pulls ahead.
func (e *Estimator) CurrentTick() uint64 {
	if e.interpolated < 0 {
		return 0
	}
	return uint64(e.interpolated)
}

// PlaybackTick returns the fractional interpolated tick, floored at
// zero. Samplers blend between snapshots with it.
func (e *Estimator) PlaybackTick() float64 {
	if e.interpolated < 0 {
		return 0
	}
	return e.interpolated
}
