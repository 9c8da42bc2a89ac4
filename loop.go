package netcode

import (
	"sync/atomic"
	"time"

	"outpost/netcode/internal/telemetry"
	"outpost/netcode/logging"
)

// TickContext describes one step of the fixed-timestep loop. Delta is the
// clamped wall-clock seconds since the previous step.
type TickContext struct {
	Tick  uint64
	Now   time.Time
	Delta float64
}

// StepResult reports how a step went. Duration is the time spent inside the
// step; Budget is the per-tick allowance at the configured rate.
type StepResult struct {
	Tick         uint64
	Now          time.Time
	Delta        float64
	Duration     time.Duration
	Budget       time.Duration
	ClampedDelta bool
}

// Loop drives a step function at a fixed rate. After a stall it advances with
// a clamped delta instead of replaying the missed time.
type Loop struct {
	step      func(TickContext)
	afterStep func(StepResult)
	clock     logging.Clock
	logger    telemetry.Logger
	metrics   telemetry.Metrics

	rate          int
	budget        time.Duration
	budgetSeconds float64
	maxDelta      float64

	tick     atomic.Uint64
	overruns uint64
}

func newLoop(cfg Config, step func(TickContext), afterStep func(StepResult), clock logging.Clock, logger telemetry.Logger, metrics telemetry.Metrics) *Loop {
	rate := cfg.TickRate
	if rate <= 0 {
		rate = 30
	}
	budgetSeconds := 1.0 / float64(rate)
	maxDelta := budgetSeconds
	if cfg.CatchupMaxTicks > 1 {
		maxDelta = budgetSeconds * float64(cfg.CatchupMaxTicks)
	}
	if clock == nil {
		clock = logging.SystemClock{}
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Loop{
		step:          step,
		afterStep:     afterStep,
		clock:         clock,
		logger:        logger,
		metrics:       metrics,
		rate:          rate,
		budget:        time.Second / time.Duration(rate),
		budgetSeconds: budgetSeconds,
		maxDelta:      maxDelta,
	}
}

// Tick returns the tick assigned to the most recent step. Zero means the loop
// has not stepped yet; the first step runs as tick 1.
func (l *Loop) Tick() uint64 {
	if l == nil {
		return 0
	}
	return l.tick.Load()
}

// Step advances exactly one tick at the nominal delta, outside the ticker
// cadence. Tests and harnesses drive the loop with it.
func (l *Loop) Step(now time.Time) StepResult {
	if l == nil {
		return StepResult{}
	}
	return l.advance(now, l.budgetSeconds, false)
}

// Run drives the loop until the stop channel closes.
func (l *Loop) Run(stop <-chan struct{}) {
	if l == nil {
		return
	}
	ticker := time.NewTicker(l.budget)
	defer ticker.Stop()

	last := l.clock.Now()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := l.clock.Now()
			dt := now.Sub(last).Seconds()
			clamped := false
			if dt <= 0 {
				dt = l.budgetSeconds
			} else if dt > l.maxDelta {
				dt = l.maxDelta
				clamped = true
			}
			last = now
			l.advance(now, dt, clamped)
		}
	}
}

func (l *Loop) advance(now time.Time, dt float64, clamped bool) StepResult {
	tick := l.tick.Add(1)
	start := l.clock.Now()
	l.step(TickContext{Tick: tick, Now: now, Delta: dt})
	result := StepResult{
		Tick:         tick,
		Now:          now,
		Delta:        dt,
		Duration:     l.clock.Now().Sub(start),
		Budget:       l.budget,
		ClampedDelta: clamped,
	}
	l.metrics.Add("loop_ticks", 1)
	if result.Duration > result.Budget {
		l.overruns++
		l.metrics.Add("loop_overruns", 1)
		if l.overruns&(l.overruns-1) == 0 && l.logger != nil {
			l.logger.Printf("[loop] tick %d over budget: took %s of %s (overruns=%d)", tick, result.Duration, result.Budget, l.overruns)
		}
	}
	if l.afterStep != nil {
		l.afterStep(result)
	}
	return result
}
