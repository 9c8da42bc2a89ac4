package netcode

import (
	"testing"
	"time"

	"outpost/netcode/internal/telemetry"
	"outpost/netcode/logging"
)

func TestStepAssignsSequentialTicks(t *testing.T) {
	base := time.Unix(100, 0)
	clk := logging.ClockFunc(func() time.Time { return base })
	var seen []uint64
	l := newLoop(DefaultConfig(), func(ctx TickContext) {
		seen = append(seen, ctx.Tick)
	}, nil, clk, nil, nil)

	if l.Tick() != 0 {
		t.Fatalf("tick %d before the first step, want 0", l.Tick())
	}
	l.Step(base)
	l.Step(base)
	res := l.Step(base)

	if len(seen) != 3 || seen[0] != 1 || seen[1] != 2 || seen[2] != 3 {
		t.Fatalf("steps ran ticks %v, want 1 2 3", seen)
	}
	if l.Tick() != 3 {
		t.Fatalf("tick %d after three steps, want 3", l.Tick())
	}
	if res.Budget != time.Second/30 {
		t.Fatalf("budget %s, want %s", res.Budget, time.Second/30)
	}
	if res.Delta != 1.0/30.0 {
		t.Fatalf("delta %v, want nominal %v", res.Delta, 1.0/30.0)
	}
}

func TestAfterStepObservesOverruns(t *testing.T) {
	// Every clock read advances 40ms, so the measured step duration
	// blows the 33ms budget at 30 ticks per second.
	now := time.Unix(100, 0)
	clk := logging.ClockFunc(func() time.Time {
		now = now.Add(40 * time.Millisecond)
		return now
	})
	mets := telemetry.NewCounters()
	var last StepResult
	l := newLoop(DefaultConfig(), func(TickContext) {}, func(r StepResult) {
		last = r
	}, clk, nil, mets)

	l.Step(now)

	if last.Tick != 1 {
		t.Fatalf("after-step saw tick %d, want 1", last.Tick)
	}
	if last.Duration != 40*time.Millisecond {
		t.Fatalf("duration %s, want 40ms", last.Duration)
	}
	if got := mets.Get("loop_overruns"); got != 1 {
		t.Fatalf("overruns %d, want 1", got)
	}
	if got := mets.Get("loop_ticks"); got != 1 {
		t.Fatalf("ticks %d, want 1", got)
	}
}

func TestRunStopsWhenChannelCloses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickRate = 200
	ticks := make(chan uint64, 64)
	l := newLoop(cfg, func(ctx TickContext) {
		select {
		case ticks <- ctx.Tick:
		default:
		}
	}, nil, nil, nil, nil)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		l.Run(stop)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	var latest uint64
	for latest < 3 {
		select {
		case tick := <-ticks:
			latest = tick
		case <-deadline:
			t.Fatal("loop never reached tick 3")
		}
	}
	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}
