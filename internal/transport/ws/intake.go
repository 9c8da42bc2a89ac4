package ws

import (
	"sync"

	"outpost/netcode/internal/telemetry"
	"outpost/netcode/wire"
)

const (
	intakeOccupancyMetricKey = "transport_intake_occupancy"
	intakeOverflowMetricKey  = "transport_intake_overflow_total"
)

// Inbound is one decoded frame waiting for the engine goroutine.
type Inbound struct {
	Conn    wire.ConnID
	Channel wire.Channel
	Env     wire.Envelope
}

// Intake buffers frames between connection readers and the engine's
// once-per-tick drain. Fixed-size ring, safe for concurrent producers
// and a single consumer; a full ring drops the newest frame.
type Intake struct {
	mu      sync.Mutex
	data    []Inbound
	head    int
	tail    int
	count   int
	metrics telemetry.Metrics
}

// NewIntake constructs a ring with the provided capacity.
func NewIntake(capacity int, metrics telemetry.Metrics) *Intake {
	if capacity < 1 {
		capacity = 1
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Intake{
		data:    make([]Inbound, capacity),
		metrics: metrics,
	}
}

// Push stages a frame, returning false if the ring is full.
func (b *Intake) Push(in Inbound) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == len(b.data) {
		b.metrics.Add(intakeOverflowMetricKey, 1)
		return false
	}
	b.data[b.tail] = in
	b.tail = (b.tail + 1) % len(b.data)
	b.count++
	b.metrics.Store(intakeOccupancyMetricKey, uint64(b.count))
	return true
}

// Drain returns every staged frame in arrival order and clears the ring.
func (b *Intake) Drain() []Inbound {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return nil
	}
	frames := make([]Inbound, b.count)
	for i := 0; i < b.count; i++ {
		frames[i] = b.data[(b.head+i)%len(b.data)]
	}
	b.head = 0
	b.tail = 0
	b.count = 0
	b.metrics.Store(intakeOccupancyMetricKey, 0)
	return frames
}

// Len reports the number of staged frames.
func (b *Intake) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}
