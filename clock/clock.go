// Package clock estimates the authoritative server tick on the client
// and derives a smoothed playback tick from it.
//
// The server pings every connection five times a second with its current
// tick and the last round trip it measured for that connection. The
// client echoes each ping, windows the round-trip samples and dead
// reckons the server's current tick from the last ping plus elapsed
// time. Playback runs behind that estimate by half the round trip plus
// a safety margin, so interpolation between received snapshots always
// has a newer sample to blend toward. The playback tick approaches its
// target by modulating a low-pass filtered speed multiplier instead of
// snapping, which keeps remote motion free of visible jumps.
package clock

import (
	"time"

	"outpost/netcode/wire"
)

const (
	// DefaultPingInterval is how often the server pings each connection.
	DefaultPingInterval = 200 * time.Millisecond
	// rttWindowSize bounds the round-trip sample window.
	rttWindowSize = 10
	// safetyMarginTicks is added on top of half the round trip.
	safetyMarginTicks = 4
	// maxLag caps the total playback lag regardless of measured round trip.
	maxLag = 300 * time.Millisecond

	speedGain      = 5.0
	speedSmoothing = 0.9
	deadbandLow    = 0.992
	deadbandHigh   = 1.008
)

// ServerTick is the periodic timing ping. RTT is the last round trip the
// server measured for this connection, in server ticks; zero until the
// first echo lands.
type ServerTick struct {
	Tick uint64  `codec:"tick"`
	RTT  float64 `codec:"rtt"`
}

// TickEcho bounces a ping straight back so the server can time the round
// trip. Tick repeats the tick the ping carried.
type TickEcho struct {
	Tick uint64 `codec:"tick"`
}

var (
	KeyServerTick = wire.MustKey("6f1c7a52-9d0e-4c44-8a3b-2f6fb0d41c9a")
	KeyTickEcho   = wire.MustKey("b4a9d3e8-07c1-4f6a-b5d2-91e48c2a7f30")
)

// Protocol bundles the registered timing message types.
type Protocol struct {
	ServerTick *wire.MsgType[ServerTick]
	TickEcho   *wire.MsgType[TickEcho]
}

// NewProtocol registers the timing messages with reg. Both sides must
// call it so the shared type ids line up.
func NewProtocol(reg *wire.Registry) *Protocol {
	return &Protocol{
		ServerTick: wire.RegisterMessage[ServerTick](reg, KeyServerTick, wire.Timing, 0),
		TickEcho:   wire.RegisterMessage[TickEcho](reg, KeyTickEcho, wire.Timing, 0),
	}
}
