package wire

import "fmt"

// Channel selects delivery semantics for a frame. The transport guarantees
// order and delivery on Reliable; everything else is best effort and may be
// dropped under backpressure.
type Channel uint8

const (
	// Reliable carries control traffic: handshake, spawns, despawns,
	// component snapshots and diffs.
	Reliable Channel = 0
	// Unreliable carries traffic that the next update supersedes.
	Unreliable Channel = 1
	// Timing carries clock synchronization pings and echoes.
	Timing Channel = 2
	// Transforms carries the high-frequency transform protocol.
	Transforms Channel = 3
)

const channelCount = 4

func (c Channel) Valid() bool {
	return c < channelCount
}

func (c Channel) String() string {
	switch c {
	case Reliable:
		return "reliable"
	case Unreliable:
		return "unreliable"
	case Timing:
		return "timing"
	case Transforms:
		return "transforms"
	default:
		return fmt.Sprintf("channel(%d)", uint8(c))
	}
}

// ConnID identifies one peer connection. Ids are allocated by the
// transport; zero means "no connection".
type ConnID uint64
