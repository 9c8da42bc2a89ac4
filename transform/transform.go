// Package transform replicates entity transforms over the best-effort
// channel with explicit per-entity sequence numbers, acknowledgments,
// selective retransmission and a one-shot resync for entities at rest.
//
// Transforms change nearly every tick while an entity moves, so the
// protocol never waits for delivery: a lost update is superseded by the
// next one. Reliability only matters once an entity stops moving, which
// is exactly when retransmission and the still resync take over.
package transform

import (
	"math"

	"github.com/yohamta/donburi"

	"outpost/netcode/netid"
	"outpost/netcode/wire"
)

// Vec2 is a position or velocity in world units.
type Vec2 struct {
	X float64 `codec:"x"`
	Y float64 `codec:"y"`
}

func (v Vec2) DistanceTo(o Vec2) float64 {
	dx := v.X - o.X
	dy := v.Y - o.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Data is the replicated transform state of one entity.
type Data struct {
	Pos    Vec2
	Rot    float64
	LinVel Vec2
	AngVel float64
}

// Component marks an entity's transform for replication. The server
// reads it every tick; the client writes received state back into it.
var Component = donburi.NewComponentType[Data]()

// Update carries one entity's transform over the wire. Nil fields mean
// "unchanged since the last update you applied", not zero.
type Update struct {
	Identity netid.ID `codec:"id"`
	Seq      uint16   `codec:"seq"`
	Pos      *Vec2    `codec:"pos"`
	Rot      *float64 `codec:"rot"`
	LinVel   *Vec2    `codec:"linvel"`
	AngVel   *float64 `codec:"angvel"`
}

// Snapshot reports whether every field is populated.
func (u Update) Snapshot() bool {
	return u.Pos != nil && u.Rot != nil && u.LinVel != nil && u.AngVel != nil
}

// Ack confirms receipt of an update. The receiver sends exactly one per
// received update, applied or superseded.
type Ack struct {
	Identity netid.ID `codec:"id"`
	Seq      uint16   `codec:"seq"`
}

var (
	KeyUpdate = wire.MustKey("3c8a1f0d-5b72-4e9a-a6c4-d08f97b6e215")
	KeyAck    = wire.MustKey("9d4e2b7a-c153-48f0-8a9e-5f1d3c6b0e42")
)

// Protocol bundles the registered transform message types.
type Protocol struct {
	Update *wire.MsgType[Update]
	Ack    *wire.MsgType[Ack]
}

// NewProtocol registers the transform messages with reg. Both sides must
// call it so the shared type ids line up.
func NewProtocol(reg *wire.Registry) *Protocol {
	return &Protocol{
		Update: wire.RegisterMessage[Update](reg, KeyUpdate, wire.Transforms, 0),
		Ack:    wire.RegisterMessage[Ack](reg, KeyAck, wire.Transforms, 0),
	}
}

// seqNewer reports whether a is ahead of b on the wrapping sequence
// circle, judged by the shorter way around.
func seqNewer(a, b uint16) bool {
	return int16(a-b) > 0
}

// seqAtLeast reports a == b or a ahead of b.
func seqAtLeast(a, b uint16) bool {
	return a == b || seqNewer(a, b)
}
