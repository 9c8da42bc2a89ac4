package ws

import (
	"outpost/netcode/wire"
)

// ProtocolVersion gates handshakes. Both halves must match exactly;
// there is no negotiation.
const ProtocolVersion uint16 = 1

// Hello is the first message on a fresh connection, client to server.
type Hello struct {
	Protocol uint16 `codec:"protocol"`
	Name     string `codec:"name"`
}

// Welcome answers an accepted Hello and anchors the client's clock.
type Welcome struct {
	Protocol uint16      `codec:"protocol"`
	Conn     wire.ConnID `codec:"conn"`
	TickRate float64     `codec:"tick_rate"`
	Tick     uint64      `codec:"tick"`
}
