package session

import (
	"context"

	"outpost/netcode/logging"
)

const (
	// EventConnected is emitted once a connection completes the handshake.
	EventConnected logging.EventType = "session.connected"
	// EventClosed is emitted when a connection goes away for any reason.
	EventClosed logging.EventType = "session.closed"
	// EventRejected is emitted when a handshake is refused.
	EventRejected logging.EventType = "session.rejected"
	// EventSlowConsumer is emitted when a connection is closed because its
	// reliable send queue overflowed.
	EventSlowConsumer logging.EventType = "session.slow_consumer"
)

// ConnectedPayload captures handshake metadata for a new connection.
type ConnectedPayload struct {
	Remote   string `json:"remote"`
	Protocol uint16 `json:"protocol"`
	Name     string `json:"name,omitempty"`
}

// ClosedPayload captures the reason a connection ended.
type ClosedPayload struct {
	Reason string `json:"reason"`
}

// RejectedPayload captures a protocol mismatch.
type RejectedPayload struct {
	Got  uint16 `json:"got"`
	Want uint16 `json:"want"`
}

// SlowConsumerPayload captures queue depth at the moment of disconnect.
type SlowConsumerPayload struct {
	Queued int `json:"queued"`
}

// Connected publishes a connection establishment event.
func Connected(ctx context.Context, pub logging.Publisher, tick uint64, conn uint64, payload ConnectedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventConnected,
		Tick:     tick,
		Conn:     conn,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryTransport,
		Payload:  payload,
	})
}

// Closed publishes a connection teardown event.
func Closed(ctx context.Context, pub logging.Publisher, tick uint64, conn uint64, payload ClosedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventClosed,
		Tick:     tick,
		Conn:     conn,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryTransport,
		Payload:  payload,
	})
}

// Rejected publishes a handshake refusal event.
func Rejected(ctx context.Context, pub logging.Publisher, conn uint64, payload RejectedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventRejected,
		Conn:     conn,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryTransport,
		Payload:  payload,
	})
}

// SlowConsumer publishes a forced-disconnect event.
func SlowConsumer(ctx context.Context, pub logging.Publisher, tick uint64, conn uint64, payload SlowConsumerPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSlowConsumer,
		Tick:     tick,
		Conn:     conn,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryTransport,
		Payload:  payload,
	})
}
