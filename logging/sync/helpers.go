package sync

import (
	"context"

	"outpost/netcode/logging"
)

const (
	// EventSpawnAnnounced is emitted when a spawn message is queued for a new observer.
	EventSpawnAnnounced logging.EventType = "sync.spawn_announced"
	// EventPendingEvicted is emitted when buffered payloads for an unresolved
	// identity are discarded to stay under the buffer cap.
	EventPendingEvicted logging.EventType = "sync.pending_evicted"
	// EventMalformedPayload is emitted when a payload fails to decode.
	EventMalformedPayload logging.EventType = "sync.malformed_payload"
	// EventUnknownIdentity is emitted when a message references an identity
	// that cannot be resolved and is not eligible for buffering.
	EventUnknownIdentity logging.EventType = "sync.unknown_identity"
	// EventMirrorMissing is emitted when a payload targets an entity without
	// the mirror component and no default is registered.
	EventMirrorMissing logging.EventType = "sync.mirror_missing"
	// EventRetransmit is emitted when a transform update is sent again.
	EventRetransmit logging.EventType = "sync.retransmit"
	// EventStillResync is emitted when a stationary transform is refreshed.
	EventStillResync logging.EventType = "sync.still_resync"
)

// SpawnPayload names the prefab announced to a new observer.
type SpawnPayload struct {
	Prefab string `json:"prefab"`
}

// PendingEvictedPayload captures buffer pressure details.
type PendingEvictedPayload struct {
	Buffered int `json:"buffered"`
	Cap      int `json:"cap"`
}

// MalformedPayload captures decode failure details.
type MalformedPayload struct {
	TypeID uint16 `json:"typeId"`
	Reason string `json:"reason"`
}

// MirrorMissingPayload names the type that had no mirror to apply into.
type MirrorMissingPayload struct {
	TypeID uint16 `json:"typeId"`
}

// RetransmitPayload captures which update was resent and why.
type RetransmitPayload struct {
	Seq   uint16 `json:"seq"`
	Still bool   `json:"still"`
}

// SpawnAnnounced publishes a spawn announcement event.
func SpawnAnnounced(ctx context.Context, pub logging.Publisher, tick uint64, conn uint64, identity uint32, payload SpawnPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSpawnAnnounced,
		Tick:     tick,
		Conn:     conn,
		Identity: identity,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryReplication,
		Payload:  payload,
	})
}

// PendingEvicted publishes a buffered-payload eviction event.
func PendingEvicted(ctx context.Context, pub logging.Publisher, tick uint64, identity uint32, payload PendingEvictedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventPendingEvicted,
		Tick:     tick,
		Identity: identity,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryReplication,
		Payload:  payload,
	})
}

// Malformed publishes a payload decode failure event.
func Malformed(ctx context.Context, pub logging.Publisher, tick uint64, conn uint64, payload MalformedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventMalformedPayload,
		Tick:     tick,
		Conn:     conn,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryReplication,
		Payload:  payload,
	})
}

// UnknownIdentity publishes an unresolvable-identity event.
func UnknownIdentity(ctx context.Context, pub logging.Publisher, tick uint64, conn uint64, identity uint32) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventUnknownIdentity,
		Tick:     tick,
		Conn:     conn,
		Identity: identity,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryReplication,
	})
}

// MirrorMissing publishes a missing-mirror event.
func MirrorMissing(ctx context.Context, pub logging.Publisher, tick uint64, identity uint32, payload MirrorMissingPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventMirrorMissing,
		Tick:     tick,
		Identity: identity,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryReplication,
		Payload:  payload,
	})
}

// Retransmit publishes a transform retransmission event.
func Retransmit(ctx context.Context, pub logging.Publisher, tick uint64, conn uint64, identity uint32, payload RetransmitPayload) {
	if pub == nil {
		return
	}
	severity := logging.SeverityDebug
	eventType := EventRetransmit
	if payload.Still {
		eventType = EventStillResync
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Tick:     tick,
		Conn:     conn,
		Identity: identity,
		Severity: severity,
		Category: logging.CategoryTransform,
		Payload:  payload,
	})
}
