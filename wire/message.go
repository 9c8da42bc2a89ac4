package wire

import (
	"errors"
	"fmt"
)

// MsgType binds a payload type to its registry key, channel and priority.
// Construct every MsgType at start-up; the id lookup stays valid because
// registration is complete before the first frame is built.
type MsgType[T any] struct {
	reg      *Registry
	key      TypeKey
	channel  Channel
	priority int
}

// RegisterMessage registers key and returns the typed handle used to send
// and receive T.
func RegisterMessage[T any](reg *Registry, key TypeKey, ch Channel, priority int) *MsgType[T] {
	if !ch.Valid() {
		panic(fmt.Sprintf("wire: register message on invalid channel %d", uint8(ch)))
	}
	reg.Register(key)
	return &MsgType[T]{reg: reg, key: key, channel: ch, priority: priority}
}

func (mt *MsgType[T]) Key() TypeKey {
	return mt.key
}

func (mt *MsgType[T]) Channel() Channel {
	return mt.channel
}

func (mt *MsgType[T]) Priority() int {
	return mt.priority
}

// ID returns the dense id assigned to this message's key.
func (mt *MsgType[T]) ID() uint16 {
	id, ok := mt.reg.IDOf(mt.key)
	if !ok {
		panic(fmt.Sprintf("wire: message key %s not registered", mt.key))
	}
	return id
}

// Encode builds the envelope for v.
func (mt *MsgType[T]) Encode(v T) (Envelope, error) {
	payload, err := Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: encode %s: %w", mt.key, err)
	}
	return Envelope{T: mt.ID(), P: payload}, nil
}

// Decode parses an envelope payload previously built by Encode.
func (mt *MsgType[T]) Decode(payload []byte) (T, error) {
	var v T
	if err := Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("wire: decode %s: %w", mt.key, err)
	}
	return v, nil
}

// Queue encodes v and stages it on the outbox for conn using the message's
// channel and priority.
func (mt *MsgType[T]) Queue(out *Outbox, conn ConnID, v T) error {
	env, err := mt.Encode(v)
	if err != nil {
		return err
	}
	frame, err := EncodeFrame(mt.channel, env)
	if err != nil {
		return err
	}
	out.Queue(Queued{
		Conn:     conn,
		Channel:  mt.channel,
		Priority: mt.priority,
		TypeID:   env.T,
		Frame:    frame,
	})
	return nil
}

// QueueWithPriority is Queue with the priority overridden for this send.
func (mt *MsgType[T]) QueueWithPriority(out *Outbox, conn ConnID, v T, priority int) error {
	env, err := mt.Encode(v)
	if err != nil {
		return err
	}
	frame, err := EncodeFrame(mt.channel, env)
	if err != nil {
		return err
	}
	out.Queue(Queued{
		Conn:     conn,
		Channel:  mt.channel,
		Priority: priority,
		TypeID:   env.T,
		Frame:    frame,
	})
	return nil
}

// ErrUnknownType reports an envelope whose id has no registered handler.
var ErrUnknownType = errors.New("wire: unknown message type")

// Router dispatches received envelopes to the handler registered for
// their type. Handlers are registered at start-up only.
type Router struct {
	reg      *Registry
	handlers map[TypeKey]func(ConnID, []byte) error
}

func NewRouter(reg *Registry) *Router {
	return &Router{reg: reg, handlers: make(map[TypeKey]func(ConnID, []byte) error)}
}

// Handle registers fn for mt. Registering two handlers for one key is a
// programmer error and panics.
func Handle[T any](r *Router, mt *MsgType[T], fn func(ConnID, T)) {
	if _, exists := r.handlers[mt.key]; exists {
		panic(fmt.Sprintf("wire: duplicate handler for %s", mt.key))
	}
	r.handlers[mt.key] = func(conn ConnID, payload []byte) error {
		v, err := mt.Decode(payload)
		if err != nil {
			return err
		}
		fn(conn, v)
		return nil
	}
}

// Dispatch routes one envelope. Unknown ids and decode failures are
// returned for the caller to log and drop; neither kills the connection.
func (r *Router) Dispatch(conn ConnID, env Envelope) error {
	key, ok := r.reg.KeyOf(env.T)
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrUnknownType, env.T)
	}
	handler, ok := r.handlers[key]
	if !ok {
		return fmt.Errorf("%w: id=%d key=%s", ErrUnknownType, env.T, key)
	}
	return handler(conn, env.P)
}
