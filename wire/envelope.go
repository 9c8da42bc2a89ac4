package wire

import (
	"errors"
	"fmt"
)

// Envelope is the unit the engine exchanges: a dense type id and the
// opaque encoded payload of that type.
type Envelope struct {
	T uint16 `codec:"t"`
	P []byte `codec:"p"`
}

var (
	ErrShortFrame = errors.New("wire: frame too short")
	ErrBadChannel = errors.New("wire: invalid channel")
)

// EncodeFrame prefixes the channel byte to the encoded envelope. The
// result is what actually crosses the transport.
func EncodeFrame(ch Channel, env Envelope) ([]byte, error) {
	if !ch.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrBadChannel, uint8(ch))
	}
	body, err := Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: encode envelope type=%d: %w", env.T, err)
	}
	frame := make([]byte, 1+len(body))
	frame[0] = byte(ch)
	copy(frame[1:], body)
	return frame, nil
}

// DecodeFrame splits a received frame into its channel and envelope.
func DecodeFrame(frame []byte) (Channel, Envelope, error) {
	if len(frame) < 2 {
		return 0, Envelope{}, ErrShortFrame
	}
	ch := Channel(frame[0])
	if !ch.Valid() {
		return 0, Envelope{}, fmt.Errorf("%w: %d", ErrBadChannel, frame[0])
	}
	var env Envelope
	if err := Unmarshal(frame[1:], &env); err != nil {
		return 0, Envelope{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	return ch, env, nil
}
