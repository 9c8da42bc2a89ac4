package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	env := Envelope{T: 12, P: []byte{0x01, 0x02, 0x03}}
	frame, err := EncodeFrame(Transforms, env)
	if err != nil {
		t.Fatalf("expected encode to succeed, got %v", err)
	}
	if frame[0] != byte(Transforms) {
		t.Fatalf("expected channel byte %d, got %d", Transforms, frame[0])
	}

	ch, decoded, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("expected decode to succeed, got %v", err)
	}
	if ch != Transforms {
		t.Fatalf("expected channel transforms, got %s", ch)
	}
	if decoded.T != env.T || !bytes.Equal(decoded.P, env.P) {
		t.Fatalf("expected envelope roundtrip, got %+v", decoded)
	}
}

func TestDecodeFrameRejectsShortInput(t *testing.T) {
	if _, _, err := DecodeFrame(nil); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("expected short frame error, got %v", err)
	}
	if _, _, err := DecodeFrame([]byte{byte(Reliable)}); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("expected short frame error for single byte, got %v", err)
	}
}

func TestFrameRejectsInvalidChannel(t *testing.T) {
	if _, err := EncodeFrame(Channel(9), Envelope{}); !errors.Is(err, ErrBadChannel) {
		t.Fatalf("expected bad channel error on encode, got %v", err)
	}
	if _, _, err := DecodeFrame([]byte{9, 0x00, 0x00}); !errors.Is(err, ErrBadChannel) {
		t.Fatalf("expected bad channel error on decode, got %v", err)
	}
}

func TestMarshalPointerFieldsAsOptionals(t *testing.T) {
	type payload struct {
		A *float64
		B *float64
	}
	val := 4.5
	data, err := Marshal(payload{A: &val})
	if err != nil {
		t.Fatalf("expected marshal to succeed, got %v", err)
	}

	var decoded payload
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("expected unmarshal to succeed, got %v", err)
	}
	if decoded.A == nil || *decoded.A != 4.5 {
		t.Fatalf("expected present field to carry 4.5, got %v", decoded.A)
	}
	if decoded.B != nil {
		t.Fatalf("expected absent field to stay nil, got %v", *decoded.B)
	}
}
