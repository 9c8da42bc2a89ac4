package wire

import (
	"github.com/hashicorp/go-msgpack/v2/codec"
)

// Payload structs encode as positional arrays: field declaration order is
// the wire order, and a nil pointer field means "unchanged". Both peers
// compile the same struct declarations, which is the whole framing
// contract; nothing is negotiated at runtime.
var msgpackHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.StructToArray = true
	return h
}()

// Marshal encodes v with the shared msgpack handle.
func Marshal(v any) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

// Unmarshal decodes data into v with the shared msgpack handle.
func Unmarshal(data []byte, v any) error {
	dec := codec.NewDecoderBytes(data, msgpackHandle)
	return dec.Decode(v)
}
