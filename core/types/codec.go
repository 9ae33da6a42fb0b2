package types

import (
	"github.com/ugorji/go/codec"
)

// Storage and hashing use canonical CBOR so encoded forms are
// deterministic across processes.
var cborHandle = func() *codec.CborHandle {
	h := &codec.CborHandle{}
	h.Canonical = true
	return h
}()

func EncodeToBytes(v interface{}) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, cborHandle).Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func DecodeBytes(data []byte, v interface{}) error {
	return codec.NewDecoderBytes(data, cborHandle).Decode(v)
}
