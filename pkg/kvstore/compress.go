package kvstore

import (
	"github.com/klauspost/compress/s2"

	"github.com/cuemby/kvstore/pkg/kverrors"
)

// compressionThresholdBytes is the size above which a value is
// transparently compressed before being handed to the backend;
// compression is transparent to callers.
const compressionThresholdBytes = 1024

const (
	envelopeRaw        byte = 0
	envelopeCompressed byte = 1
)

// encodeValue prefixes v with a one-byte envelope flag recording whether
// the payload that follows is s2-compressed, so decodeValue can reverse
// it without a separate metadata lookup.
func encodeValue(v []byte) []byte {
	if len(v) <= compressionThresholdBytes {
		out := make([]byte, 1+len(v))
		out[0] = envelopeRaw
		copy(out[1:], v)
		return out
	}
	compressed := s2.Encode(nil, v)
	out := make([]byte, 1+len(compressed))
	out[0] = envelopeCompressed
	copy(out[1:], compressed)
	return out
}

// decodeValue reverses encodeValue.
func decodeValue(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, nil
	}
	flag, body := stored[0], stored[1:]
	switch flag {
	case envelopeRaw:
		return append([]byte(nil), body...), nil
	case envelopeCompressed:
		return s2.Decode(nil, body)
	default:
		return nil, kverrors.New(kverrors.Corruption, "kvstore.decodeValue", "unrecognized value envelope")
	}
}
