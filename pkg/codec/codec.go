// Package codec provides the wire encodings shared by the backing store and
// the transaction layer: variable-length integers, length-prefixed byte
// strings, and a generic nullable composition used for VersionedValue and
// its relatives.
package codec

import (
	"bytes"
	"fmt"
)

// Codec encodes and decodes values of type T to and from a byte stream.
// Implementations must round-trip: Decode(Encode(v)) == v.
type Codec[T any] interface {
	Encode(buf *bytes.Buffer, v T)
	Decode(r *bytes.Reader) (T, error)
}

// OrderedCodec additionally defines a total order over T, matching the
// order the backing store keeps its keys in.
type OrderedCodec[T any] interface {
	Codec[T]
	Compare(a, b T) int
}

// ErrTruncated is returned when a Decode call runs out of input mid-value.
var ErrTruncated = fmt.Errorf("codec: truncated input")
