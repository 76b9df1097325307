package codec

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Uint64Codec encodes a uint64 as a variable-length unsigned integer
// (the "varlong" of spec.md section 6), using the standard library's
// LEB128-style unsigned varint.
type Uint64Codec struct{}

func (Uint64Codec) Encode(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func (Uint64Codec) Decode(r *bytes.Reader) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, ErrTruncated
	}
	return v, nil
}

func (Uint64Codec) Compare(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Int64Codec encodes an int64 as a zig-zag variable-length integer.
type Int64Codec struct{}

func (Int64Codec) Encode(buf *bytes.Buffer, v int64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func (Int64Codec) Decode(r *bytes.Reader) (int64, error) {
	v, err := binary.ReadVarint(r)
	if err != nil {
		return 0, ErrTruncated
	}
	return v, nil
}

func (Int64Codec) Compare(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// BytesCodec encodes a []byte as a varint length prefix followed by the
// raw bytes. A nil slice and an empty, non-nil slice both round-trip as a
// zero-length, non-nil slice — callers that need to distinguish "absent"
// from "empty" should use NullableCodec.
type BytesCodec struct{}

func (BytesCodec) Encode(buf *bytes.Buffer, v []byte) {
	Uint64Codec{}.Encode(buf, uint64(len(v)))
	buf.Write(v)
}

func (BytesCodec) Decode(r *bytes.Reader) ([]byte, error) {
	n, err := Uint64Codec{}.Decode(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, out); err != nil {
			return nil, ErrTruncated
		}
	}
	return out, nil
}

func (BytesCodec) Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// StringCodec encodes a string the same way BytesCodec encodes []byte.
type StringCodec struct{}

func (StringCodec) Encode(buf *bytes.Buffer, v string) {
	BytesCodec{}.Encode(buf, []byte(v))
}

func (StringCodec) Decode(r *bytes.Reader) (string, error) {
	b, err := BytesCodec{}.Decode(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (StringCodec) Compare(a, b string) int {
	return bytes.Compare([]byte(a), []byte(b))
}
