package codec

import "bytes"

// NullableCodec adds a one-byte presence flag in front of Inner's encoding,
// so a value of type T can additionally mean "absent" (a tombstone, or a
// null field in a composite record). This is the per-field null bit
// described in spec.md section 6.
type NullableCodec[T any] struct {
	Inner Codec[T]
}

func (n NullableCodec[T]) Encode(buf *bytes.Buffer, v *T) {
	if v == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	n.Inner.Encode(buf, *v)
}

func (n NullableCodec[T]) Decode(r *bytes.Reader) (*T, error) {
	flag, err := r.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}
	if flag == 0 {
		return nil, nil
	}
	v, err := n.Inner.Decode(r)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
