package txn

import (
	"bytes"

	"github.com/mnohosten/laura-ts/pkg/codec"
)

// VersionedValue is the triple every transactional map slot stores
// (spec.md section 3): which transaction/logId produced it, and the
// payload — nil meaning "tombstone", i.e. deleted by the owning
// transaction. There is no "raw" value in a transactional map; every
// slot is exactly one VersionedValue.
type VersionedValue[V any] struct {
	TxID    TransactionID
	LogID   LogID
	Payload *V
}

// IsTombstone reports whether this version represents a delete.
func (v VersionedValue[V]) IsTombstone() bool { return v.Payload == nil }

// equalVersionedValue is the EqualFunc passed to the backing store's
// Map.Replace: two VersionedValues are "the same slot" for CAS purposes
// iff they were produced by the same (transactionId, logId) pair, which
// identifies one write: a logId is handed out again only after
// RollbackToSavepoint has reverted every slot written under it, or after
// a failed CAS that never installed it (spec.md section 3, invariant 1).
func equalVersionedValue[V any](a, b VersionedValue[V]) bool {
	return a.TxID == b.TxID && a.LogID == b.LogID
}

// VersionedValueCodec encodes a VersionedValue as
// varlong(transactionId) varlong(logId) <payload|null via Inner>
// exactly as spec.md section 6 describes.
type VersionedValueCodec[V any] struct {
	Inner codec.Codec[V]
}

func (c VersionedValueCodec[V]) Encode(buf *bytes.Buffer, v VersionedValue[V]) {
	u := codec.Uint64Codec{}
	u.Encode(buf, uint64(v.TxID))
	u.Encode(buf, uint64(v.LogID))
	codec.NullableCodec[V]{Inner: c.Inner}.Encode(buf, v.Payload)
}

func (c VersionedValueCodec[V]) Decode(r *bytes.Reader) (VersionedValue[V], error) {
	u := codec.Uint64Codec{}
	txID, err := u.Decode(r)
	if err != nil {
		return VersionedValue[V]{}, err
	}
	logID, err := u.Decode(r)
	if err != nil {
		return VersionedValue[V]{}, err
	}
	payload, err := codec.NullableCodec[V]{Inner: c.Inner}.Decode(r)
	if err != nil {
		return VersionedValue[V]{}, err
	}
	return VersionedValue[V]{TxID: TransactionID(txID), LogID: LogID(logID), Payload: payload}, nil
}
