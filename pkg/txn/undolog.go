package txn

import (
	"bytes"

	"github.com/mnohosten/laura-ts/pkg/codec"
	"github.com/mnohosten/laura-ts/pkg/store"
)

// OpType records which kind of write produced an undo log entry
// (spec.md section 4.1).
type OpType uint8

const (
	OpAdd OpType = iota + 1
	OpRemove
	OpSet
)

// UndoKey is the composite (transactionId, logId) key of the undo log
// (spec.md section 3, "UndoLog entry").
type UndoKey struct {
	TxID  TransactionID
	LogID LogID
}

func undoKeyLess(a, b UndoKey) bool {
	if a.TxID != b.TxID {
		return a.TxID < b.TxID
	}
	return a.LogID < b.LogID
}

type undoKeyCodec struct{}

func (undoKeyCodec) Encode(buf *bytes.Buffer, k UndoKey) {
	u := codec.Uint64Codec{}
	u.Encode(buf, uint64(k.TxID))
	u.Encode(buf, uint64(k.LogID))
}

func (undoKeyCodec) Decode(r *bytes.Reader) (UndoKey, error) {
	u := codec.Uint64Codec{}
	tx, err := u.Decode(r)
	if err != nil {
		return UndoKey{}, err
	}
	log, err := u.Decode(r)
	if err != nil {
		return UndoKey{}, err
	}
	return UndoKey{TxID: TransactionID(tx), LogID: LogID(log)}, nil
}

// RawVersionedValue is a VersionedValue whose payload is already encoded
// to bytes by the owning map's value codec. The undo log is one map
// shared by every TransactionMap regardless of its domain value type, so
// it cannot hold a typed VersionedValue[V] directly; this is the
// type-erased form spec.md section 12 (SPEC_FULL) resolves the runtime
// type-dispatch question with.
type RawVersionedValue = VersionedValue[[]byte]

var rawVersionedValueCodec = VersionedValueCodec[[]byte]{Inner: codec.BytesCodec{}}

// UndoValue is the undo log's value: (opType, mapId, key, oldValue).
// Key is the written key, already encoded with its owning map's key
// codec. OldValue is nil iff the slot was previously absent.
type UndoValue struct {
	Op       OpType
	MapID    uint32
	Key      []byte
	OldValue *RawVersionedValue
}

type undoValueCodec struct{}

func (undoValueCodec) Encode(buf *bytes.Buffer, v UndoValue) {
	buf.WriteByte(byte(v.Op))
	u := codec.Uint64Codec{}
	u.Encode(buf, uint64(v.MapID))
	codec.BytesCodec{}.Encode(buf, v.Key)
	nullable := codec.NullableCodec[RawVersionedValue]{Inner: rawVersionedValueCodec}
	nullable.Encode(buf, v.OldValue)
}

func (undoValueCodec) Decode(r *bytes.Reader) (UndoValue, error) {
	opByte, err := r.ReadByte()
	if err != nil {
		return UndoValue{}, codec.ErrTruncated
	}
	u := codec.Uint64Codec{}
	mapID, err := u.Decode(r)
	if err != nil {
		return UndoValue{}, err
	}
	key, err := codec.BytesCodec{}.Decode(r)
	if err != nil {
		return UndoValue{}, err
	}
	nullable := codec.NullableCodec[RawVersionedValue]{Inner: rawVersionedValueCodec}
	old, err := nullable.Decode(r)
	if err != nil {
		return UndoValue{}, err
	}
	return UndoValue{Op: OpType(opByte), MapID: uint32(mapID), Key: key, OldValue: old}, nil
}

// undoLog wraps the backing store's (txId,logId) -> (op,mapId,key,old)
// map with the access patterns the rest of pkg/txn needs: append,
// forward scan for commit, reverse scan for rollback, and the
// first-key/higher-key probes TransactionStore uses for
// firstOpenTransaction and isTransactionOpen.
type undoLog struct {
	m *store.Map[UndoKey, UndoValue]
}

func openUndoLog(s *store.Store) (*undoLog, error) {
	m, err := store.OpenMap[UndoKey, UndoValue](s, "undoLog",
		undoKeyLess,
		func(a, b UndoValue) bool { return false }, // the undo log is never CAS-updated, only appended/removed
		undoKeyCodec{},
		undoValueCodec{},
	)
	if err != nil {
		return nil, err
	}
	return &undoLog{m: m}, nil
}

func (u *undoLog) append(tx TransactionID, logID LogID, v UndoValue) {
	u.m.Put(UndoKey{TxID: tx, LogID: logID}, v)
}

func (u *undoLog) get(tx TransactionID, logID LogID) (UndoValue, bool) {
	return u.m.Get(UndoKey{TxID: tx, LogID: logID})
}

func (u *undoLog) remove(tx TransactionID, logID LogID) {
	u.m.Remove(UndoKey{TxID: tx, LogID: logID})
}

// firstTxID returns the smallest txId appearing anywhere in the undo log
// (spec.md section 3, invariant 3). On an empty log it returns a large
// sentinel; callers check isEmpty first.
func (u *undoLog) firstTxID() TransactionID {
	k, ok := u.m.FirstKey()
	if !ok {
		return TransactionID(^uint64(0) >> 1) // sentinel; callers check isEmpty first
	}
	return k.TxID
}

func (u *undoLog) isEmpty() bool {
	_, ok := u.m.FirstKey()
	return !ok
}

// hasEntryFor reports whether any undo log entry has the given
// transaction id, by seeking the smallest key >= (tx, 0) and checking
// its txId — the seek spec.md section 4.1 describes for
// isTransactionOpen's probe path.
func (u *undoLog) hasEntryFor(tx TransactionID) bool {
	k, ok := u.m.CeilingKey(UndoKey{TxID: tx, LogID: 0})
	return ok && k.TxID == tx
}

// distinctMapIDs returns every distinct mapId touched by tx's undo log
// entries with logId in [fromLogID, maxLogID), for
// Transaction.GetChangedMaps.
func (u *undoLog) distinctMapIDs(tx TransactionID, fromLogID, maxLogID LogID) map[uint32]struct{} {
	ids := make(map[uint32]struct{})
	u.m.Ascend(UndoKey{TxID: tx, LogID: fromLogID}, true, func(key UndoKey, value UndoValue) bool {
		if key.TxID != tx || key.LogID >= maxLogID {
			return false
		}
		ids[value.MapID] = struct{}{}
		return true
	})
	return ids
}

// countEntries returns how many undo log entries currently belong to tx,
// which (since entries are appended and truncated densely from 0) equals
// the logId a recovered Transaction should resume at.
func (u *undoLog) countEntries(tx TransactionID) LogID {
	var n LogID
	u.m.Ascend(UndoKey{TxID: tx, LogID: 0}, true, func(key UndoKey, _ UndoValue) bool {
		if key.TxID != tx {
			return false
		}
		n++
		return true
	})
	return n
}

// distinctTxIDs returns every transaction id with at least one undo log
// entry, in ascending order, for TransactionStore.GetOpenTransactions.
func (u *undoLog) distinctTxIDs() []TransactionID {
	var ids []TransactionID
	first := true
	var last TransactionID
	u.m.Ascend(UndoKey{}, false, func(key UndoKey, _ UndoValue) bool {
		if first || key.TxID != last {
			ids = append(ids, key.TxID)
			last = key.TxID
			first = false
		}
		return true
	})
	return ids
}
