package txn

import (
	"bytes"
	"time"

	"github.com/mnohosten/laura-ts/pkg/codec"
	"github.com/mnohosten/laura-ts/pkg/store"
)

// readLogIDUnbounded is the default readLogId cutoff: "see my own latest
// write", i.e. +infinity in spec.md section 4.3's terms.
const readLogIDUnbounded = LogID(^uint64(0))

// TransactionMap is one transaction's view of a backing map of
// key -> VersionedValue[V] (spec.md section 4.3). It implements the MVCC
// read algorithm and a conflict-checked compare-and-swap write; the
// blocking Put/Remove wrap that CAS with the lock-timeout retry loop.
type TransactionMap[K any, V any] struct {
	tx      *Transaction
	ts      *TransactionStore
	backing *store.Map[K, VersionedValue[V]]

	keyCodec codec.Codec[K]
	valCodec codec.Codec[V]

	readLogID LogID
}

func newTransactionMap[K any, V any](tx *Transaction, ts *TransactionStore, backing *store.Map[K, VersionedValue[V]], keyCodec codec.Codec[K], valCodec codec.Codec[V]) *TransactionMap[K, V] {
	return &TransactionMap[K, V]{
		tx:        tx,
		ts:        ts,
		backing:   backing,
		keyCodec:  keyCodec,
		valCodec:  valCodec,
		readLogID: readLogIDUnbounded,
	}
}

// Name returns the backing map's registered name.
func (m *TransactionMap[K, V]) Name() string { return m.backing.Name() }

// SetSavepoint changes this view's readLogId cutoff: writes made earlier
// in the owning transaction, before readLogID, stay visible; writes made
// at or after it do not. This is distinct from Transaction.SetSavepoint,
// which captures a logId for rollback rather than reads (spec.md section
// 9).
func (m *TransactionMap[K, V]) SetSavepoint(readLogID LogID) {
	m.readLogID = readLogID
}

// GetInstance returns a new view of the same backing map bound to tx,
// with readLogId fixed at savepoint — the mechanism behind "statement
// snapshot" reads (spec.md section 8, scenario 4).
func (m *TransactionMap[K, V]) GetInstance(tx *Transaction, savepoint LogID) *TransactionMap[K, V] {
	other := newTransactionMap(tx, m.ts, m.backing, m.keyCodec, m.valCodec)
	other.readLogID = savepoint
	return other
}

func (m *TransactionMap[K, V]) encodeKey(key K) []byte {
	var buf bytes.Buffer
	m.keyCodec.Encode(&buf, key)
	return buf.Bytes()
}

func (m *TransactionMap[K, V]) encodePayload(v *V) []byte {
	if v == nil {
		return nil
	}
	var buf bytes.Buffer
	m.valCodec.Encode(&buf, *v)
	return buf.Bytes()
}

func (m *TransactionMap[K, V]) decodePayload(b []byte) (*V, error) {
	if b == nil {
		return nil, nil
	}
	v, err := m.valCodec.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (m *TransactionMap[K, V]) toRaw(v VersionedValue[V]) (*RawVersionedValue, error) {
	return &RawVersionedValue{TxID: v.TxID, LogID: v.LogID, Payload: m.encodePayload(v.Payload)}, nil
}

func (m *TransactionMap[K, V]) fromRaw(raw *RawVersionedValue) (VersionedValue[V], bool, error) {
	if raw == nil {
		return VersionedValue[V]{}, false, nil
	}
	payload, err := m.decodePayload(raw.Payload)
	if err != nil {
		return VersionedValue[V]{}, false, err
	}
	return VersionedValue[V]{TxID: raw.TxID, LogID: raw.LogID, Payload: payload}, true, nil
}

// getValue runs the MVCC read algorithm from spec.md section 4.3: it
// walks the backing slot, and whenever the current version is shadowed
// by an open transaction (foreign, or this transaction's own write made
// at or after maxLog), chases the UndoLog back to the previous version.
func (m *TransactionMap[K, V]) getValue(key K, maxLog LogID) (VersionedValue[V], bool, error) {
	data, ok := m.backing.Get(key)
	for {
		if !ok {
			return VersionedValue[V]{}, false, nil
		}
		if data.TxID == m.tx.id && data.LogID < maxLog {
			return data, true, nil
		}
		open, err := m.ts.isTransactionOpen(data.TxID)
		if err != nil {
			return VersionedValue[V]{}, false, err
		}
		if !open {
			return data, true, nil
		}
		uv, found := m.ts.undoLog.get(data.TxID, data.LogID)
		if !found {
			return VersionedValue[V]{}, false, ErrInvalidState
		}
		data, ok, err = m.fromRaw(uv.OldValue)
		if err != nil {
			return VersionedValue[V]{}, false, err
		}
	}
}

// Get returns the payload visible to this transaction at the given key,
// or (zero, false) if absent or tombstoned.
func (m *TransactionMap[K, V]) Get(key K) (V, bool, error) {
	v, ok, err := m.getValue(key, m.readLogID)
	if err != nil || !ok || v.IsTombstone() {
		var zero V
		return zero, false, err
	}
	return *v.Payload, true, nil
}

// ContainsKey reports whether Get would return a value.
func (m *TransactionMap[K, V]) ContainsKey(key K) (bool, error) {
	_, ok, err := m.Get(key)
	return ok, err
}

// TrySet performs the conflict-checked compare-and-swap write from
// spec.md section 4.3. value == nil means delete. It returns false
// (without error) whenever the write lost a race or the key is locked by
// another open transaction; callers that want to block should use Put /
// Remove instead.
func (m *TransactionMap[K, V]) TrySet(key K, value *V, onlyIfUnchanged bool) (bool, error) {
	cur, curOK := m.backing.Get(key)

	if onlyIfUnchanged {
		base, baseOK, err := m.getValue(key, m.readLogID)
		if err != nil {
			return false, err
		}
		changed := curOK != baseOK || (curOK && baseOK && !equalVersionedValue(cur, base))
		if changed {
			switch {
			case curOK && cur.TxID == m.tx.id && value == nil:
				return true, nil // deleting what this statement already wrote: no-op success
			case curOK && cur.TxID == m.tx.id && cur.IsTombstone() && value != nil:
				// reinsert after delete within the same statement: allowed, fall through
			default:
				return false, nil
			}
		}
	}

	var op OpType
	switch {
	case !curOK || cur.IsTombstone():
		if value != nil {
			op = OpAdd
		} else {
			op = OpSet
		}
	default:
		if value == nil {
			op = OpRemove
		} else {
			op = OpSet
		}
	}

	keyBytes := m.encodeKey(key)

	switch {
	case !curOK:
		logID := m.tx.appendUndoReserving(op, m.backing.ID(), keyBytes, nil)
		newVV := VersionedValue[V]{TxID: m.tx.id, LogID: logID, Payload: value}
		if _, inserted := m.backing.PutIfAbsent(key, newVV); !inserted {
			m.tx.releaseLogID(logID)
			return false, nil
		}
		return true, nil

	case cur.TxID == m.tx.id:
		oldRaw, err := m.toRaw(cur)
		if err != nil {
			return false, err
		}
		logID := m.tx.appendUndoReserving(op, m.backing.ID(), keyBytes, oldRaw)
		newVV := VersionedValue[V]{TxID: m.tx.id, LogID: logID, Payload: value}
		if !m.backing.Replace(key, cur, newVV) {
			m.tx.releaseLogID(logID)
			return false, nil
		}
		return true, nil

	default:
		open, err := m.ts.isTransactionOpen(cur.TxID)
		if err != nil {
			return false, err
		}
		if open {
			return false, nil // locked by another open transaction
		}
		oldRaw, err := m.toRaw(cur)
		if err != nil {
			return false, err
		}
		logID := m.tx.appendUndoReserving(op, m.backing.ID(), keyBytes, oldRaw)
		newVV := VersionedValue[V]{TxID: m.tx.id, LogID: logID, Payload: value}
		if !m.backing.Replace(key, cur, newVV) {
			m.tx.releaseLogID(logID)
			return false, nil
		}
		return true, nil
	}
}

// blockingSet retries TrySet under the store's lock-timeout policy
// (spec.md section 4.3: "set/put/remove", section 7's LockTimeout kind).
func (m *TransactionMap[K, V]) blockingSet(key K, value *V) error {
	timeout := m.ts.cfg.LockTimeout
	deadline := time.Now().Add(timeout)
	for {
		ok, err := m.TrySet(key, value, false)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return ErrLockTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

// Put writes value for key, blocking (per Config.LockTimeout) until no
// other open transaction holds a conflicting write.
func (m *TransactionMap[K, V]) Put(key K, value V) error {
	return m.blockingSet(key, &value)
}

// Remove deletes key (writing a tombstone), blocking per Config.LockTimeout.
func (m *TransactionMap[K, V]) Remove(key K) error {
	return m.blockingSet(key, nil)
}

// TryPut is the non-blocking form of Put: it returns false instead of
// waiting out the lock timeout.
func (m *TransactionMap[K, V]) TryPut(key K, value V) (bool, error) {
	return m.TrySet(key, &value, false)
}

// TryRemove is the non-blocking form of Remove.
func (m *TransactionMap[K, V]) TryRemove(key K) (bool, error) {
	return m.TrySet(key, nil, false)
}

// FirstKey, LastKey, CeilingKey, HigherKey and LowerKey are unshielded
// pass-throughs to the backing map: they can return keys whose current
// value is invisible to this transaction, a known limitation callers
// typically pair with Get (spec.md section 4.3).
func (m *TransactionMap[K, V]) FirstKey() (K, bool)        { return m.backing.FirstKey() }
func (m *TransactionMap[K, V]) LastKey() (K, bool)         { return m.backing.LastKey() }
func (m *TransactionMap[K, V]) CeilingKey(key K) (K, bool) { return m.backing.CeilingKey(key) }
func (m *TransactionMap[K, V]) HigherKey(key K) (K, bool)  { return m.backing.HigherKey(key) }
func (m *TransactionMap[K, V]) LowerKey(key K) (K, bool)   { return m.backing.LowerKey(key) }

// KeyIterator walks the backing map's keys, filtering to keys visible to
// this transaction at its current readLogId. The backing keys are copied
// when the iterator is created; visibility is checked lazily, key by key,
// in Next. It is finite and not restartable (spec.md section 4.3).
type KeyIterator[K any, V any] struct {
	m       *TransactionMap[K, V]
	pending []K
	idx     int
}

// KeyIterator returns an iterator over visible keys starting at from (or
// from the smallest key, if hasFrom is false).
func (m *TransactionMap[K, V]) KeyIterator(from K, hasFrom bool) *KeyIterator[K, V] {
	var keys []K
	m.backing.Ascend(from, hasFrom, func(key K, _ VersionedValue[V]) bool {
		keys = append(keys, key)
		return true
	})
	return &KeyIterator[K, V]{m: m, pending: keys}
}

// Next advances the iterator, returning the next visible key, or
// (zero, false) once exhausted.
func (it *KeyIterator[K, V]) Next() (K, bool, error) {
	for it.idx < len(it.pending) {
		key := it.pending[it.idx]
		it.idx++
		if _, ok, err := it.m.Get(key); err != nil {
			var zero K
			return zero, false, err
		} else if ok {
			return key, true, nil
		}
	}
	var zero K
	return zero, false, nil
}

// Remove is unsupported: spec.md section 7 requires ErrUnsupported from
// "iterator.remove()".
func (it *KeyIterator[K, V]) Remove() error { return ErrUnsupported }

// GetSize counts every key currently visible to this transaction. It is
// O(n): there is no maintained counter because visibility is
// per-transaction (spec.md section 4.3).
func (m *TransactionMap[K, V]) GetSize() (int, error) {
	var zero K
	it := m.KeyIterator(zero, false)
	n := 0
	for {
		_, ok, err := it.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
}

// Clear, RenameMap and RemoveMap act directly on the backing map,
// bypassing the UndoLog entirely: they are explicitly non-transactional
// (spec.md section 4.3, section 9 open question (b)).
func (m *TransactionMap[K, V]) Clear() { m.backing.Clear() }

// RenameMap gives the underlying backing map a new name.
func (m *TransactionMap[K, V]) RenameMap(newName string) error {
	return m.backing.Rename(newName)
}

// RemoveMap clears the backing map and forgets its name and id from
// the transaction store's map registry; the receiver must not be used
// afterward.
func (m *TransactionMap[K, V]) RemoveMap() error {
	id := m.backing.ID()
	if err := m.backing.Drop(); err != nil {
		return err
	}
	m.ts.deregisterMap(id)
	return nil
}
