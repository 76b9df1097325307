// Package txn implements the Transactional Store: a multi-version,
// serializable-snapshot transaction layer over pkg/store's ordered
// backing maps. It turns a plain Map[K,V] into a TransactionMap[K,V]
// shared by many concurrent transactions, giving atomic commit,
// isolated reads and durable undo for rollback and crash recovery,
// without ever locking a whole map — only the individual keys a write
// touches.
package txn

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/mnohosten/laura-ts/pkg/codec"
	"github.com/mnohosten/laura-ts/pkg/store"
)

// openTxRecord is the value half of the "openTransactions" map: a
// transaction id is only listed there once it is PREPARED or named
// (spec.md section 3, "PreparedTransactions map").
type openTxRecord struct {
	Status Status
	Name   string
}

type openTxRecordCodec struct{}

func (openTxRecordCodec) Encode(buf *bytes.Buffer, v openTxRecord) {
	buf.WriteByte(byte(v.Status))
	codec.StringCodec{}.Encode(buf, v.Name)
}

func (openTxRecordCodec) Decode(r *bytes.Reader) (openTxRecord, error) {
	statusByte, err := r.ReadByte()
	if err != nil {
		return openTxRecord{}, codec.ErrTruncated
	}
	name, err := codec.StringCodec{}.Decode(r)
	if err != nil {
		return openTxRecord{}, err
	}
	return openTxRecord{Status: Status(statusByte), Name: name}, nil
}

type transactionIDCodec struct{}

func (transactionIDCodec) Encode(buf *bytes.Buffer, k TransactionID) {
	codec.Uint64Codec{}.Encode(buf, uint64(k))
}

func (transactionIDCodec) Decode(r *bytes.Reader) (TransactionID, error) {
	v, err := codec.Uint64Codec{}.Decode(r)
	return TransactionID(v), err
}

// registeredMap is the type-erased interface TransactionStore uses to
// apply commit/rollback bookkeeping to a map it otherwise knows nothing
// about the K/V types of — the same problem the undo log itself solves
// by storing pre-encoded bytes (spec.md section 12, SPEC_FULL
// resolution).
type registeredMap interface {
	// commitRemove deletes keyBytes from the backing map iff its current
	// slot is a tombstone (spec.md section 4.1 commit's OP_REMOVE case).
	commitRemove(keyBytes []byte) error
	// rollbackApply reverts keyBytes to old, or removes it if old is nil
	// (spec.md section 4.1 rollbackTo).
	rollbackApply(keyBytes []byte, old *RawVersionedValue) error
}

type registeredMapImpl[K any, V any] struct {
	backing  *store.Map[K, VersionedValue[V]]
	keyCodec codec.Codec[K]
	valCodec codec.Codec[V]
}

func (r *registeredMapImpl[K, V]) decodeKey(keyBytes []byte) (K, error) {
	return r.keyCodec.Decode(bytes.NewReader(keyBytes))
}

func (r *registeredMapImpl[K, V]) commitRemove(keyBytes []byte) error {
	key, err := r.decodeKey(keyBytes)
	if err != nil {
		return err
	}
	if cur, ok := r.backing.Get(key); ok && cur.IsTombstone() {
		r.backing.Remove(key)
	}
	return nil
}

func (r *registeredMapImpl[K, V]) rollbackApply(keyBytes []byte, old *RawVersionedValue) error {
	key, err := r.decodeKey(keyBytes)
	if err != nil {
		return err
	}
	if old == nil {
		r.backing.Remove(key)
		return nil
	}
	var payload *V
	if old.Payload != nil {
		v, err := r.valCodec.Decode(bytes.NewReader(old.Payload))
		if err != nil {
			return err
		}
		payload = &v
	}
	r.backing.Put(key, VersionedValue[V]{TxID: old.TxID, LogID: old.LogID, Payload: payload})
	return nil
}

// TransactionStore is the registry spec.md section 4.1 describes: it
// owns the backing-store handles for settings, openTransactions and the
// undo log, allocates transaction ids, and coordinates commit, rollback
// and isTransactionOpen across every TransactionMap opened against it.
type TransactionStore struct {
	backing *store.Store
	cfg     *Config

	settings *store.Map[string, string]
	openTx   *store.Map[TransactionID, openTxRecord]
	undoLog  *undoLog

	mu                sync.Mutex // serializes id allocation and the firstOpenTransaction hint
	lastTransactionID TransactionID
	persistedCeiling  TransactionID
	firstOpenTx       TransactionID
	firstOpenValid    bool

	regMu       sync.RWMutex
	mapRegistry map[uint32]registeredMap
	mapNames    map[uint32]string
}

// Open opens (creating if necessary) a TransactionStore backed by path,
// recovering any transactions left open by a previous process the way
// spec.md section 4.1 describes.
func Open(path string, cfg *Config) (*TransactionStore, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	backing, err := store.Open(path, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("txn: open backing store: %w", err)
	}

	return openFromBackingStore(backing, cfg)
}

// openFromBackingStore finishes opening a TransactionStore given an
// already-open backing store, shared by Open and Restore/RestoreFromFile.
func openFromBackingStore(backing *store.Store, cfg *Config) (*TransactionStore, error) {
	settings, err := store.OpenMap[string, string](backing, "settings",
		func(a, b string) bool { return a < b },
		func(a, b string) bool { return a == b },
		codec.StringCodec{}, codec.StringCodec{})
	if err != nil {
		return nil, fmt.Errorf("txn: open settings map: %w", err)
	}

	openTx, err := store.OpenMap[TransactionID, openTxRecord](backing, "openTransactions",
		func(a, b TransactionID) bool { return a < b },
		func(a, b openTxRecord) bool { return a == b },
		transactionIDCodec{}, openTxRecordCodec{})
	if err != nil {
		return nil, fmt.Errorf("txn: open openTransactions map: %w", err)
	}

	ulog, err := openUndoLog(backing)
	if err != nil {
		return nil, fmt.Errorf("txn: open undo log: %w", err)
	}

	ts := &TransactionStore{
		backing:     backing,
		cfg:         cfg,
		settings:    settings,
		openTx:      openTx,
		undoLog:     ulog,
		mapRegistry: make(map[uint32]registeredMap),
		mapNames:    make(map[uint32]string),
	}

	if raw, ok := settings.Get(lastTransactionIDKey); ok {
		id, err := decodeLastTransactionID(raw)
		if err != nil {
			return nil, err
		}
		ts.lastTransactionID = id
		ts.persistedCeiling = id
	}

	if maxTx, ok := openTx.LastKey(); ok && maxTx > ts.persistedCeiling {
		return nil, fmt.Errorf("txn: recover: %w: prepared transaction %d exceeds persisted last id %d", ErrInvalidState, maxTx, ts.persistedCeiling)
	}

	return ts, nil
}

func (ts *TransactionStore) persistLastTransactionID() error {
	ts.settings.Put(lastTransactionIDKey, encodeLastTransactionID(ts.persistedCeiling))
	return nil
}

// Begin starts a new OPEN transaction with a freshly allocated id,
// reserving ids in batches of Config.IDBatchSize in the persisted
// settings map so that a crash never reuses one (spec.md section 4.1,
// section 9).
func (ts *TransactionStore) Begin() (*Transaction, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.lastTransactionID++
	id := ts.lastTransactionID
	if id > ts.persistedCeiling {
		ts.persistedCeiling += ts.cfg.IDBatchSize
		if err := ts.persistLastTransactionID(); err != nil {
			return nil, err
		}
	}

	return &Transaction{store: ts, id: id, status: StatusOpen}, nil
}

func (ts *TransactionStore) persistOpenTransaction(id TransactionID, status Status, name string) error {
	ts.openTx.Put(id, openTxRecord{Status: status, Name: name})
	return nil
}

func (ts *TransactionStore) getFirstOpenTransaction() (TransactionID, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if !ts.firstOpenValid {
		if ts.undoLog.isEmpty() {
			return 0, false
		}
		ts.firstOpenTx = ts.undoLog.firstTxID()
		ts.firstOpenValid = true
	}
	return ts.firstOpenTx, true
}

// isTransactionOpen answers spec.md section 4.1's isTransactionOpen(tx):
// a cheap lower-bound check against the firstOpenTransaction hint, and
// failing that, a direct probe of the undo log.
func (ts *TransactionStore) isTransactionOpen(tx TransactionID) (bool, error) {
	if first, ok := ts.getFirstOpenTransaction(); ok && tx < first {
		return false, nil
	}
	return ts.undoLog.hasEntryFor(tx), nil
}

// GetOpenTransactions returns every transaction this store considers
// open: every id with at least one undo log entry, plus every id
// persisted in openTransactions (a PREPARED or named transaction may, in
// principle, have no remaining undo entries). Each Transaction is
// reconstructed with the logId its undo log entries imply.
func (ts *TransactionStore) GetOpenTransactions() ([]*Transaction, error) {
	seen := make(map[TransactionID]*Transaction)

	ts.openTx.Ascend(TransactionID(0), false, func(id TransactionID, rec openTxRecord) bool {
		seen[id] = &Transaction{store: ts, id: id, status: rec.Status, name: rec.Name, logID: ts.undoLog.countEntries(id)}
		return true
	})

	for _, id := range ts.undoLog.distinctTxIDs() {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = &Transaction{store: ts, id: id, status: StatusOpen, logID: ts.undoLog.countEntries(id)}
	}

	result := make([]*Transaction, 0, len(seen))
	for _, t := range seen {
		result = append(result, t)
	}
	for i := 1; i < len(result); i++ {
		for j := i; j > 0 && result[j-1].id > result[j].id; j-- {
			result[j-1], result[j] = result[j], result[j-1]
		}
	}
	return result, nil
}

func (ts *TransactionStore) registerMap(id uint32, name string, rm registeredMap) {
	ts.regMu.Lock()
	defer ts.regMu.Unlock()
	ts.mapRegistry[id] = rm
	ts.mapNames[id] = name
}

func (ts *TransactionStore) lookupMap(id uint32) (registeredMap, bool) {
	ts.regMu.RLock()
	defer ts.regMu.RUnlock()
	rm, ok := ts.mapRegistry[id]
	return rm, ok
}

func (ts *TransactionStore) mapName(id uint32) (string, bool) {
	ts.regMu.RLock()
	defer ts.regMu.RUnlock()
	n, ok := ts.mapNames[id]
	return n, ok
}

// deregisterMap forgets a map id, called by TransactionMap.RemoveMap.
func (ts *TransactionStore) deregisterMap(id uint32) {
	ts.regMu.Lock()
	defer ts.regMu.Unlock()
	delete(ts.mapRegistry, id)
	delete(ts.mapNames, id)
}

// commit applies t's writes from logId 0 up to (not including) maxLogID
// and frees their undo log entries (spec.md section 4.1).
func (ts *TransactionStore) commit(t *Transaction, maxLogID LogID) error {
	for logID := LogID(0); logID < maxLogID; logID++ {
		uv, found := ts.undoLog.get(t.id, logID)
		if !found {
			continue
		}
		if uv.Op == OpRemove {
			rm, ok := ts.lookupMap(uv.MapID)
			if !ok {
				return fmt.Errorf("txn: commit: %w: unknown map id %d", ErrInvalidState, uv.MapID)
			}
			if err := rm.commitRemove(uv.Key); err != nil {
				return err
			}
		}
		ts.undoLog.remove(t.id, logID)

		if ts.cfg.CommitCheckInterval > 0 && (logID+1)%LogID(ts.cfg.CommitCheckInterval) == 0 {
			if err := ts.backing.CommitIfNeeded(); err != nil {
				return err
			}
		}
	}
	if err := ts.backing.CommitIfNeeded(); err != nil {
		return err
	}
	return ts.endTransaction(t)
}

// rollbackTo reverts t's writes with logId in [toLogID, maxLogID) in
// reverse order and frees their undo log entries (spec.md section 4.1).
// It does not close the transaction; callers that want a full rollback
// call endTransaction afterward.
func (ts *TransactionStore) rollbackTo(t *Transaction, maxLogID, toLogID LogID) error {
	for logID := maxLogID; logID > toLogID; {
		logID--
		uv, found := ts.undoLog.get(t.id, logID)
		if !found {
			continue
		}
		rm, ok := ts.lookupMap(uv.MapID)
		if !ok {
			return fmt.Errorf("txn: rollback: %w: unknown map id %d", ErrInvalidState, uv.MapID)
		}
		if err := rm.rollbackApply(uv.Key, uv.OldValue); err != nil {
			return err
		}
		ts.undoLog.remove(t.id, logID)
	}
	return nil
}

// endTransaction removes t from openTransactions if it was prepared or
// named, marks it CLOSED, and invalidates the firstOpenTransaction hint
// if t was the transaction it pointed at (spec.md section 4.1, section
// 9).
func (ts *TransactionStore) endTransaction(t *Transaction) error {
	t.mu.Lock()
	wasPersisted := t.status == StatusPrepared || t.name != ""
	t.status = StatusClosed
	id := t.id
	t.mu.Unlock()

	if wasPersisted {
		ts.openTx.Remove(id)
	}

	ts.mu.Lock()
	if ts.firstOpenValid && id == ts.firstOpenTx {
		ts.firstOpenValid = false
	}
	ts.mu.Unlock()
	return nil
}

// Close checkpoints and closes the underlying backing store.
func (ts *TransactionStore) Close() error {
	return ts.backing.Close()
}

// OpenMap opens (creating if necessary) a transactional map named name,
// bound to t, with the given key ordering and codecs (spec.md section
// 4.2's Transaction.openMap). It is a package-level generic function,
// mirroring pkg/store.OpenMap, because Go does not allow a method to
// introduce its own type parameters.
func OpenMap[K any, V any](t *Transaction, name string, less func(a, b K) bool, keyCodec codec.Codec[K], valCodec codec.Codec[V]) (*TransactionMap[K, V], error) {
	t.mu.Lock()
	err := t.requireOpenLocked()
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	backing, err := store.OpenMap[K, VersionedValue[V]](t.store.backing, name,
		less, equalVersionedValue[V], keyCodec, VersionedValueCodec[V]{Inner: valCodec})
	if err != nil {
		return nil, err
	}

	t.store.registerMap(backing.ID(), name, &registeredMapImpl[K, V]{backing: backing, keyCodec: keyCodec, valCodec: valCodec})

	return newTransactionMap(t, t.store, backing, keyCodec, valCodec), nil
}

// GetChangedMaps resolves every distinct map t has written to since
// savepoint, by name (spec.md section 4.1).
func (t *Transaction) GetChangedMaps(savepoint LogID) ([]string, error) {
	t.mu.Lock()
	maxLogID := t.logID
	t.mu.Unlock()

	ids := t.store.undoLog.distinctMapIDs(t.id, savepoint, maxLogID)
	names := make([]string, 0, len(ids))
	for id := range ids {
		if name, ok := t.store.mapName(id); ok {
			names = append(names, name)
		}
	}
	return names, nil
}
