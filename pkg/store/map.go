package store

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"github.com/mnohosten/laura-ts/pkg/codec"
)

// entry is the item type stored in the underlying btree: ordering only
// ever looks at key, so two entries with equal keys are "equal" for the
// tree's purposes regardless of value.
type entry[K any, V any] struct {
	key   K
	value V
}

// LessFunc orders keys of type K.
type LessFunc[K any] func(a, b K) bool

// EqualFunc compares values of type V for the CAS operations (Replace,
// trySet in pkg/txn) that need to know "is the slot still what I last
// read".
type EqualFunc[V any] func(a, b V) bool

// Map is an ordered, named map of K to V, backed by an in-memory B-tree
// (github.com/google/btree) and made durable through its owning Store's
// write-ahead log. It implements the "backing store" contract spec.md
// section 6 assumes: atomic put/putIfAbsent/replace/remove, ordered
// range access, and page-level (here: WAL-generation-level) commit.
//
// A Map is safe for concurrent use; every mutating method holds the
// map's mutex for its whole duration, which is the "single exclusive
// region" spec.md section 5 requires around bookkeeping that touches the
// backing map and the WAL together.
type Map[K any, V any] struct {
	mu    sync.Mutex
	tree  *btree.BTreeG[entry[K, V]]
	less  LessFunc[K]
	equal EqualFunc[V]

	store    *Store
	id       uint32
	name     string
	keyCodec codec.Codec[K]
	valCodec codec.Codec[V]
}

func newMap[K any, V any](s *Store, id uint32, name string, less LessFunc[K], equal EqualFunc[V], keyCodec codec.Codec[K], valCodec codec.Codec[V]) *Map[K, V] {
	treeLess := func(a, b entry[K, V]) bool { return less(a.key, b.key) }
	return &Map[K, V]{
		tree:     btree.NewG(32, treeLess),
		less:     less,
		equal:    equal,
		store:    s,
		id:       id,
		name:     name,
		keyCodec: keyCodec,
		valCodec: valCodec,
	}
}

// ID is the backing store's internal identifier for this map, used by
// pkg/txn's undo log entries to record which map a write touched without
// repeating the map's name in every entry.
func (m *Map[K, V]) ID() uint32 { return m.id }

// Name returns the map's name as registered with the store.
func (m *Map[K, V]) Name() string { return m.name }

func (m *Map[K, V]) encodeKey(key K) []byte {
	var buf bytes.Buffer
	m.keyCodec.Encode(&buf, key)
	return buf.Bytes()
}

func (m *Map[K, V]) encodeValue(v V) []byte {
	var buf bytes.Buffer
	m.valCodec.Encode(&buf, v)
	return buf.Bytes()
}

// Get returns the value stored for key, if any.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	got, ok := m.tree.Get(entry[K, V]{key: key})
	return got.value, ok
}

// Put unconditionally stores value for key, returning whatever was there
// before (the zero value and false if the key was absent).
func (m *Map[K, V]) Put(key K, value V) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, existed := m.tree.ReplaceOrInsert(entry[K, V]{key: key, value: value})
	if err := m.store.appendWAL(walPut, m.id, m.encodeKey(key), m.encodeValue(value)); err != nil {
		// The in-memory tree has already moved; since appendWAL only fails
		// when the store itself is unusable (closed, I/O error), surfacing
		// this as a panic would be worse than a store that silently loses
		// durability for this one write, so it is left to the caller's
		// next operation to observe the closed store.
		_ = err
	}
	return old.value, existed
}

// PutIfAbsent inserts value for key only if key is not already present.
// It returns the existing value and false if the key was already present,
// or the zero value and true if the insert happened.
func (m *Map[K, V]) PutIfAbsent(key K, value V) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.tree.Get(entry[K, V]{key: key}); ok {
		return cur.value, false
	}
	m.tree.ReplaceOrInsert(entry[K, V]{key: key, value: value})
	_ = m.store.appendWAL(walPut, m.id, m.encodeKey(key), m.encodeValue(value))
	var zero V
	return zero, true
}

// Replace stores new for key only if the current value equals old (per
// the map's EqualFunc). It reports whether the swap happened.
func (m *Map[K, V]) Replace(key K, old, new V) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tree.Get(entry[K, V]{key: key})
	if !ok || !m.equal(cur.value, old) {
		return false
	}
	m.tree.ReplaceOrInsert(entry[K, V]{key: key, value: new})
	_ = m.store.appendWAL(walPut, m.id, m.encodeKey(key), m.encodeValue(new))
	return true
}

// Remove deletes key, returning the value that was removed.
func (m *Map[K, V]) Remove(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, existed := m.tree.Delete(entry[K, V]{key: key})
	if existed {
		_ = m.store.appendWAL(walRemove, m.id, m.encodeKey(key), nil)
	}
	return old.value, existed
}

// FirstKey returns the smallest key in the map.
func (m *Map[K, V]) FirstKey() (K, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	got, ok := m.tree.Min()
	return got.key, ok
}

// LastKey returns the largest key in the map.
func (m *Map[K, V]) LastKey() (K, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	got, ok := m.tree.Max()
	return got.key, ok
}

// CeilingKey returns the smallest key >= key.
func (m *Map[K, V]) CeilingKey(key K) (K, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found K
	ok := false
	m.tree.AscendGreaterOrEqual(entry[K, V]{key: key}, func(e entry[K, V]) bool {
		found, ok = e.key, true
		return false
	})
	return found, ok
}

// HigherKey returns the smallest key strictly greater than key.
func (m *Map[K, V]) HigherKey(key K) (K, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found K
	ok := false
	m.tree.AscendGreaterOrEqual(entry[K, V]{key: key}, func(e entry[K, V]) bool {
		if m.less(key, e.key) {
			found, ok = e.key, true
			return false
		}
		return true // skip the pivot itself, keep looking
	})
	return found, ok
}

// LowerKey returns the largest key strictly less than key.
func (m *Map[K, V]) LowerKey(key K) (K, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found K
	ok := false
	m.tree.DescendLessOrEqual(entry[K, V]{key: key}, func(e entry[K, V]) bool {
		if m.less(e.key, key) {
			found, ok = e.key, true
			return false
		}
		return true
	})
	return found, ok
}

// Ascend calls fn for every entry with key >= from (or every entry, if
// hasFrom is false) in ascending key order, until fn returns false.
func (m *Map[K, V]) Ascend(from K, hasFrom bool, fn func(key K, value V) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	visit := func(e entry[K, V]) bool { return fn(e.key, e.value) }
	if hasFrom {
		m.tree.AscendGreaterOrEqual(entry[K, V]{key: from}, visit)
	} else {
		m.tree.Ascend(visit)
	}
}

// Size returns the number of entries currently in the map. This is the
// raw backing-map count, not a transaction's visible count (see
// TransactionMap.GetSize in pkg/txn, which is necessarily O(n)).
func (m *Map[K, V]) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.Len()
}

// Clear removes every entry. Not transactional: it bypasses the undo log
// entirely, matching spec.md's note that clear/removeMap/renameMap act
// directly on the backing map.
func (m *Map[K, V]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.Clear(false)
	_ = m.store.appendWAL(walClear, m.id, nil, nil)
}

// Rename gives the map a new name in its owning store, bypassing the
// undo log entirely (spec.md section 4.3 "Housekeeping").
func (m *Map[K, V]) Rename(newName string) error {
	if err := m.store.renameMap(m.name, newName); err != nil {
		return err
	}
	m.name = newName
	return nil
}

// Drop removes every entry and forgets the map's name, so a later
// OpenMap call under the same name starts fresh. The Map value itself
// must not be used afterward (spec.md section 4.3 "Housekeeping").
func (m *Map[K, V]) Drop() error {
	m.mu.Lock()
	m.tree.Clear(false)
	_ = m.store.appendWAL(walClear, m.id, nil, nil)
	m.mu.Unlock()
	return m.store.removeMap(m.name)
}
