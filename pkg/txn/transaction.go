package txn

import "sync"

// Status is a Transaction's place in its lifecycle (spec.md section 3).
type Status int

const (
	StatusOpen Status = iota
	StatusPrepared
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "OPEN"
	case StatusPrepared:
		return "PREPARED"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Transaction is the lifecycle object spec.md section 4.2 describes:
// OPEN -> (optional PREPARED via Prepare) -> CLOSED via Commit or
// Rollback. A Transaction is not reusable once CLOSED.
type Transaction struct {
	store *TransactionStore

	mu     sync.Mutex
	id     TransactionID
	status Status
	name   string
	logID  LogID
}

// ID is this transaction's monotonically increasing identifier.
func (t *Transaction) ID() TransactionID { return t.id }

// Status reports the transaction's current lifecycle state.
func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Name returns the transaction's name, or "" if none was set.
func (t *Transaction) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// LogID returns the next logId that will be assigned to a write.
func (t *Transaction) LogID() LogID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.logID
}

func (t *Transaction) requireOpenLocked() error {
	if t.status != StatusOpen {
		return ErrTransactionClosed
	}
	return nil
}

func (t *Transaction) requireOpenOrPreparedLocked() error {
	if t.status != StatusOpen && t.status != StatusPrepared {
		return ErrTransactionClosed
	}
	return nil
}

// SetName gives the transaction a durable name, forcing it into the
// persisted openTransactions map (spec.md section 4.2) so it survives a
// restart even before prepare.
func (t *Transaction) SetName(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireOpenLocked(); err != nil {
		return err
	}
	t.name = name
	return t.store.persistOpenTransaction(t.id, t.status, name)
}

// SetSavepoint returns the current logId, to be passed later to
// RollbackToSavepoint. This is distinct from TransactionMap.SetSavepoint,
// which only changes a view's read cutoff (spec.md section 9).
func (t *Transaction) SetSavepoint() (LogID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireOpenLocked(); err != nil {
		return 0, err
	}
	return t.logID, nil
}

// Prepare moves the transaction from OPEN to PREPARED and persists it in
// openTransactions; Commit and Rollback remain legal afterward.
func (t *Transaction) Prepare() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireOpenLocked(); err != nil {
		return err
	}
	t.status = StatusPrepared
	return t.store.persistOpenTransaction(t.id, t.status, t.name)
}

// Commit applies every write this transaction made and frees its UndoLog
// entries (spec.md section 4.1 commit(t, maxLogId)).
func (t *Transaction) Commit() error {
	t.mu.Lock()
	if err := t.requireOpenOrPreparedLocked(); err != nil {
		t.mu.Unlock()
		return err
	}
	maxLogID := t.logID
	t.mu.Unlock()
	return t.store.commit(t, maxLogID)
}

// Rollback undoes every write this transaction made, in reverse order,
// and closes it.
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	if err := t.requireOpenOrPreparedLocked(); err != nil {
		t.mu.Unlock()
		return err
	}
	maxLogID := t.logID
	t.mu.Unlock()
	if err := t.store.rollbackTo(t, maxLogID, 0); err != nil {
		return err
	}
	return t.store.endTransaction(t)
}

// RollbackToSavepoint undoes every write since savepoint (as returned by
// an earlier SetSavepoint), leaving the transaction OPEN with its logId
// reset to savepoint.
func (t *Transaction) RollbackToSavepoint(savepoint LogID) error {
	t.mu.Lock()
	if err := t.requireOpenLocked(); err != nil {
		t.mu.Unlock()
		return err
	}
	maxLogID := t.logID
	t.mu.Unlock()

	if err := t.store.rollbackTo(t, maxLogID, savepoint); err != nil {
		return err
	}

	t.mu.Lock()
	t.logID = savepoint
	t.mu.Unlock()
	return nil
}

// appendUndoReserving hands out the next logId, advances the counter,
// and appends the UndoLog entry under it, exactly spec.md section
// 4.2's internal log(opType, mapId, key, oldValue). The caller builds
// its new VersionedValue with the returned id and then attempts the
// backing-map CAS; if that CAS does not go through, the caller must
// call releaseLogID with the same id so a failed attempt never leaves
// a permanent, entry-less gap in the sequence (GetOpenTransactions's
// countEntries relies on every logId below a recovered transaction's
// logID having a matching undo entry).
func (t *Transaction) appendUndoReserving(op OpType, mapID uint32, key []byte, oldValue *RawVersionedValue) LogID {
	t.mu.Lock()
	logID := t.logID
	t.logID++
	t.mu.Unlock()
	t.store.undoLog.append(t.id, logID, UndoValue{Op: op, MapID: mapID, Key: key, OldValue: oldValue})

	// Keep the firstOpenTransaction hint a lower bound: an older
	// transaction may make its first write after the hint was computed.
	ts := t.store
	ts.mu.Lock()
	if ts.firstOpenValid && t.id < ts.firstOpenTx {
		ts.firstOpenTx = t.id
	}
	ts.mu.Unlock()
	return logID
}

// releaseLogID undoes a reservation from appendUndoReserving whose
// compare-and-swap failed: it removes the UndoLog entry just appended
// and, if no other write has been reserved since, rewinds the counter
// so logId stays dense from 0.
func (t *Transaction) releaseLogID(logID LogID) {
	t.store.undoLog.remove(t.id, logID)
	t.mu.Lock()
	if t.logID == logID+1 {
		t.logID = logID
	}
	t.mu.Unlock()
}
