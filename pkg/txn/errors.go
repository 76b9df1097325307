package txn

import "errors"

var (
	// ErrTransactionClosed is returned by any Transaction or
	// TransactionMap method that requires the transaction to be OPEN (or,
	// for commit/rollback, OPEN or PREPARED) when it is not.
	ErrTransactionClosed = errors.New("txn: transaction is closed")

	// ErrLockTimeout is returned by the blocking Put/Remove/Set wrapper
	// when the key remains locked by another open transaction for longer
	// than Config.LockTimeout (or immediately, if LockTimeout is 0).
	ErrLockTimeout = errors.New("txn: lock timeout")

	// ErrIllegalArgument stands for a Put with a nil value. Put takes its
	// value by V, not *V, so no call path returns it; deletes go through
	// Remove.
	ErrIllegalArgument = errors.New("txn: illegal argument")

	// ErrUnsupported is returned by operations a key iterator does not
	// support, such as removal mid-iteration.
	ErrUnsupported = errors.New("txn: unsupported operation")

	// ErrInvalidState is returned when recovery finds the backing store
	// in an inconsistent state (a prepared transaction id beyond the
	// persisted last transaction id) or an internal invariant is
	// violated.
	ErrInvalidState = errors.New("txn: invalid state")

	// ErrInvalidBackup names an invalid backup stream at this package's
	// level. Restore/RestoreFromFile do not return it: they wrap
	// pkg/store's ErrInvalidBackup, which covers a stream without the
	// expected header and a destination that already has a write-ahead
	// log.
	ErrInvalidBackup = errors.New("txn: invalid backup stream")
)
