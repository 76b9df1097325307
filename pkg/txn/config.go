package txn

import (
	"log"
	"time"

	"github.com/mnohosten/laura-ts/pkg/store"
)

// Config holds TransactionStore configuration, following the teacher's
// Config/DefaultConfig convention (pkg/storage.Config, pkg/server.Config).
type Config struct {
	// LockTimeout bounds how long Put/Remove/Set block retrying a
	// conflicting key before returning ErrLockTimeout. Zero means fail on
	// the first conflict, resolving spec.md section 9 open question (a):
	// lockTimeout is a real configurable field here, not a hardcoded zero.
	LockTimeout time.Duration

	// CommitCheckInterval is how many UndoLog entries commit() processes
	// between calls to the backing store's CommitIfNeeded, bounding memory
	// during very large transactions (spec.md section 4.1).
	CommitCheckInterval int

	// IDBatchSize is how many transaction ids are reserved at a time in
	// the persisted settings map (spec.md section 9).
	IDBatchSize uint64

	// Store configures the underlying backing store (sync-write policy,
	// checkpoint threshold, logger).
	Store *store.Config

	Logger *log.Logger
}

// DefaultConfig returns the configuration used when a caller passes nil.
func DefaultConfig() *Config {
	return &Config{
		LockTimeout:         0,
		CommitCheckInterval: 1024,
		IDBatchSize:         idBatchSize,
		Store:               store.DefaultConfig(),
		Logger:              log.Default(),
	}
}
