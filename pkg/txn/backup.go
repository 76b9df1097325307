package txn

import (
	"fmt"
	"io"

	"github.com/mnohosten/laura-ts/pkg/store"
)

// Backup writes a compressed, point-in-time snapshot of the backing store
// to w (spec.md section 13's supplemented backup/restore feature).
// Concurrent transactions may continue to run; Backup only blocks
// writers for the duration of the store's own Checkpoint. Open or
// prepared transactions are themselves durable via the undo log and
// openTransactions map already captured in the snapshot, so a restored
// store recovers them exactly as a crash-restart would.
func (ts *TransactionStore) Backup(w io.Writer) error {
	if err := ts.backing.Backup(w); err != nil {
		return fmt.Errorf("txn: backup: %w", err)
	}
	return nil
}

// BackupToFile writes a Backup to a new file at path.
func (ts *TransactionStore) BackupToFile(path string) error {
	if err := ts.backing.BackupToFile(path); err != nil {
		return fmt.Errorf("txn: backup: %w", err)
	}
	return nil
}

// Restore reconstructs and opens a TransactionStore at path from a
// stream produced by Backup, recovering any still-open or prepared
// transactions exactly as Open does after a crash.
func Restore(path string, cfg *Config, r io.Reader) (*TransactionStore, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	backing, err := store.Restore(path, cfg.Store, r)
	if err != nil {
		return nil, fmt.Errorf("txn: restore: %w", err)
	}
	return openFromBackingStore(backing, cfg)
}

// DiskSpaceUsed returns the number of bytes the backing store currently
// occupies on disk (spec.md section 9 open question (c)).
func (ts *TransactionStore) DiskSpaceUsed() (int64, error) {
	return ts.backing.DiskSpaceUsed()
}

// RestoreFromFile restores path from the backup file at backupPath.
func RestoreFromFile(path string, cfg *Config, backupPath string) (*TransactionStore, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	backing, err := store.RestoreFromFile(path, cfg.Store, backupPath)
	if err != nil {
		return nil, fmt.Errorf("txn: restore: %w", err)
	}
	return openFromBackingStore(backing, cfg)
}
