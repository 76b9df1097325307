package store

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mnohosten/laura-ts/pkg/compression"
)

// backupMagic identifies a laura-ts store backup stream; backupVersion lets
// a future format change be rejected cleanly instead of misread.
const (
	backupMagic   = "LTXB"
	backupVersion = 1
)

// Backup checkpoints the store (so the on-disk log is a single compact
// snapshot rather than a log plus scattered updates) and writes a
// zstd-compressed copy of it to w, following the teacher's
// Backuper.BackupToWriter shape (pkg/backup) but operating on the raw
// write-ahead log instead of a document/collection model.
func (s *Store) Backup(w io.Writer) error {
	if err := s.Checkpoint(); err != nil {
		return fmt.Errorf("store: backup: %w", err)
	}

	s.mu.Lock()
	walPath := s.path + ".wal"
	s.mu.Unlock()

	data, err := os.ReadFile(walPath)
	if err != nil {
		return fmt.Errorf("store: backup: read wal: %w", err)
	}

	comp, err := compression.NewCompressor(compression.DefaultConfig())
	if err != nil {
		return fmt.Errorf("store: backup: %w", err)
	}
	defer comp.Close()

	compressed, err := comp.Compress(data)
	if err != nil {
		return fmt.Errorf("store: backup: compress: %w", err)
	}

	if _, err := io.WriteString(w, backupMagic); err != nil {
		return fmt.Errorf("store: backup: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(backupVersion)); err != nil {
		return fmt.Errorf("store: backup: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(compressed))); err != nil {
		return fmt.Errorf("store: backup: %w", err)
	}
	if _, err := w.Write(compressed); err != nil {
		return fmt.Errorf("store: backup: %w", err)
	}
	return nil
}

// BackupToFile creates path and writes a Backup to it, mirroring the
// teacher's Backuper.BackupToFile.
func (s *Store) BackupToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: backup: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("store: backup: %w", err)
	}
	defer f.Close()
	return s.Backup(f)
}

// Restore reconstructs a store at path from a stream produced by Backup,
// then opens it. path must not already have a write-ahead log.
func Restore(path string, cfg *Config, r io.Reader) (*Store, error) {
	walPath := path + ".wal"
	if _, err := os.Stat(walPath); err == nil {
		return nil, fmt.Errorf("store: restore: %w: %s already exists", ErrInvalidBackup, walPath)
	}

	magic := make([]byte, len(backupMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != backupMagic {
		return nil, fmt.Errorf("store: restore: %w", ErrInvalidBackup)
	}
	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil || version != backupVersion {
		return nil, fmt.Errorf("store: restore: %w", ErrInvalidBackup)
	}
	var size uint64
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, fmt.Errorf("store: restore: %w", ErrInvalidBackup)
	}
	compressed := make([]byte, size)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, fmt.Errorf("store: restore: %w", ErrInvalidBackup)
	}

	comp, err := compression.NewCompressor(compression.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("store: restore: %w", err)
	}
	defer comp.Close()

	data, err := comp.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("store: restore: decompress: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(walPath), 0o755); err != nil {
		return nil, fmt.Errorf("store: restore: %w", err)
	}
	if err := os.WriteFile(walPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("store: restore: write wal: %w", err)
	}

	return Open(path, cfg)
}

// RestoreFromFile opens backupPath and restores it to path.
func RestoreFromFile(path string, cfg *Config, backupPath string) (*Store, error) {
	f, err := os.Open(backupPath)
	if err != nil {
		return nil, fmt.Errorf("store: restore: %w", err)
	}
	defer f.Close()
	return Restore(path, cfg, f)
}
