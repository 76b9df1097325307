package store

import "errors"

var (
	// ErrClosed is returned by any operation on a Store that has been closed.
	ErrClosed = errors.New("store: closed")

	// ErrMapTypeMismatch is returned when OpenMap is called twice for the
	// same name with incompatible generic instantiations.
	ErrMapTypeMismatch = errors.New("store: map already open with a different key/value type")

	// ErrCorruptWAL describes a WAL record that fails its checksum. Replay
	// does not return it: it stops without error at the first such record
	// and truncates the log there, treating it as a torn tail.
	ErrCorruptWAL = errors.New("store: corrupt write-ahead log entry")

	// ErrMapNotFound is returned by Map.Rename/Map.Drop (through the
	// store's renameMap/removeMap) for a name with no corresponding map.
	ErrMapNotFound = errors.New("store: map not found")

	// ErrInvalidBackup is returned by Restore when the stream does not
	// start with the expected header, or the destination path already
	// has a write-ahead log.
	ErrInvalidBackup = errors.New("store: invalid backup stream")
)
