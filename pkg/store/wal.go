package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"
)

// walOp is the kind of mutation a WAL record describes.
type walOp uint8

const (
	walPut walOp = iota + 1
	walRemove
	walClear
	walMeta // records a name <-> mapID assignment
)

// walRecord is one entry in the write-ahead log: [op][mapID][key][value].
// value is nil for walRemove and walClear. Every record is checksummed
// with BLAKE2b-256 so replay can tell a clean end-of-file from a torn
// write left by a crash mid-append (spec.md section 8, scenario 5).
type walRecord struct {
	op    walOp
	mapID uint32
	key   []byte
	value []byte
}

// walWriter appends checksummed records to a file, matching the
// fixed-header-plus-payload framing pkg/storage/wal.go uses in the
// teacher repo, with a BLAKE2b-256 trailer instead of trusting the tail
// of the file unconditionally.
type walWriter struct {
	f    *os.File
	sync bool
}

func openWALWriter(path string, sync bool) (*walWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("store: open WAL: %w", err)
	}
	return &walWriter{f: f, sync: sync}, nil
}

func (w *walWriter) append(rec walRecord) error {
	buf := encodeWALRecord(rec)
	if _, err := w.f.Write(buf); err != nil {
		return fmt.Errorf("store: append WAL record: %w", err)
	}
	if w.sync {
		if err := w.f.Sync(); err != nil {
			return fmt.Errorf("store: sync WAL: %w", err)
		}
	}
	return nil
}

func (w *walWriter) truncate() error {
	if err := w.f.Truncate(0); err != nil {
		return fmt.Errorf("store: truncate WAL: %w", err)
	}
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("store: rewind WAL: %w", err)
	}
	return nil
}

func (w *walWriter) close() error { return w.f.Close() }

// encodeWALRecord frames a record as:
//
//	[1 byte op][4 byte mapID][4 byte keyLen][key][1 byte hasValue][4 byte valueLen][value][32 byte checksum]
//
// with the checksum computed over everything before it.
func encodeWALRecord(rec walRecord) []byte {
	size := 1 + 4 + 4 + len(rec.key) + 1 + 4 + len(rec.value)
	buf := make([]byte, size, size+blake2b.Size256)
	buf[0] = byte(rec.op)
	binary.LittleEndian.PutUint32(buf[1:5], rec.mapID)
	binary.LittleEndian.PutUint32(buf[5:9], uint32(len(rec.key)))
	copy(buf[9:9+len(rec.key)], rec.key)
	off := 9 + len(rec.key)
	if rec.value == nil {
		buf[off] = 0
	} else {
		buf[off] = 1
	}
	binary.LittleEndian.PutUint32(buf[off+1:off+5], uint32(len(rec.value)))
	copy(buf[off+5:], rec.value)

	sum := blake2b.Sum256(buf)
	return append(buf, sum[:]...)
}

// replayWAL replays records from a file, stopping (without error) at the
// first incomplete or checksum-failing record, which is exactly what a
// torn tail left by a crash mid-append looks like, and truncates the file
// there so later appends follow the last good record.
func replayWAL(path string, visit func(walRecord) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("store: open WAL for replay: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var good int64 // bytes of complete, checksummed records read so far
	for {
		rec, ok, err := readWALRecord(br)
		if err != nil {
			return err
		}
		if !ok {
			if info, err := f.Stat(); err == nil && info.Size() > good {
				if err := os.Truncate(path, good); err != nil {
					return fmt.Errorf("store: truncate torn WAL tail: %w", err)
				}
			}
			return nil
		}
		good += int64(len(encodeWALRecord(rec)))
		if err := visit(rec); err != nil {
			return err
		}
	}
}

func readWALRecord(r *bufio.Reader) (walRecord, bool, error) {
	header := make([]byte, 9)
	if _, err := io.ReadFull(r, header); err != nil {
		return walRecord{}, false, nil // clean EOF or torn header: stop
	}
	op := walOp(header[0])
	mapID := binary.LittleEndian.Uint32(header[1:5])
	keyLen := binary.LittleEndian.Uint32(header[5:9])

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return walRecord{}, false, nil
	}

	hasValueByte := make([]byte, 1)
	if _, err := io.ReadFull(r, hasValueByte); err != nil {
		return walRecord{}, false, nil
	}
	valueLenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, valueLenBuf); err != nil {
		return walRecord{}, false, nil
	}
	valueLen := binary.LittleEndian.Uint32(valueLenBuf)
	var value []byte
	if hasValueByte[0] != 0 {
		value = make([]byte, valueLen)
		if _, err := io.ReadFull(r, value); err != nil {
			return walRecord{}, false, nil
		}
	}

	checksum := make([]byte, blake2b.Size256)
	if _, err := io.ReadFull(r, checksum); err != nil {
		return walRecord{}, false, nil
	}

	rec := walRecord{op: op, mapID: mapID, key: key, value: value}
	want := encodeWALRecord(rec)
	wantSum := want[len(want)-blake2b.Size256:]
	for i := range checksum {
		if checksum[i] != wantSum[i] {
			return walRecord{}, false, nil // torn/corrupt tail: truncate replay here
		}
	}
	return rec, true, nil
}
