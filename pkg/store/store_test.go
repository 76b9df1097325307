package store

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/mnohosten/laura-ts/pkg/codec"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.CheckpointThreshold = 3
	return cfg
}

func openTestMap(t *testing.T, s *Store, name string) *Map[int64, []byte] {
	t.Helper()
	m, err := OpenMap[int64, []byte](s, name,
		func(a, b int64) bool { return a < b },
		bytes.Equal,
		codec.Int64Codec{},
		codec.BytesCodec{},
	)
	if err != nil {
		t.Fatalf("OpenMap: %v", err)
	}
	return m
}

func TestMapPutGetRemove(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "data"), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	m := openTestMap(t, s, "things")

	if _, existed := m.Put(1, []byte("a")); existed {
		t.Fatal("expected no prior value")
	}
	v, ok := m.Get(1)
	if !ok || !bytes.Equal(v, []byte("a")) {
		t.Fatalf("Get(1) = %v, %v", v, ok)
	}

	if _, inserted := m.PutIfAbsent(1, []byte("b")); inserted {
		t.Fatal("expected PutIfAbsent to fail on existing key")
	}
	if !m.Replace(1, []byte("a"), []byte("c")) {
		t.Fatal("expected Replace to succeed against current value")
	}
	if v, _ := m.Get(1); !bytes.Equal(v, []byte("c")) {
		t.Fatalf("expected replaced value, got %v", v)
	}
	if m.Replace(1, []byte("a"), []byte("d")) {
		t.Fatal("expected Replace to fail against stale value")
	}

	old, existed := m.Remove(1)
	if !existed || !bytes.Equal(old, []byte("c")) {
		t.Fatalf("Remove(1) = %v, %v", old, existed)
	}
	if _, ok := m.Get(1); ok {
		t.Fatal("expected key to be gone")
	}
}

func TestMapOrderedAccess(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "data"), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	m := openTestMap(t, s, "ordered")
	for _, k := range []int64{5, 1, 3, 9, 7} {
		m.Put(k, []byte{byte(k)})
	}

	if first, _ := m.FirstKey(); first != 1 {
		t.Fatalf("FirstKey = %d", first)
	}
	if last, _ := m.LastKey(); last != 9 {
		t.Fatalf("LastKey = %d", last)
	}
	if c, _ := m.CeilingKey(4); c != 5 {
		t.Fatalf("CeilingKey(4) = %d", c)
	}
	if h, _ := m.HigherKey(5); h != 7 {
		t.Fatalf("HigherKey(5) = %d", h)
	}
	if l, _ := m.LowerKey(5); l != 3 {
		t.Fatalf("LowerKey(5) = %d", l)
	}

	var seen []int64
	m.Ascend(4, true, func(key int64, _ []byte) bool {
		seen = append(seen, key)
		return true
	})
	want := []int64{5, 7, 9}
	if len(seen) != len(want) {
		t.Fatalf("Ascend from 4 = %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("Ascend from 4 = %v, want %v", seen, want)
		}
	}
}

func TestStoreRecoversAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")

	s, err := Open(path, testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	m := openTestMap(t, s, "durable")
	m.Put(1, []byte("one"))
	m.Put(2, []byte("two"))
	m.Remove(1)
	// simulate a crash: no explicit checkpoint, just stop using the handle.

	s2, err := Open(path, testConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	m2 := openTestMap(t, s2, "durable")
	if _, ok := m2.Get(1); ok {
		t.Fatal("expected removed key to stay removed across reopen")
	}
	if v, ok := m2.Get(2); !ok || !bytes.Equal(v, []byte("two")) {
		t.Fatalf("expected key 2 to survive reopen, got %v %v", v, ok)
	}
}

func TestCheckpointCompactsAndSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")

	s, err := Open(path, testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	m := openTestMap(t, s, "chk")
	for i := int64(0); i < 10; i++ {
		m.Put(i, []byte{byte(i)})
	}
	if err := s.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if s.Unsaved() != 0 {
		t.Fatalf("expected unsaved count reset after checkpoint, got %d", s.Unsaved())
	}
	s.Close()

	s2, err := Open(path, testConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	m2 := openTestMap(t, s2, "chk")
	if m2.Size() != 10 {
		t.Fatalf("expected 10 entries after reopen, got %d", m2.Size())
	}
}
