package txn

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *TransactionStore {
	t.Helper()
	dir := t.TempDir()
	ts, err := Open(filepath.Join(dir, "data"), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { ts.Close() })
	return ts
}

func TestTryPutFailsWhenLockedThenSucceedsAfterCommit(t *testing.T) {
	ts := openTestStore(t)

	t1, _ := ts.Begin()
	m1 := openStringMap(t, t1, "m")
	if err := m1.Put("x", "1"); err != nil {
		t.Fatal(err)
	}

	t2, _ := ts.Begin()
	m2 := openStringMap(t, t2, "m")
	if ok, err := m2.TryRemove("x"); err != nil || ok {
		t.Fatalf("TryRemove on locked key = %v, %v; want false, nil", ok, err)
	}

	if err := t1.Commit(); err != nil {
		t.Fatal(err)
	}

	if ok, err := m2.TryRemove("x"); err != nil || !ok {
		t.Fatalf("TryRemove after unlock = %v, %v; want true, nil", ok, err)
	}
}

func TestPutWithZeroLockTimeoutFailsImmediately(t *testing.T) {
	ts := openTestStore(t)

	t1, _ := ts.Begin()
	m1 := openStringMap(t, t1, "m")
	if err := m1.Put("x", "1"); err != nil {
		t.Fatal(err)
	}

	t2, _ := ts.Begin()
	m2 := openStringMap(t, t2, "m")

	start := time.Now()
	err := m2.Put("x", "2")
	elapsed := time.Since(start)
	if err != ErrLockTimeout {
		t.Fatalf("Put on locked key with zero timeout = %v, want ErrLockTimeout", err)
	}
	if elapsed > 50*time.Millisecond {
		t.Fatalf("Put blocked for %v with LockTimeout == 0", elapsed)
	}
}

func TestTrySetOnlyIfUnchangedReinsertAfterDelete(t *testing.T) {
	ts := openTestStore(t)

	t1, _ := ts.Begin()
	m1 := openStringMap(t, t1, "m")
	if err := m1.Put("x", "1"); err != nil {
		t.Fatal(err)
	}
	if err := t1.Commit(); err != nil {
		t.Fatal(err)
	}

	t2, _ := ts.Begin()
	m2 := openStringMap(t, t2, "m")
	if err := m2.Remove("x"); err != nil {
		t.Fatal(err)
	}
	newVal := "2"
	ok, err := m2.TrySet("x", &newVal, true)
	if err != nil {
		t.Fatalf("TrySet: %v", err)
	}
	if !ok {
		t.Fatal("expected reinsert after delete within the same statement to be allowed")
	}
	if v, ok := mustGet(t, m2, "x"); !ok || v != "2" {
		t.Fatalf("x = %q, %v, want 2, true", v, ok)
	}
}

func TestKeyIteratorSkipsInvisibleKeys(t *testing.T) {
	ts := openTestStore(t)

	t1, _ := ts.Begin()
	m1 := openStringMap(t, t1, "m")
	for _, k := range []string{"a", "b", "c"} {
		if err := m1.Put(k, k); err != nil {
			t.Fatal(err)
		}
	}
	if err := t1.Commit(); err != nil {
		t.Fatal(err)
	}

	t2, _ := ts.Begin()
	m2 := openStringMap(t, t2, "m")
	if err := m2.Remove("b"); err != nil {
		t.Fatal(err)
	}

	var seen []string
	it := m2.KeyIterator("", false)
	for {
		k, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		seen = append(seen, k)
	}
	if len(seen) != 2 || seen[0] != "a" || seen[1] != "c" {
		t.Fatalf("KeyIterator = %v, want [a c]", seen)
	}

	if err := it.Remove(); err != ErrUnsupported {
		t.Fatalf("KeyIterator.Remove() = %v, want ErrUnsupported", err)
	}
}

func TestGetSizeCountsOnlyVisibleKeys(t *testing.T) {
	ts := openTestStore(t)

	t1, _ := ts.Begin()
	m1 := openStringMap(t, t1, "m")
	for _, k := range []string{"a", "b", "c"} {
		if err := m1.Put(k, k); err != nil {
			t.Fatal(err)
		}
	}
	if err := t1.Commit(); err != nil {
		t.Fatal(err)
	}

	t2, _ := ts.Begin()
	m2 := openStringMap(t, t2, "m")
	if err := m2.Remove("b"); err != nil {
		t.Fatal(err)
	}

	size, err := m2.GetSize()
	if err != nil {
		t.Fatalf("GetSize: %v", err)
	}
	if size != 2 {
		t.Fatalf("GetSize() = %d, want 2", size)
	}
}

func TestPutWithIllegalArgumentOnNilNotExposed(t *testing.T) {
	// Put takes a V by value, not *V, so a caller cannot accidentally pass
	// nil where spec.md section 7's IllegalArgument applies to the
	// internal trySet(key, value=nil) path; that path is only reachable
	// through Remove/TryRemove. This test documents the API shape rather
	// than exercising a runtime check.
	ts := openTestStore(t)
	t1, _ := ts.Begin()
	m1 := openStringMap(t, t1, "m")
	if err := m1.Put("x", ""); err != nil {
		t.Fatalf("Put with zero value: %v", err)
	}
	if v, ok := mustGet(t, m1, "x"); !ok || v != "" {
		t.Fatalf("x = %q, %v, want \"\", true", v, ok)
	}
}

func TestRenameMapAndRemoveMapAreNonTransactional(t *testing.T) {
	ts := openTestStore(t)

	t1, _ := ts.Begin()
	m1 := openStringMap(t, t1, "m")
	if err := m1.Put("a", "1"); err != nil {
		t.Fatal(err)
	}
	if err := m1.RenameMap("renamed"); err != nil {
		t.Fatalf("RenameMap: %v", err)
	}
	if m1.Name() != "renamed" {
		t.Fatalf("Name() = %q, want renamed", m1.Name())
	}
	// Rename bypasses the undo log: it survives t1's own rollback.
	if err := t1.Rollback(); err != nil {
		t.Fatal(err)
	}
	if m1.Name() != "renamed" {
		t.Fatalf("Name() after rollback = %q, want renamed", m1.Name())
	}
	if v, ok := mustGet(t, m1, "a"); ok {
		t.Fatalf("a = %q after rollback, want absent (rollback still reverts the write itself)", v)
	}

	if err := m1.RemoveMap(); err != nil {
		t.Fatalf("RemoveMap: %v", err)
	}
	if size, err := m1.GetSize(); err != nil || size != 0 {
		t.Fatalf("GetSize after RemoveMap = %d, %v, want 0, nil", size, err)
	}
}
