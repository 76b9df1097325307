package txn

import (
	"path/filepath"
	"testing"

	"github.com/mnohosten/laura-ts/pkg/codec"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Store.CheckpointThreshold = 1000
	return cfg
}

func openStringMap(t *testing.T, tx *Transaction, name string) *TransactionMap[string, string] {
	t.Helper()
	m, err := OpenMap[string, string](tx, name, func(a, b string) bool { return a < b }, codec.StringCodec{}, codec.StringCodec{})
	if err != nil {
		t.Fatalf("OpenMap(%q): %v", name, err)
	}
	return m
}

func mustGet(t *testing.T, m *TransactionMap[string, string], key string) (string, bool) {
	t.Helper()
	v, ok, err := m.Get(key)
	if err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	return v, ok
}

// TestReadYourWrites covers spec.md section 8 scenario 1.
func TestReadYourWrites(t *testing.T) {
	dir := t.TempDir()
	ts, err := Open(filepath.Join(dir, "data"), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ts.Close()

	t1, _ := ts.Begin()
	m1 := openStringMap(t, t1, "m")
	if err := m1.Put("a", "1"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if v, ok := mustGet(t, m1, "a"); !ok || v != "1" {
		t.Fatalf("t1.get(a) = %q, %v", v, ok)
	}

	t2, _ := ts.Begin()
	m2 := openStringMap(t, t2, "m")
	if _, ok := mustGet(t, m2, "a"); ok {
		t.Fatal("t2 should not see t1's uncommitted write")
	}

	if err := t1.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	t3, _ := ts.Begin()
	m3 := openStringMap(t, t3, "m")
	if v, ok := mustGet(t, m3, "a"); !ok || v != "1" {
		t.Fatalf("t3.get(a) = %q, %v, want \"1\", true", v, ok)
	}
}

// TestWriteWriteConflict covers spec.md section 8 scenario 2.
func TestWriteWriteConflict(t *testing.T) {
	dir := t.TempDir()
	ts, err := Open(filepath.Join(dir, "data"), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ts.Close()

	t1, _ := ts.Begin()
	m1 := openStringMap(t, t1, "m")
	if err := m1.Put("a", "1"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	t2, _ := ts.Begin()
	m2 := openStringMap(t, t2, "m")
	if ok, err := m2.TryPut("a", "2"); err != nil || ok {
		t.Fatalf("TryPut while locked = %v, %v; want false, nil", ok, err)
	}

	if err := t1.Commit(); err != nil {
		t.Fatalf("t1.Commit: %v", err)
	}

	ok, err := m2.TryPut("a", "2")
	if err != nil || !ok {
		t.Fatalf("TryPut after t1 commits = %v, %v; want true, nil", ok, err)
	}
	if err := t2.Commit(); err != nil {
		t.Fatalf("t2.Commit: %v", err)
	}

	t3, _ := ts.Begin()
	m3 := openStringMap(t, t3, "m")
	if v, ok := mustGet(t, m3, "a"); !ok || v != "2" {
		t.Fatalf("new reader sees (%q, %v), want (2, true)", v, ok)
	}
}

// TestRollbackToSavepoint covers spec.md section 8 scenario 3.
func TestRollbackToSavepoint(t *testing.T) {
	dir := t.TempDir()
	ts, err := Open(filepath.Join(dir, "data"), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ts.Close()

	t1, _ := ts.Begin()
	m1 := openStringMap(t, t1, "m")
	if err := m1.Put("a", "1"); err != nil {
		t.Fatal(err)
	}
	sp, err := t1.SetSavepoint()
	if err != nil {
		t.Fatal(err)
	}
	if err := m1.Put("a", "2"); err != nil {
		t.Fatal(err)
	}
	if err := m1.Put("b", "3"); err != nil {
		t.Fatal(err)
	}

	if err := t1.RollbackToSavepoint(sp); err != nil {
		t.Fatalf("RollbackToSavepoint: %v", err)
	}

	if v, ok := mustGet(t, m1, "a"); !ok || v != "1" {
		t.Fatalf("a = %q, %v, want 1, true", v, ok)
	}
	if _, ok := mustGet(t, m1, "b"); ok {
		t.Fatal("b should not exist after rollback to savepoint before its write")
	}
}

// TestStatementSnapshot covers spec.md section 8 scenario 4.
func TestStatementSnapshot(t *testing.T) {
	dir := t.TempDir()
	ts, err := Open(filepath.Join(dir, "data"), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ts.Close()

	t1, _ := ts.Begin()
	m1 := openStringMap(t, t1, "m")
	if err := m1.Put("a", "1"); err != nil {
		t.Fatal(err)
	}
	if err := t1.Commit(); err != nil {
		t.Fatal(err)
	}

	t2, _ := ts.Begin()
	m2 := openStringMap(t, t2, "m")
	sp, err := t2.SetSavepoint()
	if err != nil {
		t.Fatal(err)
	}
	ro := m2.GetInstance(t2, sp)

	if err := m2.Put("a", "2"); err != nil {
		t.Fatal(err)
	}

	if v, ok := mustGet(t, ro, "a"); !ok || v != "1" {
		t.Fatalf("statement-stable view sees (%q, %v), want (1, true)", v, ok)
	}
	if v, ok := mustGet(t, m2, "a"); !ok || v != "2" {
		t.Fatalf("t2 sees (%q, %v), want (2, true)", v, ok)
	}
}

// TestGetChangedMaps exercises Transaction.GetChangedMaps against two
// distinct maps written by the same transaction.
func TestGetChangedMaps(t *testing.T) {
	dir := t.TempDir()
	ts, err := Open(filepath.Join(dir, "data"), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ts.Close()

	t1, _ := ts.Begin()
	sp, _ := t1.SetSavepoint()
	m1 := openStringMap(t, t1, "fruits")
	m2 := openStringMap(t, t1, "vegetables")
	if err := m1.Put("a", "apple"); err != nil {
		t.Fatal(err)
	}
	if err := m2.Put("c", "carrot"); err != nil {
		t.Fatal(err)
	}

	names, err := t1.GetChangedMaps(sp)
	if err != nil {
		t.Fatalf("GetChangedMaps: %v", err)
	}
	found := map[string]bool{}
	for _, n := range names {
		found[n] = true
	}
	if !found["fruits"] || !found["vegetables"] || len(names) != 2 {
		t.Fatalf("GetChangedMaps = %v, want exactly [fruits vegetables]", names)
	}
}
