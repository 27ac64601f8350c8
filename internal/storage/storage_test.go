package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestDB_PutGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "stats.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if _, err := db.Get([]byte("metrics"), []byte("counters")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() on missing bucket error = %v, want ErrNotFound", err)
	}

	if err := db.Put([]byte("metrics"), []byte("counters"), []byte(`{"messages":3}`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := db.Get([]byte("metrics"), []byte("counters"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != `{"messages":3}` {
		t.Errorf("Get() = %s", got)
	}

	if _, err := db.Get([]byte("metrics"), []byte("other")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() on missing key error = %v, want ErrNotFound", err)
	}

	if db.Path() != path {
		t.Errorf("Path() = %s, want %s", db.Path(), path)
	}
	if db.Size() <= 0 {
		t.Errorf("Size() = %d, want > 0", db.Size())
	}
}

func TestOpenReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.db")

	if _, err := OpenReadOnly(path); err == nil {
		t.Fatal("expected error for missing database")
	}

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := db.Put([]byte("b"), []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	db.Close()

	ro, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("OpenReadOnly() error = %v", err)
	}
	defer ro.Close()

	got, err := ro.Get([]byte("b"), []byte("k"))
	if err != nil || string(got) != "v" {
		t.Errorf("Get() = %q, %v", got, err)
	}
	if err := ro.Put([]byte("b"), []byte("k"), []byte("x")); err == nil {
		t.Error("Put() on read-only database should fail")
	}
}
