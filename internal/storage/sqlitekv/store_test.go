package sqlitekv

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/tutorpath/tutorpath/internal/storage"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_Set_Get(t *testing.T) {
	store := setupStore(t)

	want := []byte(`{"topicId":"algebra"}`)
	if err := store.Set("progress/user-1/algebra", want); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := store.Get("progress/user-1/algebra")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("Get() = %s, want %s", got, want)
	}
}

func TestStore_Get_NotFound(t *testing.T) {
	store := setupStore(t)

	_, err := store.Get("missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestStore_Set_Overwrites(t *testing.T) {
	store := setupStore(t)

	store.Set("key", []byte("one"))
	store.Set("key", []byte("two"))

	got, err := store.Get("key")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "two" {
		t.Errorf("Get() = %s, want two", got)
	}
}

func TestStore_Delete(t *testing.T) {
	store := setupStore(t)

	store.Set("key", []byte("value"))
	if err := store.Delete("key"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get("key"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
	if err := store.Delete("key"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Delete() of absent key error = %v, want ErrNotFound", err)
	}
}

func TestStore_ReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")

	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	store.Set("key", []byte("survives"))
	store.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get("key")
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if string(got) != "survives" {
		t.Errorf("Get() = %s, want survives", got)
	}
}
