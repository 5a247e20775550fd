package bolt

import (
	"context"
	"errors"
	"testing"

	"github.com/vietddude/securelink/internal/infra/storage"
)

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Set(ctx, "3735928559", []byte("state")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()

	got, err := s.Get(ctx, "3735928559")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "state" {
		t.Errorf("Get() = %q, want %q", got, "state")
	}
	if err := s.Health(ctx); err != nil {
		t.Errorf("Health() error = %v", err)
	}
}

func TestStore_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	for _, k := range []string{"queue/2", "queue/1", "other"} {
		if err := s.Set(ctx, k, []byte(k)); err != nil {
			t.Fatalf("Set(%s) error = %v", k, err)
		}
	}

	entries, err := s.List(ctx, "queue/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 2 || entries[0].Key != "queue/1" {
		t.Errorf("List() = %+v", entries)
	}

	if err := s.Delete(ctx, "queue/1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, "queue/1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get() after Delete error = %v, want ErrNotFound", err)
	}
}
