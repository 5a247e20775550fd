package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/vietddude/securelink/internal/infra/storage"
)

func TestMemoryStorage_CRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	if _, err := s.Get(ctx, "1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}

	value := []byte("snapshot")
	if err := s.Set(ctx, "1", value); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	value[0] = 'X'

	got, err := s.Get(ctx, "1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "snapshot" {
		t.Errorf("Get() = %q, stored value was aliased", got)
	}

	if err := s.Delete(ctx, "1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, "1"); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestMemoryStorage_ListPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	for _, k := range []string{"queue/b", "queue/a", "42"} {
		if err := s.Set(ctx, k, []byte(k)); err != nil {
			t.Fatalf("Set(%s) error = %v", k, err)
		}
	}

	entries, err := s.List(ctx, "queue/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 2 || entries[0].Key != "queue/a" || entries[1].Key != "queue/b" {
		t.Errorf("List() = %+v", entries)
	}
}

func TestMemoryStorage_Closed(t *testing.T) {
	s := NewMemoryStorage()
	_ = s.Close()
	if err := s.Set(context.Background(), "k", nil); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("Set() after Close error = %v, want ErrClosed", err)
	}
}
