package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/vietddude/securelink/internal/infra/storage"
)

// MemoryStorage keeps everything in a mutex-guarded map.
type MemoryStorage struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		data: make(map[string][]byte),
	}
}

func (s *MemoryStorage) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStorage) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	delete(s.data, key)
	return nil
}

func (s *MemoryStorage) List(ctx context.Context, prefix string) ([]storage.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	var out []storage.Entry
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, storage.Entry{Key: k, Value: append([]byte(nil), v...)})
		}
	}
	storage.SortEntries(out)
	return out, nil
}

func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len returns the number of stored keys.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
