// Package bolt implements storage.Store on a single bbolt file.
package bolt

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vietddude/securelink/internal/infra/storage"
)

const (
	defaultFile = "securelink.db"
	bucketName  = "securelink"
)

// Store is a bbolt-backed key/value store.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database at path. A directory path gets the
// default file name appended.
func Open(path string) (*Store, error) {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, defaultFile)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt store %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketName)).Get([]byte(key))
		if v == nil {
			return storage.ErrNotFound
		}
		// Values are only valid for the life of the transaction.
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// Set implements storage.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(key), value)
	})
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete([]byte(key))
	})
}

// List implements storage.Store. Keys come back in byte order.
func (s *Store) List(ctx context.Context, prefix string) ([]storage.Entry, error) {
	var out []storage.Entry
	p := []byte(prefix)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketName)).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			out = append(out, storage.Entry{
				Key:   string(k),
				Value: append([]byte(nil), v...),
			})
		}
		return nil
	})
	return out, err
}

// Health reports whether the file is still usable.
func (s *Store) Health(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(bucketName)) == nil {
			return fmt.Errorf("bucket %s missing", bucketName)
		}
		return nil
	})
}

// Close implements storage.Store.
func (s *Store) Close() error {
	return s.db.Close()
}
