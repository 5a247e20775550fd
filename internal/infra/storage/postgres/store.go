package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vietddude/securelink/internal/infra/storage"
)

// Store implements storage.Store on the secure_store table.
type Store struct {
	db *DB
}

// NewStore creates a store on an open, migrated database.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

type row struct {
	Key   string `db:"key"`
	Value []byte `db:"value"`
}

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.GetContext(ctx, &value, `SELECT value FROM secure_store WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Set implements storage.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	query := `
		INSERT INTO secure_store (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM secure_store WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List implements storage.Store.
func (s *Store) List(ctx context.Context, prefix string) ([]storage.Entry, error) {
	var rows []row
	query := `SELECT key, value FROM secure_store WHERE key LIKE $1 ESCAPE '\' ORDER BY key`
	if err := s.db.SelectContext(ctx, &rows, query, escapeLike(prefix)+"%"); err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}

	out := make([]storage.Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, storage.Entry{Key: r.Key, Value: r.Value})
	}
	return out, nil
}

// Health implements storage.HealthChecker.
func (s *Store) Health(ctx context.Context) error {
	return s.db.Health(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
