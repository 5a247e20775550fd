package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/securelink/internal/infra/storage"
)

const scanBatch = 100

// Get implements storage.Store.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get failed: %w", err)
	}
	return val, nil
}

// Set implements storage.Store. Values never expire.
func (c *Client) Set(ctx context.Context, key string, value []byte) error {
	if err := c.rdb.Set(ctx, c.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("set failed: %w", err)
	}
	return nil
}

// Delete implements storage.Store.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("del failed: %w", err)
	}
	return nil
}

// List implements storage.Store by scanning the prefix and fetching values
// with MGET. Keys deleted between the scan and the fetch are skipped.
func (c *Client) List(ctx context.Context, prefix string) ([]storage.Entry, error) {
	pattern := c.key(globEscape(prefix)) + "*"

	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget failed: %w", err)
	}

	out := make([]storage.Entry, 0, len(keys))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		out = append(out, storage.Entry{Key: c.trim(keys[i]), Value: []byte(s)})
	}
	storage.SortEntries(out)
	return out, nil
}

func globEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
