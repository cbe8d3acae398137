// Package redis backs the relay with a Redis instance. Used for
// self-hosted deployments where the hosted REST service is not wanted.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Client stores documents as plain string keys holding JSON values.
type Client struct {
	rdb *redis.Client
}

// New creates a new Redis backend client.
func New(addr, password string, db int) *Client {
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// Get fetches one document. Returns (nil, nil) when the key is absent.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return val, nil
}

// Put writes one document.
func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	if err := c.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Patch merges fields into the stored JSON document. Redis has no native
// JSON merge on plain strings, so this is a read-modify-write.
func (c *Client) Patch(ctx context.Context, key string, fields map[string]any) error {
	current, err := c.Get(ctx, key)
	if err != nil {
		return err
	}

	doc := map[string]any{}
	if current != nil {
		if err := json.Unmarshal(current, &doc); err != nil {
			return fmt.Errorf("patch %s: existing value not an object: %w", key, err)
		}
	}
	for k, v := range fields {
		doc[k] = v
	}

	merged, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("patch %s: marshal: %w", key, err)
	}
	return c.Put(ctx, key, merged)
}

// Delete removes one document.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List scans every key under the prefix and fetches the values in one MGET.
func (c *Client) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list %s: scan: %w", prefix, err)
	}

	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: mget: %w", prefix, err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Key expired between SCAN and MGET.
			continue
		}
		out[keys[i]] = []byte(s)
	}
	return out, nil
}

// Close releases the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
