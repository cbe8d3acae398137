// Package memory is an in-process backend used by tests and offline runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Client keeps all documents in a mutex-guarded map.
type Client struct {
	mu   sync.RWMutex
	docs map[string][]byte

	// Calls counts backend operations by name, for tests asserting that
	// callers gate their traffic.
	calls map[string]int
}

// New creates an empty in-memory backend.
func New() *Client {
	return &Client{
		docs:  make(map[string][]byte),
		calls: make(map[string]int),
	}
}

func (c *Client) count(op string) {
	c.calls[op]++
}

// Calls returns how many times the named operation ran.
func (c *Client) Calls(op string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.calls[op]
}

// Get fetches one document. Returns (nil, nil) when the key is absent.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("get")

	val, ok := c.docs[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// Put writes one document.
func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("put")

	stored := make([]byte, len(value))
	copy(stored, value)
	c.docs[key] = stored
	return nil
}

// Patch merges fields into the stored JSON document.
func (c *Client) Patch(ctx context.Context, key string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("patch")

	doc := map[string]any{}
	if current, ok := c.docs[key]; ok {
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
	c.docs[key] = merged
	return nil
}

// Delete removes one document.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("delete")

	delete(c.docs, key)
	return nil
}

// List fetches every document under the prefix.
func (c *Client) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("list")

	out := make(map[string][]byte)
	for k, v := range c.docs {
		if strings.HasPrefix(k, prefix) {
			val := make([]byte, len(v))
			copy(val, v)
			out[k] = val
		}
	}
	return out, nil
}

// Close is a no-op.
func (c *Client) Close() error {
	return nil
}
