// Package backend abstracts the remote key/value store the relay syncs
// through. Every call is a billable network round trip, so callers are
// expected to gate, batch, and cache around this interface rather than
// hitting it freely.
package backend

import "context"

// Client is the interface all backend implementations must satisfy.
// Keys are flat strings namespaced by "/" segments, values are JSON
// documents. A Get or List never treats a missing key as an error:
// absent keys come back as a nil value so callers can tell "not there"
// apart from "backend down".
type Client interface {
	// Get fetches one document. Returns (nil, nil) when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes one document, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Patch merges the given fields into an existing document. Patching
	// an absent key creates it.
	Patch(ctx context.Context, key string, fields map[string]any) error

	// Delete removes one document. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List fetches every document whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)

	// Close releases the backend connection.
	Close() error
}
