// Package kvstore defines the browser-side key-value persistence
// contract named as an external collaborator in spec.md §1; only the
// interface lives in this core, plus a bbolt-backed reference
// implementation for native (non-browser) hosts.
package kvstore

import "context"

// Store is a flat, scoped key-value store. Implementations buffer
// writes and serve reads from the pending buffer first, so callers get
// read-your-writes consistency even before a flush lands on disk.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Close() error
}
