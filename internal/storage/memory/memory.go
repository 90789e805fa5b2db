// Package memory provides an in-memory storage.Backend, suitable for
// tests and for deployments that accept losing room state on restart.
package memory

import (
	"context"
	"sync"

	"ecs-sync-core/internal/storage"
)

// Backend guards a map of roomID -> snapshot with a single mutex, so
// one instance can be shared by every room in the registry.
type Backend struct {
	mu    sync.Mutex
	snaps map[string]*storage.Snapshot
}

// New constructs an empty in-memory backend.
func New() *Backend {
	return &Backend{snaps: make(map[string]*storage.Snapshot)}
}

// Load returns a clone of the stored snapshot, or an empty one if the
// room has never been saved.
func (b *Backend) Load(ctx context.Context, roomID string) (*storage.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap, ok := b.snaps[roomID]
	if !ok {
		return &storage.Snapshot{
			State:      make(map[string]map[string]interface{}),
			Timestamps: make(map[string]map[string]int64),
		}, nil
	}
	return cloneSnapshot(snap), nil
}

// Save stores a clone of snap under roomID, overwriting any prior value.
func (b *Backend) Save(ctx context.Context, roomID string, snap *storage.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.snaps[roomID] = cloneSnapshot(snap)
	return nil
}

func cloneSnapshot(snap *storage.Snapshot) *storage.Snapshot {
	out := &storage.Snapshot{
		Timestamp:  snap.Timestamp,
		State:      make(map[string]map[string]interface{}, len(snap.State)),
		Timestamps: make(map[string]map[string]int64, len(snap.Timestamps)),
	}
	for k, v := range snap.State {
		fields := make(map[string]interface{}, len(v))
		for f, val := range v {
			fields[f] = val
		}
		out.State[k] = fields
	}
	for k, v := range snap.Timestamps {
		fields := make(map[string]int64, len(v))
		for f, val := range v {
			fields[f] = val
		}
		out.Timestamps[k] = fields
	}
	return out
}
