package room

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ecs-sync-core/internal/metrics"
	"ecs-sync-core/internal/storage"
)

// RegistryOptions configures rooms created by the registry.
type RegistryOptions struct {
	Storage         storage.Backend
	SaveThrottle    time.Duration
	IdleGrace       time.Duration
	ProtocolVersion int
}

// Registry manages the lifetime of every room in the process: lazy
// create on first connect, idle auto-close after a grace period with
// zero sessions, and process shutdown.
type Registry struct {
	opts RegistryOptions
	log  *logrus.Entry

	mu         sync.Mutex
	rooms      map[string]*Room
	idleTimers map[string]*time.Timer
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.IdleGrace <= 0 {
		opts.IdleGrace = 60 * time.Second
	}
	return &Registry{
		opts:       opts,
		log:        logrus.WithField("component", "registry"),
		rooms:      make(map[string]*Room),
		idleTimers: make(map[string]*time.Timer),
	}
}

// GetOrCreate returns the existing room for roomID, cancelling any
// pending idle-close, or constructs and loads a new one.
func (reg *Registry) GetOrCreate(ctx context.Context, roomID string) (*Room, error) {
	reg.mu.Lock()
	if existing, ok := reg.rooms[roomID]; ok {
		reg.cancelIdleTimerLocked(roomID)
		reg.mu.Unlock()
		return existing, nil
	}
	reg.mu.Unlock()

	r := New(Options{
		RoomID:          roomID,
		Storage:         reg.opts.Storage,
		SaveThrottle:    reg.opts.SaveThrottle,
		ProtocolVersion: reg.opts.ProtocolVersion,
		OnSessionRemoved: func(remaining int) {
			if remaining == 0 {
				reg.scheduleIdleClose(roomID)
			}
		},
	})

	if err := r.Load(ctx); err != nil {
		return nil, err
	}

	reg.mu.Lock()
	// Another goroutine may have raced us; prefer whichever room is
	// already registered so callers never observe two controllers for
	// the same document.
	if existing, ok := reg.rooms[roomID]; ok {
		reg.cancelIdleTimerLocked(roomID)
		reg.mu.Unlock()
		r.Close(ctx)
		return existing, nil
	}
	reg.rooms[roomID] = r
	reg.mu.Unlock()

	metrics.RoomsOpen.Inc()
	reg.log.WithField("room_id", roomID).Info("room created")
	return r, nil
}

// scheduleIdleClose arms a timer that, on firing, verifies the session
// count is still zero before closing the room.
func (reg *Registry) scheduleIdleClose(roomID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.cancelIdleTimerLocked(roomID)

	reg.idleTimers[roomID] = time.AfterFunc(reg.opts.IdleGrace, func() {
		reg.mu.Lock()
		r, ok := reg.rooms[roomID]
		delete(reg.idleTimers, roomID)
		reg.mu.Unlock()

		if !ok {
			return
		}
		if r.GetSessionCount() != 0 {
			return
		}
		reg.Close(roomID)
	})
}

func (reg *Registry) cancelIdleTimerLocked(roomID string) {
	if t, ok := reg.idleTimers[roomID]; ok {
		t.Stop()
		delete(reg.idleTimers, roomID)
	}
}

// Close closes and removes a single room, if present.
func (reg *Registry) Close(roomID string) {
	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	if ok {
		delete(reg.rooms, roomID)
	}
	reg.cancelIdleTimerLocked(roomID)
	reg.mu.Unlock()

	if !ok {
		return
	}

	r.Close(context.Background())
	metrics.RoomsOpen.Dec()
	reg.log.WithField("room_id", roomID).Info("room closed")
}

// CloseAll closes every room in the registry, used on process shutdown.
func (reg *Registry) CloseAll() {
	reg.mu.Lock()
	ids := make([]string, 0, len(reg.rooms))
	for id := range reg.rooms {
		ids = append(ids, id)
	}
	reg.mu.Unlock()

	for _, id := range ids {
		reg.Close(id)
	}
}
