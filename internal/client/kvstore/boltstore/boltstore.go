// Package boltstore is the reference kvstore.Store implementation: one
// bbolt database per scope (one for document state, one for transport
// meta, per spec.md §6), with an in-memory write buffer flushed on a
// timer so reads always see the caller's own pending writes.
package boltstore

import (
	"context"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var bucket = []byte("kv")

// Store is a bbolt-backed kvstore.Store with a write-behind buffer.
type Store struct {
	db            *bbolt.DB
	flushInterval time.Duration

	mu      sync.Mutex
	pending map[string][]byte
	deleted map[string]bool
	timer   *time.Timer
	closed  bool
}

// Open opens (creating if needed) the database at path, with a
// flushInterval write buffer (default 1s, per spec.md §5).
func Open(path string, flushInterval time.Duration) (*Store, error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if flushInterval <= 0 {
		flushInterval = time.Second
	}

	return &Store{
		db:            db,
		flushInterval: flushInterval,
		pending:       make(map[string][]byte),
		deleted:       make(map[string]bool),
	}, nil
}

// Get checks the pending write buffer first (read-your-writes), then
// falls back to the database.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	if s.deleted[key] {
		s.mu.Unlock()
		return nil, false, nil
	}
	if v, ok := s.pending[key]; ok {
		s.mu.Unlock()
		return v, true, nil
	}
	s.mu.Unlock()

	var out []byte
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(key))
		if v != nil {
			out = append([]byte(nil), v...)
			found = true
		}
		return nil
	})
	return out, found, err
}

// Set buffers a write, collapsing any prior pending write or delete for
// the same key, and arms the flush timer if one isn't already pending.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.deleted, key)
	cp := append([]byte(nil), value...)
	s.pending[key] = cp
	s.armFlushLocked()
	return nil
}

// Delete buffers a delete the same way Set buffers a write.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, key)
	s.deleted[key] = true
	s.armFlushLocked()
	return nil
}

// Keys returns every key visible in the store: persisted keys with
// buffered deletes removed, plus buffered writes.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, _ []byte) error {
			seen[string(k)] = struct{}{}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	for k := range s.deleted {
		delete(seen, k)
	}
	for k := range s.pending {
		seen[k] = struct{}{}
	}
	s.mu.Unlock()

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return out, nil
}

func (s *Store) armFlushLocked() {
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.flushInterval, s.flush)
}

func (s *Store) flush() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	writes := s.pending
	deletes := s.deleted
	s.pending = make(map[string][]byte)
	s.deleted = make(map[string]bool)
	s.timer = nil
	s.mu.Unlock()

	if len(writes) == 0 && len(deletes) == 0 {
		return
	}

	_ = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		for k := range deletes {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		for k, v := range writes {
			if err := b.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close flushes any pending writes and closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.closed = true
	s.mu.Unlock()

	s.flushPendingSync()
	return s.db.Close()
}

func (s *Store) flushPendingSync() {
	s.mu.Lock()
	s.closed = false // allow one last flush through
	s.mu.Unlock()
	s.flush()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
