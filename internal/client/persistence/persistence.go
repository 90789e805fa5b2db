// Package persistence implements the local key-value persistence
// adapter: on init it loads every entry scoped to a document out of a
// KVStore, migrates stale entries, and queues them for the first pull;
// on push it writes mutations from other adapters back to the store.
package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"ecs-sync-core/internal/client"
	"ecs-sync-core/internal/patch"
)

// ErrUnknownSchemaVersion is returned from Init when a stored entry's
// _version cannot be migrated by the configured Migrator.
var ErrUnknownSchemaVersion = errors.New("persistence: unknown schema version")

// KVStore is the local key-value persistence backend named as an
// external collaborator in spec.md §1.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Migrator owns per-component schema migration. CurrentVersion reports
// the version a component should be at; Migrate transforms data tagged
// with an older version up to it.
type Migrator interface {
	CurrentVersion(component string) string
	Migrate(component string, data patch.ComponentValue, fromVersion string) (patch.ComponentValue, error)
}

// Codec (de)serializes a component value for storage. JSON is the
// default; callers may substitute a faster codec without touching the
// adapter's logic.
type Codec interface {
	Marshal(patch.ComponentValue) ([]byte, error)
	Unmarshal([]byte) (patch.ComponentValue, error)
}

// KeyBehavior maps a patch key to the sync behavior it should be
// queued and filtered under (document vs local), since the KV store
// has no notion of sync behavior itself.
type KeyBehavior func(key string) client.SyncBehavior

// Adapter is the Persistence adapter of spec.md §4.7.
type Adapter struct {
	store    KVStore
	migrator Migrator
	codec    Codec
	behavior KeyBehavior
	log      *logrus.Entry

	pendingDocument patch.Patch
	pendingLocal    patch.Patch
}

// Options configures a new Adapter.
type Options struct {
	Store    KVStore
	Migrator Migrator
	Codec    Codec
	Behavior KeyBehavior
	Log      *logrus.Entry
}

// New constructs an Adapter. Behavior defaults to classifying every key
// as client.SyncDocument when unset.
func New(opts Options) *Adapter {
	behavior := opts.Behavior
	if behavior == nil {
		behavior = func(string) client.SyncBehavior { return client.SyncDocument }
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Adapter{
		store:    opts.Store,
		migrator: opts.Migrator,
		codec:    opts.Codec,
		behavior: behavior,
		log:      log,
	}
}

// Init loads every stored entry, migrates stale ones in place, and
// queues the result as pending document/local mutations for the first
// Pull call.
func (a *Adapter) Init(ctx context.Context) error {
	keys, err := a.store.Keys(ctx)
	if err != nil {
		return fmt.Errorf("persistence: list keys: %w", err)
	}

	document := patch.New()
	local := patch.New()

	for _, key := range keys {
		raw, ok, err := a.store.Get(ctx, key)
		if err != nil {
			a.log.WithError(err).WithField("key", key).Warn("persistence: read failed, skipping entry")
			continue
		}
		if !ok {
			continue
		}

		value, err := a.codec.Unmarshal(raw)
		if err != nil {
			a.log.WithError(err).WithField("key", key).Warn("persistence: decode failed, skipping entry")
			continue
		}

		component := componentName(key)
		want := a.migrator.CurrentVersion(component)
		have, _ := value["_version"].(string)
		if have != want {
			migrated, err := a.migrator.Migrate(component, value, have)
			if err != nil {
				return fmt.Errorf("%w: component %q from version %q: %v", ErrUnknownSchemaVersion, component, have, err)
			}
			migrated["_version"] = want
			value = migrated

			encoded, err := a.codec.Marshal(value)
			if err != nil {
				return fmt.Errorf("persistence: re-encode migrated entry %q: %w", key, err)
			}
			if err := a.store.Set(ctx, key, encoded); err != nil {
				a.log.WithError(err).WithField("key", key).Warn("persistence: write-back of migrated entry failed")
			}
		}

		switch a.behavior(key) {
		case client.SyncLocal:
			local[key] = value
		default:
			document[key] = value
		}
	}

	if len(document) > 0 {
		a.pendingDocument = document
	}
	if len(local) > 0 {
		a.pendingLocal = local
	}
	return nil
}

// Pull drains the pending document and local mutations queued by Init.
// Subsequent calls return nothing: persistence only ever seeds the
// first tick.
func (a *Adapter) Pull() []client.Mutation {
	var out []client.Mutation
	if a.pendingDocument != nil {
		out = append(out, client.Mutation{Origin: client.OriginPersistence, SyncBehavior: client.SyncDocument, Patch: a.pendingDocument})
		a.pendingDocument = nil
	}
	if a.pendingLocal != nil {
		out = append(out, client.Mutation{Origin: client.OriginPersistence, SyncBehavior: client.SyncLocal, Patch: a.pendingLocal})
		a.pendingLocal = nil
	}
	return out
}

// Push writes every non-self-origin, non-ephemeral mutation back to
// the store: a bare _exists:true value is a full write, _exists:false
// is a delete, and an update with no _exists is a read-modify-write
// partial merge.
func (a *Adapter) Push(mutations []client.Mutation) {
	ctx := context.Background()

	for _, m := range mutations {
		if m.Origin == client.OriginPersistence || m.SyncBehavior == client.SyncEphemeral {
			continue
		}
		for key, value := range m.Patch {
			a.writeKey(ctx, key, value)
		}
	}
}

func (a *Adapter) writeKey(ctx context.Context, key string, value patch.ComponentValue) {
	if value.IsTombstone() {
		if err := a.store.Delete(ctx, key); err != nil {
			a.log.WithError(err).WithField("key", key).Warn("persistence: delete failed")
		}
		return
	}

	var merged patch.ComponentValue
	if value.HasExists() {
		merged = value.Clone()
	} else {
		existing := a.readExisting(ctx, key)
		merged = patch.Merge(patch.Patch{key: existing}, patch.Patch{key: value})[key]
	}

	encoded, err := a.codec.Marshal(merged)
	if err != nil {
		a.log.WithError(err).WithField("key", key).Warn("persistence: encode failed")
		return
	}
	if err := a.store.Set(ctx, key, encoded); err != nil {
		a.log.WithError(err).WithField("key", key).Warn("persistence: write failed")
	}
}

func (a *Adapter) readExisting(ctx context.Context, key string) patch.ComponentValue {
	raw, ok, err := a.store.Get(ctx, key)
	if err != nil {
		a.log.WithError(err).WithField("key", key).Warn("persistence: read-modify-write read failed")
		return patch.ComponentValue{}
	}
	if !ok {
		return patch.ComponentValue{}
	}
	value, err := a.codec.Unmarshal(raw)
	if err != nil {
		a.log.WithError(err).WithField("key", key).Warn("persistence: read-modify-write decode failed")
		return patch.ComponentValue{}
	}
	return value
}

// Close is a no-op: the adapter owns no resources beyond the KVStore,
// which the caller opened and closes itself.
func (a *Adapter) Close() error { return nil }

func componentName(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[i+1:]
		}
	}
	return key
}
