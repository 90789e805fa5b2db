package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecs-sync-core/internal/client"
	"ecs-sync-core/internal/patch"
)

type fakeStore struct {
	data map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{data: make(map[string][]byte)} }

func (f *fakeStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeStore) Set(ctx context.Context, key string, value []byte) error {
	f.data[key] = value
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, key string) error {
	delete(f.data, key)
	return nil
}

func (f *fakeStore) Keys(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(f.data))
	for k := range f.data {
		out = append(out, k)
	}
	return out, nil
}

type v2Migrator struct{}

func (v2Migrator) CurrentVersion(component string) string { return "v2" }

func (v2Migrator) Migrate(component string, data patch.ComponentValue, from string) (patch.ComponentValue, error) {
	out := data.Clone()
	if from == "v1" {
		out["migrated"] = true
	}
	return out, nil
}

func putRaw(t *testing.T, s *fakeStore, key string, v patch.ComponentValue) {
	t.Helper()
	enc, err := JSONCodec{}.Marshal(v)
	require.NoError(t, err)
	s.data[key] = enc
}

func TestInitMigratesStaleEntries(t *testing.T) {
	store := newFakeStore()
	putRaw(t, store, "e1/Pos", patch.ComponentValue{"_exists": true, "_version": "v1", "x": 1.0})

	a := New(Options{Store: store, Migrator: v2Migrator{}, Codec: JSONCodec{}})
	require.NoError(t, a.Init(context.Background()))

	muts := a.Pull()
	require.Len(t, muts, 1)
	assert.Equal(t, client.OriginPersistence, muts[0].Origin)
	assert.Equal(t, client.SyncDocument, muts[0].SyncBehavior)
	assert.Equal(t, true, muts[0].Patch["e1/Pos"]["migrated"])
	assert.Equal(t, "v2", muts[0].Patch["e1/Pos"]["_version"])

	raw, ok, err := store.Get(context.Background(), "e1/Pos")
	require.NoError(t, err)
	require.True(t, ok)
	decoded, err := JSONCodec{}.Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, "v2", decoded["_version"])
}

func TestInitPartitionsLocalAndDocument(t *testing.T) {
	store := newFakeStore()
	putRaw(t, store, "e1/Pos", patch.ComponentValue{"_exists": true, "_version": "v2", "x": 1.0})
	putRaw(t, store, "local/ui", patch.ComponentValue{"_exists": true, "_version": "v2", "panel": "open"})

	a := New(Options{
		Store:    store,
		Migrator: v2Migrator{},
		Codec:    JSONCodec{},
		Behavior: func(key string) client.SyncBehavior {
			if key == "local/ui" {
				return client.SyncLocal
			}
			return client.SyncDocument
		},
	})
	require.NoError(t, a.Init(context.Background()))

	muts := a.Pull()
	require.Len(t, muts, 2)

	var sawDocument, sawLocal bool
	for _, m := range muts {
		if m.SyncBehavior == client.SyncDocument {
			sawDocument = true
			assert.Contains(t, m.Patch, "e1/Pos")
		}
		if m.SyncBehavior == client.SyncLocal {
			sawLocal = true
			assert.Contains(t, m.Patch, "local/ui")
		}
	}
	assert.True(t, sawDocument)
	assert.True(t, sawLocal)
}

func TestPullIsEmptyAfterFirstDrain(t *testing.T) {
	store := newFakeStore()
	putRaw(t, store, "e1/Pos", patch.ComponentValue{"_exists": true, "_version": "v2", "x": 1.0})

	a := New(Options{Store: store, Migrator: v2Migrator{}, Codec: JSONCodec{}})
	require.NoError(t, a.Init(context.Background()))

	require.Len(t, a.Pull(), 1)
	assert.Empty(t, a.Pull())
}

func TestPushSkipsSelfOriginAndEphemeral(t *testing.T) {
	store := newFakeStore()
	a := New(Options{Store: store, Migrator: v2Migrator{}, Codec: JSONCodec{}})

	a.Push([]client.Mutation{
		{Origin: client.OriginPersistence, SyncBehavior: client.SyncDocument, Patch: patch.Patch{"e1/Pos": {"_exists": true, "x": 1.0}}},
		{Origin: client.OriginECS, SyncBehavior: client.SyncEphemeral, Patch: patch.Patch{"e1/Cursor": {"_exists": true, "x": 1.0}}},
	})

	keys, err := store.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestPushFullWriteThenDelete(t *testing.T) {
	store := newFakeStore()
	a := New(Options{Store: store, Migrator: v2Migrator{}, Codec: JSONCodec{}})

	a.Push([]client.Mutation{
		{Origin: client.OriginECS, SyncBehavior: client.SyncDocument, Patch: patch.Patch{"e1/Pos": {"_exists": true, "x": 1.0}}},
	})
	raw, ok, err := store.Get(context.Background(), "e1/Pos")
	require.NoError(t, err)
	require.True(t, ok)
	decoded, err := JSONCodec{}.Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, 1.0, decoded["x"])

	a.Push([]client.Mutation{
		{Origin: client.OriginECS, SyncBehavior: client.SyncDocument, Patch: patch.Patch{"e1/Pos": {"_exists": false}}},
	})
	_, ok, err = store.Get(context.Background(), "e1/Pos")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPushPartialUpdateReadModifyWrite(t *testing.T) {
	store := newFakeStore()
	putRaw(t, store, "e1/Pos", patch.ComponentValue{"_exists": true, "_version": "v2", "x": 1.0, "y": 2.0})

	a := New(Options{Store: store, Migrator: v2Migrator{}, Codec: JSONCodec{}})
	a.Push([]client.Mutation{
		{Origin: client.OriginECS, SyncBehavior: client.SyncDocument, Patch: patch.Patch{"e1/Pos": {"x": 5.0}}},
	})

	raw, ok, err := store.Get(context.Background(), "e1/Pos")
	require.NoError(t, err)
	require.True(t, ok)
	decoded, err := JSONCodec{}.Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, 5.0, decoded["x"])
	assert.Equal(t, 2.0, decoded["y"])
}
