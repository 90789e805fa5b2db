package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecs-sync-core/internal/client"
	"ecs-sync-core/internal/patch"
)

// recordingAdapter produces a fixed pull patch once, and records every
// push it observes (including its own).
type recordingAdapter struct {
	origin   client.Origin
	pullOnce client.Mutation
	pulled   bool
	observed [][]client.Mutation
}

func (a *recordingAdapter) Init(ctx context.Context) error { return nil }

func (a *recordingAdapter) Pull() []client.Mutation {
	if a.pulled || a.pullOnce.Patch == nil {
		return nil
	}
	a.pulled = true
	return []client.Mutation{a.pullOnce}
}

func (a *recordingAdapter) Push(muts []client.Mutation) {
	a.observed = append(a.observed, muts)
}

func (a *recordingAdapter) Close() error { return nil }

func TestEveryAdapterObservesSameOrderedList(t *testing.T) {
	a := &recordingAdapter{
		origin:   client.OriginECS,
		pullOnce: client.Mutation{Origin: client.OriginECS, SyncBehavior: client.SyncDocument, Patch: patch.Patch{"e1/Pos": {"_exists": true, "x": 1.0}}},
	}
	b := &recordingAdapter{
		origin:   client.OriginTransport,
		pullOnce: client.Mutation{Origin: client.OriginTransport, SyncBehavior: client.SyncDocument, Patch: patch.Patch{"e2/Vel": {"_exists": true, "dx": 1.0}}},
	}

	rt := New(a, b)
	require.NoError(t, rt.Init(context.Background()))
	rt.Tick()

	require.Len(t, a.observed, 1)
	require.Len(t, b.observed, 1)
	assert.Equal(t, a.observed[0], b.observed[0])
	assert.Len(t, a.observed[0], 2)
	assert.Equal(t, client.OriginECS, a.observed[0][0].Origin)
	assert.Equal(t, client.OriginTransport, a.observed[0][1].Origin)
}

func TestTickIsNoopWithNoAdapters(t *testing.T) {
	rt := New()
	assert.NotPanics(t, func() { rt.Tick() })
}
