// Package ecsmirror bridges the application's entity/component world
// (an external collaborator, out of scope for this core) to patches.
// It is the only adapter that originates ECS-tagged mutations
// (spec.md §4.5).
package ecsmirror

import (
	"context"

	"ecs-sync-core/internal/client"
	"ecs-sync-core/internal/patch"
)

// World is the narrow interface this package needs from the entity/
// component storage engine. ScanDirty returns every local write since
// the last call, already partitioned by the caller's own bookkeeping;
// ApplyForeign applies an incoming patch, including creating or
// deleting entities inferred from _exists transitions.
type World interface {
	ScanDirty() (document, ephemeral, local patch.Patch)
	ApplyForeign(p patch.Patch)
}

// Adapter mirrors World into and out of patches.
type Adapter struct {
	world World
}

// New constructs an ECS mirror adapter over world.
func New(world World) *Adapter {
	return &Adapter{world: world}
}

func (a *Adapter) Init(ctx context.Context) error { return nil }

// Pull scans the world for local writes and emits up to three
// mutations, one per sync behavior that actually changed.
func (a *Adapter) Pull() []client.Mutation {
	doc, eph, local := a.world.ScanDirty()

	var muts []client.Mutation
	if len(doc) > 0 {
		muts = append(muts, client.Mutation{Origin: client.OriginECS, SyncBehavior: client.SyncDocument, Patch: doc})
	}
	if len(eph) > 0 {
		muts = append(muts, client.Mutation{Origin: client.OriginECS, SyncBehavior: client.SyncEphemeral, Patch: eph})
	}
	if len(local) > 0 {
		muts = append(muts, client.Mutation{Origin: client.OriginECS, SyncBehavior: client.SyncLocal, Patch: local})
	}
	return muts
}

// Push applies every mutation not already originated by this adapter to
// the world.
func (a *Adapter) Push(muts []client.Mutation) {
	for _, m := range muts {
		if m.Origin == client.OriginECS {
			continue
		}
		a.world.ApplyForeign(m.Patch)
	}
}

func (a *Adapter) Close() error { return nil }
