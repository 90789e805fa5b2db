// Package client holds the types shared by every client-side adapter:
// the Mutation envelope and the Adapter capability the sync router is
// polymorphic over (spec.md §4.4, §9).
package client

import (
	"context"

	"ecs-sync-core/internal/patch"
)

// Origin tags which adapter produced a mutation.
type Origin string

const (
	OriginECS         Origin = "ECS"
	OriginHistory     Origin = "History"
	OriginPersistence Origin = "Persistence"
	OriginTransport   Origin = "Transport"
)

// SyncBehavior tags how a mutation should propagate.
type SyncBehavior string

const (
	SyncDocument  SyncBehavior = "document"
	SyncEphemeral SyncBehavior = "ephemeral"
	SyncLocal     SyncBehavior = "local"
	SyncNone      SyncBehavior = "none"
)

// Mutation is a patch tagged with its origin and sync behavior. It is
// the only unit of exchange between adapters inside one router tick.
type Mutation struct {
	Origin       Origin
	SyncBehavior SyncBehavior
	Patch        patch.Patch
}

// Adapter is the capability the sync router is polymorphic over.
// Per-adapter specialization happens through the Origin/SyncBehavior
// tags on mutations, not through type dispatch.
type Adapter interface {
	Init(ctx context.Context) error
	Pull() []Mutation
	Push(muts []Mutation)
	Close() error
}
