// Package router implements the client sync router (spec.md §4.4): a
// tick-driven pull/push loop over an ordered list of adapters. Every
// adapter observes every mutation, including its own, in the same
// order; each is responsible for recognizing and skipping its own
// side-effects.
package router

import (
	"context"
	"fmt"

	"ecs-sync-core/internal/client"
)

// Router holds the fixed, ordered adapter list. Adapter order is the
// tie-break for intra-tick conflicts: later adapters' writes win on the
// same field at the same tick. Transport is conventionally placed last
// so remote state wins over local edits on a same-tick conflict,
// matching the server's own last-writer-wins ordering.
type Router struct {
	adapters []client.Adapter
}

// New constructs a router over adapters in the given, fixed order.
func New(adapters ...client.Adapter) *Router {
	return &Router{adapters: adapters}
}

// Init initializes every adapter in parallel... conceptually; adapters
// here are single-threaded cooperative, so initialization runs
// sequentially but failures from any adapter abort the whole set.
func (rt *Router) Init(ctx context.Context) error {
	for i, a := range rt.adapters {
		if err := a.Init(ctx); err != nil {
			return fmt.Errorf("router: adapter %d init: %w", i, err)
		}
	}
	return nil
}

// Tick runs one pull/push cycle: pull phase concatenates every
// adapter's observed mutations in order, then push phase delivers that
// full list to every adapter in order.
func (rt *Router) Tick() {
	var muts []client.Mutation
	for _, a := range rt.adapters {
		muts = append(muts, a.Pull()...)
	}
	for _, a := range rt.adapters {
		a.Push(muts)
	}
}

// Close closes every adapter, in order, collecting the first error.
func (rt *Router) Close() error {
	var firstErr error
	for _, a := range rt.adapters {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
