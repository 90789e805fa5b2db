// Package history implements the client-side undo/redo engine
// (spec.md §4.6). It derives minimal inverse patches from observed
// forward patches, batches them into undo steps after quiet periods,
// and stays correct across concurrent remote edits by re-deriving the
// inverse of an undo/redo step against live mirror state at the moment
// it is applied, rather than trusting the inverse captured at commit
// time.
package history

import (
	"context"

	"github.com/google/uuid"

	"ecs-sync-core/internal/client"
	"ecs-sync-core/internal/patch"
)

// Step is one undo/redo stack entry: a forward patch and the patch that
// exactly reverses it, as of the moment the step was committed (undo)
// or re-derived (redo).
type Step struct {
	Forward patch.Patch
	Inverse patch.Patch
}

// Options configures a History adapter.
type Options struct {
	// ExcludedFields maps component name (the part of a key after the
	// first "/") to the set of field names that never participate in
	// history, as decided by the component schema/migration collaborator.
	ExcludedFields map[string]map[string]bool
	// QuietFrames is how many consecutive pushes with no ECS document
	// mutation must elapse before pending changes commit into an undo
	// step. Default 60.
	QuietFrames int
	// MaxStackSize bounds the undo stack; oldest entries are dropped
	// first. Zero means unbounded.
	MaxStackSize int
}

type settledReg struct {
	framesNeeded int
	elapsed      int
	cb           func()
}

// History is the undo/redo engine. It is not safe for concurrent use;
// like every client adapter it is driven by a single router goroutine.
type History struct {
	excluded     map[string]map[string]bool
	quietFrames  int
	maxStackSize int

	mirror patch.Patch

	undoStack []Step
	redoStack []Step

	pendingForward patch.Patch
	pendingInverse patch.Patch

	checkpoints map[string]int

	quietRemaining int
	pendingEmit    patch.Patch

	settled []*settledReg
}

// New constructs a History adapter.
func New(opts Options) *History {
	quiet := opts.QuietFrames
	if quiet <= 0 {
		quiet = 60
	}
	return &History{
		excluded:       opts.ExcludedFields,
		quietFrames:    quiet,
		maxStackSize:   opts.MaxStackSize,
		mirror:         patch.New(),
		pendingForward: patch.New(),
		pendingInverse: patch.New(),
		pendingEmit:    patch.New(),
		checkpoints:    make(map[string]int),
		quietRemaining: quiet,
	}
}

func (h *History) Init(ctx context.Context) error { return nil }

// Pull flushes whatever undo/redo/checkpoint-revert emitted since the
// last tick as a single History/document mutation.
func (h *History) Pull() []client.Mutation {
	if len(h.pendingEmit) == 0 {
		return nil
	}
	out := h.pendingEmit
	h.pendingEmit = patch.New()
	return []client.Mutation{{Origin: client.OriginHistory, SyncBehavior: client.SyncDocument, Patch: out}}
}

// Push observes every mutation produced this tick. Only ECS-origin
// document mutations are recorded into pending history; mutations of
// other origins still update the mirror so future inverses are derived
// against accurate prior state. Ephemeral and local mutations are
// skipped entirely.
func (h *History) Push(muts []client.Mutation) {
	sawECS := false

	for _, m := range muts {
		if m.SyncBehavior != client.SyncDocument {
			continue
		}
		if m.Origin == client.OriginECS {
			h.recordForward(m.Patch)
			sawECS = true
		} else {
			h.applyToMirror(m.Patch)
		}
	}

	if sawECS {
		h.quietRemaining = h.quietFrames
		h.resetSettled()
		return
	}

	h.tickSettled()
	h.quietRemaining--
	if h.quietRemaining <= 0 {
		h.Commit()
		h.quietRemaining = h.quietFrames
	}
}

func (h *History) Close() error { return nil }

// OnSettled registers a one-shot callback fired after frames consecutive
// pushes with zero ECS mutations.
func (h *History) OnSettled(frames int, cb func()) {
	h.settled = append(h.settled, &settledReg{framesNeeded: frames, cb: cb})
}

func (h *History) resetSettled() {
	for _, s := range h.settled {
		s.elapsed = 0
	}
}

func (h *History) tickSettled() {
	if len(h.settled) == 0 {
		return
	}
	kept := h.settled[:0]
	for _, s := range h.settled {
		s.elapsed++
		if s.elapsed >= s.framesNeeded {
			s.cb()
			continue
		}
		kept = append(kept, s)
	}
	h.settled = kept
}

// CanUndo is true iff the undo stack is non-empty or there is dirty
// pending content not yet committed.
func (h *History) CanUndo() bool {
	return len(h.undoStack) > 0 || len(h.pendingForward) > 0
}

// CanRedo is true iff the redo stack is non-empty.
func (h *History) CanRedo() bool {
	return len(h.redoStack) > 0
}

// Commit pairs whatever is pending into one undo step, after
// sanitizing value-identical no-ops and re-pruning the inverse against
// the (already merge-collapsed) forward.
func (h *History) Commit() {
	if len(h.pendingForward) == 0 && len(h.pendingInverse) == 0 {
		return
	}

	fwd := h.pendingForward
	inv := h.pendingInverse

	for key, fv := range fwd {
		if iv, ok := inv[key]; ok && patch.ValuesEqual(fv, iv) {
			delete(fwd, key)
			delete(inv, key)
		}
	}
	for key := range inv {
		if _, ok := fwd[key]; !ok {
			delete(inv, key)
		}
	}

	h.pendingForward = patch.New()
	h.pendingInverse = patch.New()

	if len(fwd) == 0 {
		return
	}

	h.undoStack = append(h.undoStack, Step{Forward: fwd, Inverse: inv})
	h.redoStack = nil
	h.enforceMaxStackSize()
}

func (h *History) enforceMaxStackSize() {
	if h.maxStackSize <= 0 {
		return
	}
	excess := len(h.undoStack) - h.maxStackSize
	if excess <= 0 {
		return
	}
	h.undoStack = h.undoStack[excess:]
	for id, idx := range h.checkpoints {
		newIdx := idx - excess
		if newIdx < 0 {
			delete(h.checkpoints, id)
		} else {
			h.checkpoints[id] = newIdx
		}
	}
}

// Undo commits any pending changes first, then pops the top undo step,
// re-derives its true redo-forward against the live mirror (so a later
// redo restores exactly the pre-undo state rather than the stale
// post-commit state), applies the step's inverse, and emits it.
func (h *History) Undo() {
	h.Commit()
	if len(h.undoStack) == 0 {
		return
	}

	step := h.undoStack[len(h.undoStack)-1]
	h.undoStack = h.undoStack[:len(h.undoStack)-1]

	redoForward := h.applyAndDeriveInverse(step.Inverse)
	h.redoStack = append(h.redoStack, Step{Forward: redoForward, Inverse: step.Inverse})
	h.emit(step.Inverse)

	h.invalidateCheckpoints(len(h.undoStack))
}

// Redo pops the top redo step, symmetrically re-derives its inverse
// against the live mirror, pushes the pair back onto the undo stack,
// and emits the forward.
func (h *History) Redo() {
	if len(h.redoStack) == 0 {
		return
	}

	step := h.redoStack[len(h.redoStack)-1]
	h.redoStack = h.redoStack[:len(h.redoStack)-1]

	undoInverse := h.applyAndDeriveInverse(step.Forward)
	h.undoStack = append(h.undoStack, Step{Forward: step.Forward, Inverse: undoInverse})
	h.emit(step.Forward)
}

func (h *History) invalidateCheckpoints(newLen int) {
	for id, idx := range h.checkpoints {
		if idx > newLen {
			delete(h.checkpoints, id)
		}
	}
}

// CreateCheckpoint returns a fresh id bound to the current undo stack
// depth.
func (h *History) CreateCheckpoint() string {
	id := uuid.NewString()
	h.checkpoints[id] = len(h.undoStack)
	return id
}

// RevertToCheckpoint commits pending changes, then pops and applies
// every step above the checkpoint's recorded depth, emitting each
// inverse, clears the redo stack, and removes the checkpoint.
func (h *History) RevertToCheckpoint(id string) {
	idx, ok := h.checkpoints[id]
	if !ok {
		return
	}
	h.Commit()

	for len(h.undoStack) > idx {
		step := h.undoStack[len(h.undoStack)-1]
		h.undoStack = h.undoStack[:len(h.undoStack)-1]
		h.applyToMirror(step.Inverse)
		h.emit(step.Inverse)
	}

	h.redoStack = nil
	delete(h.checkpoints, id)
}

// SquashToCheckpoint commits pending changes, then collapses every step
// above the checkpoint's depth into a single combined step (merging
// forwards and inverses separately, re-pruning the inverse against the
// merged forward to keep the create-then-delete collapse consistent).
func (h *History) SquashToCheckpoint(id string) {
	idx, ok := h.checkpoints[id]
	if !ok {
		return
	}
	h.Commit()

	if idx >= len(h.undoStack) {
		delete(h.checkpoints, id)
		return
	}

	removed := append([]Step(nil), h.undoStack[idx:]...)
	h.undoStack = h.undoStack[:idx]

	fwds := make([]patch.Patch, 0, len(removed))
	invs := make([]patch.Patch, 0, len(removed))
	for i := len(removed) - 1; i >= 0; i-- {
		invs = append(invs, removed[i].Inverse)
	}
	for _, s := range removed {
		fwds = append(fwds, s.Forward)
	}

	// Forwards merge in chronological order (net forward effect);
	// inverses merge in reverse-chronological order (unwinding the most
	// recent step first), matching RevertToCheckpoint's pop order.
	mergedFwd := patch.Merge(fwds...)
	mergedInv := patch.Merge(invs...)
	for key := range mergedInv {
		if _, ok := mergedFwd[key]; !ok {
			delete(mergedInv, key)
		}
	}

	if len(mergedFwd) > 0 {
		h.undoStack = append(h.undoStack, Step{Forward: mergedFwd, Inverse: mergedInv})
	}
	delete(h.checkpoints, id)
}

// --- internals ---

func (h *History) emit(p patch.Patch) {
	h.pendingEmit = patch.Merge(h.pendingEmit, p)
}

// recordForward computes, for each key in p, the inverse against the
// mirror's current value, applies p to the mirror, strips excluded
// fields from both sides (except an inverse that restores a deletion,
// which always keeps every field), and accumulates both into the
// pending batch.
func (h *History) recordForward(p patch.Patch) {
	for key, val := range p {
		prior, hadPrior := h.mirror[key]
		inv := computeInverse(val, prior, hadPrior)

		h.applyKeyToMirror(key, val)

		compName := componentName(key)
		excluded := h.excluded[compName]

		fwd := stripExcluded(val, excluded)
		invStripped := inv
		if !(inv.HasExists() && inv.Exists()) {
			invStripped = stripExcluded(inv, excluded)
		}

		if len(fwd) > 0 {
			h.pendingForward = patch.Merge(h.pendingForward, patch.Patch{key: fwd})
		}
		if _, already := h.pendingInverse[key]; !already && len(invStripped) > 0 {
			h.pendingInverse[key] = invStripped
		}
	}
}

// applyAndDeriveInverse applies p to the mirror and, for each key,
// returns the patch that would exactly reverse it given the mirror
// state as it stood immediately before this call.
func (h *History) applyAndDeriveInverse(p patch.Patch) patch.Patch {
	out := make(patch.Patch, len(p))
	for key, val := range p {
		prior, hadPrior := h.mirror[key]
		inv := computeInverse(val, prior, hadPrior)
		h.applyKeyToMirror(key, val)
		out[key] = inv
	}
	return out
}

func (h *History) applyToMirror(p patch.Patch) {
	for key, val := range p {
		h.applyKeyToMirror(key, val)
	}
}

func (h *History) applyKeyToMirror(key string, val patch.ComponentValue) {
	if val.IsTombstone() {
		h.mirror[key] = val.Clone()
		return
	}
	if val.HasExists() {
		h.mirror[key] = val.Clone()
		return
	}
	existing, ok := h.mirror[key]
	if !ok || existing.IsTombstone() {
		h.mirror[key] = val.Clone()
		return
	}
	merged := existing.Clone()
	for f, v := range val {
		merged[f] = v
	}
	h.mirror[key] = merged
}

// computeInverse derives the value that exactly reverses forward, given
// the mirror's prior value (and whether one existed) before forward is
// applied.
func computeInverse(forward, prior patch.ComponentValue, hadPrior bool) patch.ComponentValue {
	priorHasValue := hadPrior && !prior.IsTombstone()

	switch {
	case forward.IsTombstone():
		if priorHasValue {
			inv := prior.Clone()
			inv["_exists"] = true
			return inv
		}
		// deleting something already absent/deleted: no real prior to
		// restore, inverse is itself a no-op tombstone.
		return patch.ComponentValue{"_exists": false}

	case forward.HasExists(): // full create/replace
		if !priorHasValue {
			return patch.ComponentValue{"_exists": false}
		}
		inv := prior.Clone()
		inv["_exists"] = true
		return inv

	default: // partial update
		inv := make(patch.ComponentValue)
		for f := range forward {
			if priorHasValue {
				if pv, ok := prior[f]; ok {
					inv[f] = pv
				}
			}
		}
		return inv
	}
}

func stripExcluded(val patch.ComponentValue, excluded map[string]bool) patch.ComponentValue {
	if len(excluded) == 0 {
		return val
	}
	out := make(patch.ComponentValue, len(val))
	for f, v := range val {
		if excluded[f] {
			continue
		}
		out[f] = v
	}
	return out
}

// componentName extracts the component name from a "<id>/<component>"
// or "SINGLETON/<name>" key.
func componentName(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[i+1:]
		}
	}
	return key
}
