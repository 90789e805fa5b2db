// Package patch implements the pure patch algebra that every other
// component in the sync core is built on: merge, subtract, strip and
// diff over keyed component records.
package patch

import "reflect"

// ComponentValue is a single component's field->value map, plus the two
// reserved fields that every other package switches on:
//
//	_exists  bool        presence flag; false is a tombstone
//	_version interface{} schema version tag owned by the migration collaborator
//
// Absence of "_exists" denotes a partial update: only the listed fields
// are merged into whatever already exists at that key.
type ComponentValue map[string]interface{}

// Patch maps "<stableEntityId>/<componentName>" or "SINGLETON/<name>"
// keys to component values.
type Patch map[string]ComponentValue

// Exists reports the component value's _exists flag. A value with no
// _exists field is a partial update and is treated as "exists" for the
// purposes of tombstone/create checks.
func (c ComponentValue) Exists() bool {
	v, ok := c["_exists"]
	if !ok {
		return true
	}
	b, _ := v.(bool)
	return b
}

// HasExists reports whether the _exists field is present at all, i.e.
// whether this value is a full replacement (true/false) rather than a
// partial update.
func (c ComponentValue) HasExists() bool {
	_, ok := c["_exists"]
	return ok
}

// IsTombstone reports whether this value is a full replacement marking
// the key deleted.
func (c ComponentValue) IsTombstone() bool {
	return c.HasExists() && !c.Exists()
}

// Clone returns a shallow copy of the component value.
func (c ComponentValue) Clone() ComponentValue {
	if c == nil {
		return nil
	}
	out := make(ComponentValue, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Clone returns a deep-enough copy of the patch: each component value is
// cloned, field values are shared (they are treated as immutable once
// placed in a patch).
func (p Patch) Clone() Patch {
	if p == nil {
		return nil
	}
	out := make(Patch, len(p))
	for k, v := range p {
		out[k] = v.Clone()
	}
	return out
}

// New constructs an empty patch, convenient for accumulation call sites.
func New() Patch {
	return make(Patch)
}

// Merge left-to-right folds patches into one. For each key:
//   - a tombstone overrides any prior value;
//   - a full value (_exists:true) replaces any prior tombstone or partial;
//   - a partial update (_exists absent) is field-merged into whatever
//     value already exists at that key (later fields win);
//   - a key introduced by a full _exists:true entry and later tombstoned
//     within the same merge call is dropped entirely (create-then-delete
//     collapses to a no-op).
func Merge(patches ...Patch) Patch {
	out := make(Patch)
	created := make(map[string]bool)

	for _, p := range patches {
		for key, val := range p {
			existing, hasExisting := out[key]

			switch {
			case val.IsTombstone():
				if created[key] {
					delete(out, key)
					delete(created, key)
					continue
				}
				out[key] = val.Clone()

			case val.HasExists(): // full _exists:true
				out[key] = val.Clone()
				if !hasExisting || existing.IsTombstone() {
					created[key] = true
				}

			default: // partial update
				if !hasExisting || existing.IsTombstone() {
					out[key] = val.Clone()
					continue
				}
				merged := existing.Clone()
				for f, v := range val {
					merged[f] = v
				}
				out[key] = merged
			}
		}
	}

	return out
}

// Subtract returns the portion of a that is not already expressed by b,
// compared field-value by field-value with deep structural equality. A
// tombstone in a is dropped iff b also tombstones the same key.
func Subtract(a, b Patch) Patch {
	out := make(Patch)

	for key, av := range a {
		bv, inB := b[key]

		if av.IsTombstone() {
			if inB && bv.IsTombstone() {
				continue
			}
			out[key] = av.Clone()
			continue
		}

		if !inB {
			out[key] = av.Clone()
			continue
		}

		diffFields := make(ComponentValue)
		for f, v := range av {
			bf, ok := bv[f]
			if !ok || !deepEqual(v, bf) {
				diffFields[f] = v
			}
		}
		if len(diffFields) > 0 {
			out[key] = diffFields
		}
	}

	return out
}

// Strip returns a minus any keys/fields present in mask, regardless of
// mask's values. Tombstones in a always pass through unmodified; a key
// that is a tombstone in mask is dropped from a entirely.
func Strip(a, mask Patch) Patch {
	out := make(Patch)

	for key, av := range a {
		mv, inMask := mask[key]
		if !inMask {
			out[key] = av.Clone()
			continue
		}

		if av.IsTombstone() {
			out[key] = av.Clone()
			continue
		}

		if mv.IsTombstone() {
			continue
		}

		remaining := make(ComponentValue)
		for f, v := range av {
			if _, masked := mv[f]; !masked {
				remaining[f] = v
			}
		}
		if len(remaining) > 0 {
			out[key] = remaining
		}
	}

	return out
}

// Diff computes the minimal partial update that, merged into prev,
// yields next. Returns nil if next is identical to prev for every key
// (no-op).
func Diff(prev, next Patch) Patch {
	out := make(Patch)

	keys := make(map[string]struct{}, len(prev)+len(next))
	for k := range prev {
		keys[k] = struct{}{}
	}
	for k := range next {
		keys[k] = struct{}{}
	}

	for key := range keys {
		pv, hasPrev := prev[key]
		nv, hasNext := next[key]

		prevExists := hasPrev && pv.Exists()
		nextExists := hasNext && nv.Exists()

		switch {
		case !prevExists && !nextExists:
			// both deleted/absent: nothing to do unless next explicitly
			// tombstones a key prev never mentioned.
			if hasNext && nv.IsTombstone() && !hasPrev {
				out[key] = ComponentValue{"_exists": false}
			}
		case !prevExists && nextExists:
			out[key] = nv.Clone()
		case prevExists && !nextExists:
			out[key] = ComponentValue{"_exists": false}
		default:
			fields := make(ComponentValue)
			for f, v := range nv {
				pf, ok := pv[f]
				if !ok || !deepEqual(pf, v) {
					fields[f] = v
				}
			}
			if len(fields) > 0 {
				out[key] = fields
			}
		}
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

// deepEqual compares two decoded-JSON-shaped values, treating numeric
// types produced by different encode/decode paths (float64 vs int) as
// equal when they represent the same quantity, and comparing arrays
// element-wise.
func deepEqual(a, b interface{}) bool {
	an, aIsNum := asFloat(a)
	bn, bIsNum := asFloat(b)
	if aIsNum && bIsNum {
		return an == bn
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
