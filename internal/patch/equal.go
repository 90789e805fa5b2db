package patch

// ValuesEqual reports whether two component values are field-for-field
// equal, using deep structural comparison (numeric-type normalized).
// Comparison is independent of map iteration order, unlike a naive
// JSON-stringify comparison would be.
func ValuesEqual(a, b ComponentValue) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || !deepEqual(v, bv) {
			return false
		}
	}
	return true
}
