package patch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergePartialFieldMerge(t *testing.T) {
	a := Patch{"e1/Pos": {"_exists": true, "x": 10.0, "y": 20.0}}
	b := Patch{"e1/Pos": {"x": 30.0}}

	got := Merge(a, b)
	require.Contains(t, got, "e1/Pos")
	assert.Equal(t, 30.0, got["e1/Pos"]["x"])
	assert.Equal(t, 20.0, got["e1/Pos"]["y"])
	assert.Equal(t, true, got["e1/Pos"]["_exists"])
}

func TestMergeTombstoneOverridesValue(t *testing.T) {
	a := Patch{"e1/Pos": {"_exists": true, "x": 1.0}}
	b := Patch{"e1/Pos": {"_exists": false}}

	got := Merge(a, b)
	require.Contains(t, got, "e1/Pos")
	assert.True(t, got["e1/Pos"].IsTombstone())
}

func TestMergeCreateThenDeleteCollapses(t *testing.T) {
	a := Patch{"e1/Pos": {"_exists": true, "x": 1.0}}
	b := Patch{"e1/Pos": {"_exists": false}}

	got := Merge(Merge(a, b))
	assert.NotContains(t, got, "e1/Pos")
}

func TestMergeIdempotentForIdenticalPatches(t *testing.T) {
	a := Patch{"e1/Pos": {"_exists": true, "x": 1.0}}
	assert.Equal(t, Merge(a), Merge(a, a))
}

func TestMergeAssociative(t *testing.T) {
	a := Patch{"e1/Pos": {"_exists": true, "x": 1.0}}
	b := Patch{"e1/Pos": {"x": 2.0}}
	c := Patch{"e1/Pos": {"y": 3.0}}

	left := Merge(a, Merge(b, c))
	right := Merge(Merge(a, b), c)
	assert.Equal(t, right, left)
}

func TestSubtractFieldLevel(t *testing.T) {
	a := Patch{"e1/Pos": {"x": 10.0, "y": 20.0}}
	b := Patch{"e1/Pos": {"x": 10.0}}

	got := Subtract(a, b)
	require.Contains(t, got, "e1/Pos")
	assert.Equal(t, 20.0, got["e1/Pos"]["y"])
	assert.NotContains(t, got["e1/Pos"], "x")
}

func TestSubtractDropsMatchingTombstone(t *testing.T) {
	a := Patch{"e1/Pos": {"_exists": false}}
	b := Patch{"e1/Pos": {"_exists": false}}

	got := Subtract(a, b)
	assert.NotContains(t, got, "e1/Pos")
}

func TestSubtractArraysElementwise(t *testing.T) {
	a := Patch{"e1/Pos": {"pts": []interface{}{1.0, 2.0}}}
	b := Patch{"e1/Pos": {"pts": []interface{}{1.0, 2.0}}}

	got := Subtract(a, b)
	assert.NotContains(t, got, "e1/Pos")
}

func TestStripDropsMaskedFields(t *testing.T) {
	a := Patch{"e1/Pos": {"x": 10.0, "y": 20.0}}
	mask := Patch{"e1/Pos": {"x": nil}}

	got := Strip(a, mask)
	require.Contains(t, got, "e1/Pos")
	assert.NotContains(t, got["e1/Pos"], "x")
	assert.Contains(t, got["e1/Pos"], "y")
}

func TestStripTombstoneInAPassesThrough(t *testing.T) {
	a := Patch{"e1/Pos": {"_exists": false}}
	mask := Patch{"e1/Pos": {"x": 1.0}}

	got := Strip(a, mask)
	require.Contains(t, got, "e1/Pos")
	assert.True(t, got["e1/Pos"].IsTombstone())
}

func TestStripTombstoneInMaskDropsKey(t *testing.T) {
	a := Patch{"e1/Pos": {"x": 10.0}}
	mask := Patch{"e1/Pos": {"_exists": false}}

	got := Strip(a, mask)
	assert.NotContains(t, got, "e1/Pos")
}

func TestDiffAddDeleteUpdate(t *testing.T) {
	prev := Patch{}
	next := Patch{"e1/Pos": {"_exists": true, "x": 1.0}}
	got := Diff(prev, next)
	require.NotNil(t, got)
	assert.Equal(t, next["e1/Pos"], got["e1/Pos"])

	prev = Patch{"e1/Pos": {"_exists": true, "x": 1.0}}
	next = Patch{}
	got = Diff(prev, next)
	require.NotNil(t, got)
	assert.True(t, got["e1/Pos"].IsTombstone())

	prev = Patch{"e1/Pos": {"_exists": true, "x": 1.0, "y": 2.0}}
	next = Patch{"e1/Pos": {"_exists": true, "x": 9.0, "y": 2.0}}
	got = Diff(prev, next)
	require.NotNil(t, got)
	assert.Equal(t, 9.0, got["e1/Pos"]["x"])
	assert.NotContains(t, got["e1/Pos"], "y")
}

func TestDiffNoopReturnsNil(t *testing.T) {
	prev := Patch{"e1/Pos": {"_exists": true, "x": 1.0}}
	next := Patch{"e1/Pos": {"_exists": true, "x": 1.0}}
	assert.Nil(t, Diff(prev, next))
}
