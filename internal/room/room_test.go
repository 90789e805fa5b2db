package room

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecs-sync-core/internal/storage/memory"
)

// fakeConn records every frame sent to it.
type fakeConn struct {
	frames [][]byte
	closed bool
}

func (c *fakeConn) Send(frame string) error {
	c.frames = append(c.frames, []byte(frame))
	return nil
}
func (c *fakeConn) Close() error { c.closed = true; return nil }

func (c *fakeConn) last() map[string]interface{} {
	if len(c.frames) == 0 {
		return nil
	}
	var m map[string]interface{}
	_ = json.Unmarshal(c.frames[len(c.frames)-1], &m)
	return m
}

func newTestRoom(t *testing.T) *Room {
	t.Helper()
	r := New(Options{
		RoomID:          "test-room",
		Storage:         memory.New(),
		SaveThrottle:    50 * time.Millisecond,
		ProtocolVersion: 1,
	})
	require.NoError(t, r.Load(context.Background()))
	t.Cleanup(func() { r.Close(context.Background()) })
	return r
}

func TestBasicBroadcastScenario(t *testing.T) {
	r := newTestRoom(t)

	connA := &fakeConn{}
	sessA := r.HandleConnect("A", connA, PermissionReadWrite)

	r.HandleMessage(sessA, `{"type":"patch","messageId":"m1","documentPatches":[{"e1/Pos":{"_exists":true,"x":10,"y":20}}]}`)

	ack := connA.last()
	require.NotNil(t, ack)
	assert.Equal(t, "ack", ack["type"])
	assert.Equal(t, "m1", ack["messageId"])
	assert.Equal(t, float64(1), ack["timestamp"])

	snap := r.GetSnapshot()
	assert.Equal(t, int64(1), snap.Timestamp)
	require.Contains(t, snap.State, "e1/Pos")
	assert.Equal(t, 10.0, snap.State["e1/Pos"]["x"])
}

func TestReconnectDiffOnlyIncludesNewerFields(t *testing.T) {
	r := newTestRoom(t)

	connA := &fakeConn{}
	sessA := r.HandleConnect("A", connA, PermissionReadWrite)
	r.HandleMessage(sessA, `{"type":"patch","messageId":"m1","documentPatches":[{"e1/Pos":{"_exists":true,"x":10,"y":20}}]}`)
	r.HandleMessage(sessA, `{"type":"patch","messageId":"m2","documentPatches":[{"e2/Vel":{"_exists":true,"dx":1}}]}`)

	connB := &fakeConn{}
	sessB := r.HandleConnect("B", connB, PermissionReadWrite)
	connB.frames = nil // discard the connect-time clientCount broadcast (no ephemeral snapshot is sent: it is empty)

	r.HandleMessage(sessB, `{"type":"reconnect","lastTimestamp":1,"protocolVersion":1}`)

	msg := connB.last()
	require.NotNil(t, msg)
	assert.Equal(t, "patch", msg["type"])

	docPatches := msg["documentPatches"].([]interface{})
	require.Len(t, docPatches, 1)
	first := docPatches[0].(map[string]interface{})
	assert.Contains(t, first, "e2/Vel")
	assert.NotContains(t, first, "e1/Pos")
}

func TestPartialFieldMergeTimestamps(t *testing.T) {
	r := newTestRoom(t)
	connA := &fakeConn{}
	sessA := r.HandleConnect("A", connA, PermissionReadWrite)

	r.HandleMessage(sessA, `{"type":"patch","messageId":"m1","documentPatches":[{"e1/Pos":{"_exists":true,"x":10,"y":20}}]}`)
	r.HandleMessage(sessA, `{"type":"patch","messageId":"m2","documentPatches":[{"e1/Pos":{"x":30}}]}`)

	snap := r.GetSnapshot()
	assert.Equal(t, 30.0, snap.State["e1/Pos"]["x"])
	assert.Equal(t, 20.0, snap.State["e1/Pos"]["y"])
	assert.Equal(t, int64(2), snap.Timestamps["e1/Pos"]["x"])
	assert.Equal(t, int64(1), snap.Timestamps["e1/Pos"]["y"])
}

func TestTombstoneFilteredFromSnapshot(t *testing.T) {
	r := newTestRoom(t)
	connA := &fakeConn{}
	sessA := r.HandleConnect("A", connA, PermissionReadWrite)

	r.HandleMessage(sessA, `{"type":"patch","messageId":"m1","documentPatches":[{"e1/Pos":{"_exists":true,"x":10}}]}`)
	r.HandleMessage(sessA, `{"type":"patch","messageId":"m2","documentPatches":[{"e1/Pos":{"_exists":false}}]}`)

	snap := r.GetSnapshot()
	assert.NotContains(t, snap.State, "e1/Pos")
	assert.Equal(t, int64(2), snap.Timestamps["e1/Pos"]["_exists"])
}

func TestEphemeralConnectAndDisconnect(t *testing.T) {
	r := newTestRoom(t)

	connA := &fakeConn{}
	sessA := r.HandleConnect("alice", connA, PermissionReadWrite)
	r.HandleMessage(sessA, `{"type":"patch","messageId":"m1","ephemeralPatches":[{"alice/Cursor":{"_exists":true,"x":50,"y":100}}]}`)

	connB := &fakeConn{}
	r.HandleConnect("bob", connB, PermissionReadWrite)

	// The ephemeral snapshot is sent before the clientCount broadcast.
	require.NotEmpty(t, connB.frames)
	var first map[string]interface{}
	_ = json.Unmarshal(connB.frames[0], &first)
	require.NotNil(t, first)
	ephPatches := first["ephemeralPatches"].([]interface{})
	require.Len(t, ephPatches, 1)
	cursor := ephPatches[0].(map[string]interface{})
	require.Contains(t, cursor, "alice/Cursor")

	framesBeforeClose := len(connB.frames)
	r.HandleClose(sessA)

	// The tombstone patch is the first frame after close, ahead of the
	// clientCount broadcast.
	require.Greater(t, len(connB.frames), framesBeforeClose)
	var last map[string]interface{}
	_ = json.Unmarshal(connB.frames[framesBeforeClose], &last)
	require.NotNil(t, last)
	assert.Equal(t, "alice", last["clientId"])
	deletion := last["ephemeralPatches"].([]interface{})[0].(map[string]interface{})
	aliceCursor := deletion["alice/Cursor"].(map[string]interface{})
	assert.Equal(t, false, aliceCursor["_exists"])
}

func TestReadonlyEnforcement(t *testing.T) {
	r := newTestRoom(t)
	connA := &fakeConn{}
	sessA := r.HandleConnect("A", connA, PermissionReadOnly)

	r.HandleMessage(sessA, `{"type":"patch","messageId":"m1","documentPatches":[{"e1/Pos":{"_exists":true,"x":10}}]}`)

	ack := connA.last()
	require.NotNil(t, ack)
	assert.Equal(t, "ack", ack["type"])

	snap := r.GetSnapshot()
	assert.NotContains(t, snap.State, "e1/Pos")
}

func TestEmptyPatchRequestIgnored(t *testing.T) {
	r := newTestRoom(t)
	connA := &fakeConn{}
	sessA := r.HandleConnect("A", connA, PermissionReadWrite)

	framesBefore := len(connA.frames) // the clientCount broadcast on connect
	r.HandleMessage(sessA, `{"type":"patch","messageId":"m1"}`)
	assert.Len(t, connA.frames, framesBefore)
}
