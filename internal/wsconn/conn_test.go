package wsconn

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"ecs-sync-core/internal/room"
	"ecs-sync-core/internal/storage/memory"
)

func newTestServer(t *testing.T) (*httptest.Server, *room.Registry) {
	t.Helper()
	reg := room.NewRegistry(room.RegistryOptions{Storage: memory.New()})
	h := &Handler{Lookup: reg.GetOrCreate}
	ts := httptest.NewServer(h)
	t.Cleanup(func() {
		ts.Close()
		reg.CloseAll()
	})
	return ts, reg
}

func dial(t *testing.T, ts *httptest.Server, roomID, clientID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?roomId=" + roomID + "&clientId=" + clientID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestPatchRoundTripOverWebsocket(t *testing.T) {
	ts, _ := newTestServer(t)

	conn := dial(t, ts, "room1", "clientA")
	defer conn.Close()

	msg := `{"type":"patch","messageId":"m1","documentPatches":[{"e1/Pos":{"_exists":true,"x":1}}]}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	// The clientCount broadcast sent on join arrives before the ack.
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), `"type":"clientCount"`)

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), `"type":"ack"`)
	require.Contains(t, string(data), `"messageId":"m1"`)
}

func TestMissingClientIDRejected(t *testing.T) {
	ts, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?roomId=room1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "expected policy-violation close, got %v", err)
}

func TestSecondClientReceivesBroadcast(t *testing.T) {
	ts, _ := newTestServer(t)

	a := dial(t, ts, "room1", "clientA")
	defer a.Close()
	b := dial(t, ts, "room1", "clientB")
	defer b.Close()

	// Both connections receive clientCount broadcasts on join; the read
	// loop below skips them while looking for the patch broadcast.
	a.SetReadDeadline(time.Now().Add(2 * time.Second))
	b.SetReadDeadline(time.Now().Add(2 * time.Second))

	msg := `{"type":"patch","messageId":"m1","documentPatches":[{"e1/Pos":{"_exists":true,"x":5}}]}`
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(msg)))

	found := false
	for i := 0; i < 5 && !found; i++ {
		_, data, err := b.ReadMessage()
		require.NoError(t, err)
		if strings.Contains(string(data), `"type":"patch"`) && strings.Contains(string(data), "e1/Pos") {
			found = true
		}
	}
	require.True(t, found, "clientB should observe clientA's patch broadcast")
}
