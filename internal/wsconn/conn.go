// Package wsconn bridges a gorilla/websocket connection to the room
// controller: one readPump/writePump goroutine pair per connection,
// adapted from the original server's flat hub-broadcast socket layer
// but wired to internal/room instead of a single global hub.
package wsconn

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"ecs-sync-core/internal/room"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// RoomLookup resolves a roomID to its controller, creating it lazily.
type RoomLookup func(ctx context.Context, roomID string) (*room.Room, error)

// PermissionResolver maps an already-authenticated token to a
// permission level; authentication itself is out of scope here.
type PermissionResolver func(r *http.Request, roomID, clientID string) room.Permission

// roomConn adapts a *websocket.Conn to room.Conn.
type roomConn struct {
	send chan []byte
	conn *websocket.Conn
}

func (c *roomConn) Send(frame string) error {
	select {
	case c.send <- []byte(frame):
		return nil
	default:
		return websocket.ErrCloseSent
	}
}

func (c *roomConn) Close() error {
	return c.conn.Close()
}

// Handler upgrades an HTTP request to a WebSocket connection, resolves
// the target room, and wires the connection in as a session.
type Handler struct {
	Lookup     RoomLookup
	Permission PermissionResolver
	Log        *logrus.Entry
}

// ServeHTTP implements http.Handler for use behind gin.WrapF, or
// directly with net/http.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("roomId")
	clientID := r.URL.Query().Get("clientId")
	if roomID == "" {
		http.Error(w, "missing roomId query parameter", http.StatusBadRequest)
		return
	}

	log := h.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	if clientID == "" {
		// Reject with a policy-violation close frame after the upgrade.
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Warn("websocket upgrade failed")
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "missing clientId"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	rm, err := h.Lookup(r.Context(), roomID)
	if err != nil {
		log.WithError(err).WithField("room_id", roomID).Warn("failed to resolve room")
		http.Error(w, "failed to open room", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	permission := room.PermissionReadWrite
	if h.Permission != nil {
		permission = h.Permission(r, roomID, clientID)
	}

	rc := &roomConn{send: make(chan []byte, 256), conn: conn}
	sessionID := rm.HandleConnect(clientID, rc, permission)

	entry := log.WithFields(logrus.Fields{"room_id": roomID, "client_id": clientID, "session_id": sessionID})

	go writePump(rc, entry)
	go readPump(rm, rc, sessionID, entry)
}

func readPump(rm *room.Room, c *roomConn, sessionID string, log *logrus.Entry) {
	defer func() {
		rm.HandleClose(sessionID)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Warn("websocket read error")
			}
			return
		}
		rm.HandleMessage(sessionID, string(message))
	}
}

func writePump(c *roomConn, log *logrus.Entry) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
