// Package room implements the authoritative per-document room
// controller: timestamp assignment, broadcast, reconnect catch-up and
// throttled persistence (spec.md §4.2).
package room

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ecs-sync-core/internal/metrics"
	"ecs-sync-core/internal/patch"
	"ecs-sync-core/internal/storage"
)

// Conn is the minimal duplex connection handle the room controller
// needs from whatever is terminating the actual socket. Errors from
// Send must never propagate out of the controller.
type Conn interface {
	Send(frame string) error
	Close() error
}

// Session is the server's bookkeeping for one connected client.
type Session struct {
	ID         string
	ClientID   string
	Conn       Conn
	Permission Permission
}

// Options configures a Room at construction.
type Options struct {
	RoomID          string
	Storage         storage.Backend
	SaveThrottle    time.Duration
	ProtocolVersion int
	// OnSessionRemoved is invoked after a session is fully torn down,
	// with the number of sessions remaining in the room.
	OnSessionRemoved func(remaining int)
}

// Room is the authoritative per-document state plus its single-goroutine
// command loop. All public methods are safe to call concurrently: they
// enqueue work onto the loop goroutine and block for its result, so the
// actual state mutation always happens on one logical thread.
type Room struct {
	id               string
	store            storage.Backend
	saveThrottle     time.Duration
	protocolVersion  int
	onSessionRemoved func(remaining int)
	log              *logrus.Entry

	cmds chan func()
	done chan struct{}

	// --- state, touched only from the loop goroutine ---
	timestamp      int64
	state          map[string]patch.ComponentValue
	timestamps     map[string]map[string]int64
	ephemeralState map[string]patch.Patch
	sessions       map[string]*Session

	saveTimer *time.Timer
	closed    bool
}

// New constructs a Room. Callers must call Load before serving traffic.
func New(opts Options) *Room {
	throttle := opts.SaveThrottle
	if throttle <= 0 {
		throttle = 10 * time.Second
	}

	r := &Room{
		id:               opts.RoomID,
		store:            opts.Storage,
		saveThrottle:     throttle,
		protocolVersion:  opts.ProtocolVersion,
		onSessionRemoved: opts.OnSessionRemoved,
		log:              logrus.WithField("room_id", opts.RoomID),

		cmds: make(chan func(), 64),
		done: make(chan struct{}),

		state:          make(map[string]patch.ComponentValue),
		timestamps:     make(map[string]map[string]int64),
		ephemeralState: make(map[string]patch.Patch),
		sessions:       make(map[string]*Session),
	}

	go r.loop()
	return r
}

func (r *Room) loop() {
	for {
		select {
		case fn := <-r.cmds:
			fn()
		case <-r.done:
			return
		}
	}
}

// run enqueues fn onto the room's single command loop and blocks until
// it has executed.
func (r *Room) run(fn func()) {
	result := make(chan struct{})
	r.cmds <- func() {
		fn()
		close(result)
	}
	<-result
}

// Load populates the room's state from storage. Must be called once,
// before HandleConnect, by the room registry.
func (r *Room) Load(ctx context.Context) error {
	snap, err := r.store.Load(ctx, r.id)
	if err != nil {
		r.log.WithError(err).Warn("failed to load room snapshot, starting empty")
		return nil
	}

	r.run(func() {
		r.timestamp = snap.Timestamp
		for key, fields := range snap.State {
			r.state[key] = patch.ComponentValue(fields)
		}
		for key, fields := range snap.Timestamps {
			r.timestamps[key] = fields
		}
	})
	return nil
}

// HandleConnect registers a new session, sends it the existing
// ephemeral snapshot from every other client, and broadcasts the
// updated session count. Returns the opaque session id.
func (r *Room) HandleConnect(clientID string, conn Conn, permission Permission) string {
	sessionID := uuid.NewString()

	r.run(func() {
		r.sessions[sessionID] = &Session{
			ID:         sessionID,
			ClientID:   clientID,
			Conn:       conn,
			Permission: permission,
		}

		snapshot := r.buildEphemeralSnapshot(clientID)
		if len(snapshot) > 0 {
			r.sendTo(conn, patchBroadcast{
				Type:             "patch",
				EphemeralPatches: []patch.Patch{snapshot},
				ClientID:         "",
				Timestamp:        r.timestamp,
			})
		}

		r.broadcastClientCount()
		metrics.RoomSessions.WithLabelValues(r.id).Set(float64(len(r.sessions)))
		r.log.WithFields(logrus.Fields{"client_id": clientID, "session_id": sessionID}).Info("session connected")
	})

	return sessionID
}

// HandleMessage parses and dispatches one raw client frame. Unknown or
// malformed messages are silently dropped.
func (r *Room) HandleMessage(sessionID string, raw string) {
	r.run(func() {
		sess, ok := r.sessions[sessionID]
		if !ok {
			return
		}

		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			r.log.WithError(err).Debug("dropping malformed frame")
			return
		}

		switch env.Type {
		case "patch":
			var req patchRequest
			if err := json.Unmarshal([]byte(raw), &req); err != nil {
				r.log.WithError(err).Debug("dropping malformed patch request")
				return
			}
			r.handlePatch(sess, req)
		case "reconnect":
			var req reconnectRequest
			if err := json.Unmarshal([]byte(raw), &req); err != nil {
				r.log.WithError(err).Debug("dropping malformed reconnect request")
				return
			}
			r.handleReconnect(sess, req)
		default:
			r.log.WithField("type", env.Type).Debug("dropping unknown message type")
		}
	})
}

func (r *Room) handlePatch(sess *Session, req patchRequest) {
	hasDoc := len(req.DocumentPatches) > 0
	hasEph := len(req.EphemeralPatches) > 0
	if !hasDoc && !hasEph {
		return
	}

	if sess.Permission == PermissionReadWrite {
		appliedDoc := false
		if hasDoc {
			r.timestamp++
			for _, p := range req.DocumentPatches {
				r.applyDocumentPatch(p, r.timestamp)
			}
			appliedDoc = true
		}
		if hasEph {
			r.applyEphemeralPatch(sess.ClientID, req.EphemeralPatches)
		}

		broadcast := patchBroadcast{
			Type:      "patch",
			ClientID:  sess.ClientID,
			Timestamp: r.timestamp,
		}
		if hasDoc {
			broadcast.DocumentPatches = req.DocumentPatches
		}
		if hasEph {
			broadcast.EphemeralPatches = req.EphemeralPatches
		}
		r.broadcastExcept(sess.ID, broadcast)

		if appliedDoc {
			metrics.RoomPatchesApplied.WithLabelValues(r.id).Inc()
			r.scheduleSave()
		}
	}

	r.sendTo(sess.Conn, ackResponse{
		Type:      "ack",
		MessageID: req.MessageID,
		Timestamp: r.timestamp,
	})
}

func (r *Room) handleReconnect(sess *Session, req reconnectRequest) {
	if req.ProtocolVersion != 0 && req.ProtocolVersion != r.protocolVersion {
		r.sendTo(sess.Conn, versionMismatch{
			Type:                  "version-mismatch",
			ServerProtocolVersion: r.protocolVersion,
		})
	}

	if sess.Permission == PermissionReadWrite {
		hasDoc := len(req.DocumentPatches) > 0
		hasEph := len(req.EphemeralPatches) > 0

		if hasDoc {
			r.timestamp++
			for _, p := range req.DocumentPatches {
				r.applyDocumentPatch(p, r.timestamp)
			}
		}
		if hasEph {
			r.applyEphemeralPatch(sess.ClientID, req.EphemeralPatches)
		}

		if hasDoc || hasEph {
			broadcast := patchBroadcast{
				Type:      "patch",
				ClientID:  sess.ClientID,
				Timestamp: r.timestamp,
			}
			if hasDoc {
				broadcast.DocumentPatches = req.DocumentPatches
			}
			if hasEph {
				broadcast.EphemeralPatches = req.EphemeralPatches
			}
			r.broadcastExcept(sess.ID, broadcast)
		}
		if hasDoc {
			r.scheduleSave()
		}
	}

	diff := r.buildDiff(req.LastTimestamp)
	othersEph := r.buildEphemeralSnapshot(sess.ClientID)

	if len(diff) == 0 && len(othersEph) == 0 {
		return
	}

	response := patchBroadcast{
		Type:      "patch",
		ClientID:  "",
		Timestamp: r.timestamp,
	}
	if len(diff) > 0 {
		response.DocumentPatches = []patch.Patch{diff}
	}
	if len(othersEph) > 0 {
		response.EphemeralPatches = []patch.Patch{othersEph}
	}
	r.sendTo(sess.Conn, response)
}

// HandleClose and HandleError both tear a session down identically; the
// core makes no distinction between a clean close and a socket error.
func (r *Room) HandleClose(sessionID string) { r.removeSession(sessionID) }
func (r *Room) HandleError(sessionID string) { r.removeSession(sessionID) }

func (r *Room) removeSession(sessionID string) {
	r.run(func() {
		sess, ok := r.sessions[sessionID]
		if !ok {
			return
		}
		delete(r.sessions, sessionID)

		if ephPatch, ok := r.ephemeralState[sess.ClientID]; ok {
			deletion := make(patch.Patch, len(ephPatch))
			for key := range ephPatch {
				deletion[key] = patch.ComponentValue{"_exists": false}
			}
			delete(r.ephemeralState, sess.ClientID)

			if len(deletion) > 0 {
				r.broadcastAll(patchBroadcast{
					Type:             "patch",
					EphemeralPatches: []patch.Patch{deletion},
					ClientID:         sess.ClientID,
					Timestamp:        r.timestamp,
				})
			}
		}

		r.broadcastClientCount()
		metrics.RoomSessions.WithLabelValues(r.id).Set(float64(len(r.sessions)))
		r.log.WithFields(logrus.Fields{"client_id": sess.ClientID, "session_id": sessionID}).Info("session removed")

		if r.onSessionRemoved != nil {
			r.onSessionRemoved(len(r.sessions))
		}
	})
}

// GetSnapshot returns a tombstone-filtered snapshot of document state.
func (r *Room) GetSnapshot() Snapshot {
	var out Snapshot
	r.run(func() {
		out = Snapshot{
			Timestamp:  r.timestamp,
			State:      make(map[string]patch.ComponentValue, len(r.state)),
			Timestamps: make(map[string]map[string]int64, len(r.timestamps)),
		}
		for key, val := range r.state {
			if val.IsTombstone() {
				continue
			}
			out.State[key] = val.Clone()
		}
		for key, fields := range r.timestamps {
			cp := make(map[string]int64, len(fields))
			for f, ts := range fields {
				cp[f] = ts
			}
			out.Timestamps[key] = cp
		}
	})
	return out
}

// SetPermission updates a session's access level.
func (r *Room) SetPermission(sessionID string, p Permission) {
	r.run(func() {
		if sess, ok := r.sessions[sessionID]; ok {
			sess.Permission = p
		}
	})
}

// GetPermission returns a session's current access level.
func (r *Room) GetPermission(sessionID string) (Permission, bool) {
	var p Permission
	var ok bool
	r.run(func() {
		var sess *Session
		sess, ok = r.sessions[sessionID]
		if ok {
			p = sess.Permission
		}
	})
	return p, ok
}

// GetSessionCount returns the number of currently connected sessions.
func (r *Room) GetSessionCount() int {
	var n int
	r.run(func() { n = len(r.sessions) })
	return n
}

// GetSessions returns a snapshot copy of the current session list.
func (r *Room) GetSessions() []Session {
	var out []Session
	r.run(func() {
		out = make([]Session, 0, len(r.sessions))
		for _, s := range r.sessions {
			out = append(out, *s)
		}
	})
	return out
}

// Close flushes one final save, closes every socket and tears down the
// command loop. Safe to call once.
func (r *Room) Close(ctx context.Context) {
	r.run(func() {
		if r.closed {
			return
		}
		r.closed = true

		if r.saveTimer != nil {
			r.saveTimer.Stop()
			r.saveTimer = nil
		}

		snap := r.snapshotLocked()
		if err := r.store.Save(ctx, r.id, snap); err != nil {
			r.log.WithError(err).Warn("final save failed")
		}

		for _, sess := range r.sessions {
			_ = sess.Conn.Close()
		}
		r.sessions = make(map[string]*Session)
	})
	close(r.done)
}

// --- internal helpers, only ever called from the loop goroutine ---

func (r *Room) sendTo(conn Conn, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.WithError(err).Error("failed to marshal outgoing message")
		return
	}
	if err := conn.Send(string(data)); err != nil {
		// The close handler will arrive separately; swallow send errors.
		r.log.WithError(err).Debug("send failed, awaiting close")
	}
}

func (r *Room) broadcastExcept(exceptSessionID string, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.WithError(err).Error("failed to marshal broadcast")
		return
	}
	frame := string(data)
	for id, sess := range r.sessions {
		if id == exceptSessionID {
			continue
		}
		if err := sess.Conn.Send(frame); err != nil {
			r.log.WithError(err).Debug("broadcast send failed, awaiting close")
		}
	}
}

func (r *Room) broadcastAll(msg interface{}) {
	r.broadcastExcept("", msg)
}

func (r *Room) broadcastClientCount() {
	r.broadcastAll(clientCountBroadcast{Type: "clientCount", Count: len(r.sessions)})
}

func (r *Room) applyEphemeralPatch(clientID string, patches []patch.Patch) {
	existing := r.ephemeralState[clientID]
	merged := append([]patch.Patch{existing}, patches...)
	r.ephemeralState[clientID] = patch.Merge(merged...)
}

func (r *Room) buildEphemeralSnapshot(excludeClientID string) patch.Patch {
	patches := make([]patch.Patch, 0, len(r.ephemeralState))
	for clientID, p := range r.ephemeralState {
		if clientID == excludeClientID {
			continue
		}
		patches = append(patches, p)
	}
	return patch.Merge(patches...)
}

// applyDocumentPatch merges p into state and records field-level
// timestamps for every key/field it touched.
func (r *Room) applyDocumentPatch(p patch.Patch, ts int64) {
	for key, val := range p {
		existing, hasExisting := r.state[key]

		if val.IsTombstone() {
			r.state[key] = val.Clone()
			r.resetTimestamps(key, val, ts)
			continue
		}

		if !hasExisting || existing.IsTombstone() {
			r.state[key] = val.Clone()
			r.resetTimestamps(key, val, ts)
			continue
		}

		merged := existing.Clone()
		for f, v := range val {
			merged[f] = v
		}
		r.state[key] = merged
		r.mergeTimestamps(key, val, ts)
	}
}

func (r *Room) resetTimestamps(key string, fields patch.ComponentValue, ts int64) {
	table := make(map[string]int64, len(fields))
	for f := range fields {
		table[f] = ts
	}
	r.timestamps[key] = table
}

func (r *Room) mergeTimestamps(key string, fields patch.ComponentValue, ts int64) {
	table, ok := r.timestamps[key]
	if !ok {
		table = make(map[string]int64, len(fields))
		r.timestamps[key] = table
	}
	for f := range fields {
		table[f] = ts
	}
}

// buildDiff collects, for every key, the subset of fields whose
// timestamp exceeds since; tombstones are represented as {_exists:false}
// if their _exists timestamp passed the threshold.
func (r *Room) buildDiff(since int64) patch.Patch {
	diff := make(patch.Patch)

	for key, fieldTs := range r.timestamps {
		val := r.state[key]
		fields := make(patch.ComponentValue)
		for field, ts := range fieldTs {
			if ts <= since {
				continue
			}
			if val.IsTombstone() {
				fields[field] = false
			} else {
				fields[field] = val[field]
			}
		}
		if len(fields) > 0 {
			diff[key] = fields
		}
	}

	return diff
}

func (r *Room) snapshotLocked() *storage.Snapshot {
	snap := &storage.Snapshot{
		Timestamp:  r.timestamp,
		State:      make(map[string]map[string]interface{}, len(r.state)),
		Timestamps: make(map[string]map[string]int64, len(r.timestamps)),
	}
	for key, val := range r.state {
		if val.IsTombstone() {
			continue
		}
		fields := make(map[string]interface{}, len(val))
		for f, v := range val {
			fields[f] = v
		}
		snap.State[key] = fields
	}
	for key, fields := range r.timestamps {
		cp := make(map[string]int64, len(fields))
		for f, ts := range fields {
			cp[f] = ts
		}
		snap.Timestamps[key] = cp
	}
	return snap
}

// scheduleSave arms the throttled-save timer if one is not already
// pending.
func (r *Room) scheduleSave() {
	if r.saveTimer != nil {
		return
	}
	r.saveTimer = time.AfterFunc(r.saveThrottle, func() {
		r.run(func() {
			r.saveTimer = nil
			snap := r.snapshotLocked()
			start := time.Now()
			if err := r.store.Save(context.Background(), r.id, snap); err != nil {
				r.log.WithError(err).Warn("throttled save failed")
				return
			}
			metrics.RoomSaveLatency.WithLabelValues(r.id).Observe(time.Since(start).Seconds())
		})
	})
}
