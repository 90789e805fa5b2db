// Package transport implements the Transport adapter of spec.md §4.8:
// the duplex connection to the room, including offline buffering,
// throttled flush, reconnect backoff, and inFlight de-duplication.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ecs-sync-core/internal/client"
	"ecs-sync-core/internal/patch"
)

// Conn is the minimal duplex connection the adapter drives. Recv
// returns a channel that is closed when the connection drops, so a
// test double can simulate disconnects without any real socket.
type Conn interface {
	Send(frame []byte) error
	Recv() <-chan []byte
	Close() error
}

// Dialer opens a new Conn to the room.
type Dialer func(ctx context.Context) (Conn, error)

// MetaStore persists offlineBuffer and lastTimestamp across restarts.
// A nil MetaStore disables this persistence entirely.
type MetaStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Migrator mirrors persistence.Migrator: the transport adapter needs
// its own reference since it migrates server and offline-buffer
// patches independently of the persistence adapter.
type Migrator interface {
	CurrentVersion(component string) string
	Migrate(component string, data patch.ComponentValue, fromVersion string) (patch.ComponentValue, error)
}

const (
	MinReconnectDelay = 500 * time.Millisecond
	MaxReconnectDelay = 10 * time.Second

	soloFlushInterval  = time.Second
	multiFlushInterval = time.Second / 30
)

// Options configures a new Adapter.
type Options struct {
	ClientID          string
	Dial              Dialer
	Meta              MetaStore
	Migrator          Migrator
	ProtocolVersion   int
	StartOffline      bool
	OnVersionMismatch func(serverProtocolVersion int)
	Log               *logrus.Entry

	// Overridable for tests; default to the real production values.
	MinReconnectDelay  time.Duration
	MaxReconnectDelay  time.Duration
	SoloFlushInterval  time.Duration
	MultiFlushInterval time.Duration
	Now                func() time.Time
}

// Adapter is the Transport adapter.
type Adapter struct {
	clientID          string
	dial              Dialer
	meta              MetaStore
	migrator          Migrator
	protocolVersion   int
	startOffline      bool
	onVersionMismatch func(int)
	log               *logrus.Entry

	minReconnectDelay  time.Duration
	maxReconnectDelay  time.Duration
	soloFlushInterval  time.Duration
	multiFlushInterval time.Duration
	now                func() time.Time

	mu                   sync.Mutex
	conn                 Conn
	intentionallyClosed  bool
	closed               bool
	reconnectDelay       time.Duration
	reconnectTimer       *time.Timer
	offlineBuffer        patch.Patch
	lastTimestamp        int64
	inFlight             map[string]patch.Patch
	localEphemeralState  patch.Patch
	remoteEphemeralState patch.Patch
	connectedUsers       int
	msgCounter           int
	lastSendTime         time.Time
	sendDocBuf           []patch.Patch
	sendEphemeralBuf     []patch.Patch
	pullDocBuf           []patch.Patch
	pullEphemeralBuf     []patch.Patch
}

// New constructs an Adapter. ClientID and Dial are required.
func New(opts Options) *Adapter {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	minDelay := opts.MinReconnectDelay
	if minDelay <= 0 {
		minDelay = MinReconnectDelay
	}
	maxDelay := opts.MaxReconnectDelay
	if maxDelay <= 0 {
		maxDelay = MaxReconnectDelay
	}
	solo := opts.SoloFlushInterval
	if solo <= 0 {
		solo = soloFlushInterval
	}
	multi := opts.MultiFlushInterval
	if multi <= 0 {
		multi = multiFlushInterval
	}

	return &Adapter{
		clientID:             opts.ClientID,
		dial:                 opts.Dial,
		meta:                 opts.Meta,
		migrator:             opts.Migrator,
		protocolVersion:      opts.ProtocolVersion,
		startOffline:         opts.StartOffline,
		onVersionMismatch:    opts.OnVersionMismatch,
		log:                  log,
		minReconnectDelay:    minDelay,
		maxReconnectDelay:    maxDelay,
		soloFlushInterval:    solo,
		multiFlushInterval:   multi,
		now:                  now,
		inFlight:             make(map[string]patch.Patch),
		localEphemeralState:  patch.New(),
		remoteEphemeralState: patch.New(),
	}
}

// Init restores persisted offlineBuffer/lastTimestamp (if a MetaStore
// is configured) and connects, unless StartOffline was set.
func (a *Adapter) Init(ctx context.Context) error {
	a.mu.Lock()
	a.reconnectDelay = a.minReconnectDelay
	if a.meta != nil {
		if raw, ok, err := a.meta.Get(ctx, "offlineBuffer"); err == nil && ok {
			var buf patch.Patch
			if json.Unmarshal(raw, &buf) == nil {
				a.offlineBuffer = buf
			}
		}
		if raw, ok, err := a.meta.Get(ctx, "lastTimestamp"); err == nil && ok {
			var ts int64
			if json.Unmarshal(raw, &ts) == nil {
				a.lastTimestamp = ts
			}
		}
	}
	startOffline := a.startOffline
	a.mu.Unlock()

	if startOffline {
		return nil
	}
	a.connect(ctx)
	return nil
}

// Connect dials the room and begins the read loop. Only needed when
// the adapter was constructed with StartOffline: Init connects
// automatically otherwise.
func (a *Adapter) Connect(ctx context.Context) {
	a.connect(ctx)
}

func (a *Adapter) connect(ctx context.Context) {
	conn, err := a.dial(ctx)
	if err != nil {
		a.log.WithError(err).Warn("transport: dial failed, scheduling reconnect")
		a.mu.Lock()
		a.scheduleReconnectLocked(ctx)
		a.mu.Unlock()
		return
	}

	a.mu.Lock()
	a.conn = conn
	a.inFlight = make(map[string]patch.Patch)
	a.reconnectDelay = a.minReconnectDelay

	msg := reconnectMessage{
		Type:            "reconnect",
		LastTimestamp:   a.lastTimestamp,
		ProtocolVersion: a.protocolVersion,
	}
	if len(a.offlineBuffer) > 0 {
		msg.DocumentPatches = []patch.Patch{a.offlineBuffer}
	}
	if len(a.localEphemeralState) > 0 {
		msg.EphemeralPatches = []patch.Patch{a.localEphemeralState}
	}
	a.mu.Unlock()

	frame, err := json.Marshal(msg)
	if err == nil {
		if err := conn.Send(frame); err != nil {
			a.log.WithError(err).Warn("transport: failed to send reconnect message")
		}
	}

	go a.readLoop(ctx, conn)
}

func (a *Adapter) readLoop(ctx context.Context, conn Conn) {
	for frame := range conn.Recv() {
		a.handleFrame(frame)
	}
	a.handleDisconnect(ctx, conn)
}

func (a *Adapter) handleDisconnect(ctx context.Context, conn Conn) {
	a.mu.Lock()
	if a.conn != conn {
		a.mu.Unlock()
		return
	}
	a.conn = nil

	var tombstones patch.Patch
	if len(a.remoteEphemeralState) > 0 {
		tombstones = patch.New()
		for key := range a.remoteEphemeralState {
			tombstones[key] = patch.ComponentValue{"_exists": false}
		}
		a.pullEphemeralBuf = append(a.pullEphemeralBuf, tombstones)
	}
	a.remoteEphemeralState = patch.New()
	intentional := a.intentionallyClosed
	a.mu.Unlock()

	if !intentional {
		a.mu.Lock()
		a.scheduleReconnectLocked(ctx)
		a.mu.Unlock()
	}
}

func (a *Adapter) scheduleReconnectLocked(ctx context.Context) {
	if a.closed {
		return
	}
	delay := a.reconnectDelay
	if delay <= 0 {
		delay = a.minReconnectDelay
	}
	a.reconnectTimer = time.AfterFunc(delay, func() { a.connect(ctx) })

	next := delay * 2
	if next > a.maxReconnectDelay {
		next = a.maxReconnectDelay
	}
	a.reconnectDelay = next
}

// Disconnect intentionally closes the connection: no reconnect is
// scheduled until Reconnect is called.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	a.intentionallyClosed = true
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
		a.reconnectTimer = nil
	}
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// Reconnect clears the intentional-close flag, resets the backoff
// delay, and connects eagerly.
func (a *Adapter) Reconnect(ctx context.Context) {
	a.mu.Lock()
	a.intentionallyClosed = false
	a.reconnectDelay = a.minReconnectDelay
	a.mu.Unlock()
	a.connect(ctx)
}

func (a *Adapter) handleFrame(raw []byte) {
	var env envelope
	if json.Unmarshal(raw, &env) != nil {
		return
	}

	switch env.Type {
	case "patch":
		var msg incomingPatchMessage
		if json.Unmarshal(raw, &msg) != nil {
			return
		}
		a.mu.Lock()
		a.lastTimestamp = msg.Timestamp
		a.persistLastTimestampLocked()
		if len(msg.DocumentPatches) > 0 {
			server := patch.Merge(msg.DocumentPatches...)
			inFlightMerged := patch.New()
			for _, p := range a.inFlight {
				inFlightMerged = patch.Merge(inFlightMerged, p)
			}
			remainder := patch.Strip(server, inFlightMerged)
			if len(remainder) > 0 {
				a.pullDocBuf = append(a.pullDocBuf, remainder)
			}
		}
		if len(msg.EphemeralPatches) > 0 {
			merged := patch.Merge(msg.EphemeralPatches...)
			a.pullEphemeralBuf = append(a.pullEphemeralBuf, merged)
			a.remoteEphemeralState = patch.Merge(a.remoteEphemeralState, merged)
		}
		a.mu.Unlock()

	case "ack":
		var msg ackMessage
		if json.Unmarshal(raw, &msg) != nil {
			return
		}
		a.mu.Lock()
		a.lastTimestamp = msg.Timestamp
		a.persistLastTimestampLocked()
		delete(a.inFlight, msg.MessageID)
		a.mu.Unlock()

	case "clientCount":
		var msg clientCountMessage
		if json.Unmarshal(raw, &msg) != nil {
			return
		}
		a.mu.Lock()
		a.connectedUsers = msg.Count
		a.mu.Unlock()

	case "version-mismatch":
		var msg versionMismatchMessage
		if json.Unmarshal(raw, &msg) != nil {
			return
		}
		a.Disconnect()
		if a.onVersionMismatch != nil {
			a.onVersionMismatch(msg.ServerProtocolVersion)
		}
	}
}

func (a *Adapter) persistLastTimestampLocked() {
	if a.meta == nil {
		return
	}
	raw, err := json.Marshal(a.lastTimestamp)
	if err != nil {
		return
	}
	if err := a.meta.Set(context.Background(), "lastTimestamp", raw); err != nil {
		a.log.WithError(err).Warn("transport: failed to persist lastTimestamp")
	}
}

func (a *Adapter) persistOfflineBufferLocked() {
	if a.meta == nil {
		return
	}
	raw, err := json.Marshal(a.offlineBuffer)
	if err != nil {
		return
	}
	if err := a.meta.Set(context.Background(), "offlineBuffer", raw); err != nil {
		a.log.WithError(err).Warn("transport: failed to persist offlineBuffer")
	}
}

// Push partitions mutations from other adapters: self-origin and
// Persistence-origin mutations are skipped entirely, as is anything
// tagged local or none. Document/ephemeral mutations are buffered
// offline or queued for the next throttled flush.
func (a *Adapter) Push(mutations []client.Mutation) {
	a.mu.Lock()
	online := a.conn != nil
	for _, m := range mutations {
		if m.Origin == client.OriginTransport || m.Origin == client.OriginPersistence {
			continue
		}
		switch m.SyncBehavior {
		case client.SyncDocument:
			if online {
				a.sendDocBuf = append(a.sendDocBuf, m.Patch)
			} else {
				a.offlineBuffer = patch.Merge(a.offlineBuffer, m.Patch)
				a.persistOfflineBufferLocked()
			}
		case client.SyncEphemeral:
			if online {
				a.sendEphemeralBuf = append(a.sendEphemeralBuf, m.Patch)
			} else {
				a.localEphemeralState = patch.Merge(a.localEphemeralState, m.Patch)
			}
		}
	}
	shouldFlush := online && a.flushDueLocked()
	a.mu.Unlock()

	if shouldFlush {
		a.flush()
	}
}

func (a *Adapter) flushDueLocked() bool {
	interval := a.soloFlushInterval
	if a.connectedUsers > 1 {
		interval = a.multiFlushInterval
	}
	return a.now().Sub(a.lastSendTime) >= interval
}

func (a *Adapter) flush() {
	a.mu.Lock()
	if a.conn == nil {
		a.mu.Unlock()
		return
	}

	docPatches := make([]patch.Patch, 0, len(a.sendDocBuf)+1)
	if len(a.offlineBuffer) > 0 {
		docPatches = append(docPatches, a.offlineBuffer)
		a.offlineBuffer = nil
		a.persistOfflineBufferLocked()
	}
	docPatches = append(docPatches, a.sendDocBuf...)
	merged := patch.Merge(docPatches...)

	ephemeralMerged := patch.Merge(a.sendEphemeralBuf...)
	if len(ephemeralMerged) > 0 {
		a.localEphemeralState = patch.Merge(a.localEphemeralState, ephemeralMerged)
	}

	if len(merged) == 0 && len(ephemeralMerged) == 0 {
		a.mu.Unlock()
		return
	}

	a.sendDocBuf = nil
	a.sendEphemeralBuf = nil
	a.msgCounter++
	messageID := fmt.Sprintf("%s-%d", a.clientID, a.msgCounter)
	if len(merged) > 0 {
		a.inFlight[messageID] = merged
	}
	conn := a.conn
	a.lastSendTime = a.now()
	a.mu.Unlock()

	msg := patchMessage{Type: "patch", MessageID: messageID}
	if len(merged) > 0 {
		msg.DocumentPatches = []patch.Patch{merged}
	}
	if len(ephemeralMerged) > 0 {
		msg.EphemeralPatches = []patch.Patch{ephemeralMerged}
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := conn.Send(frame); err != nil {
		a.log.WithError(err).Warn("transport: send failed")
	}
}

// Pull drains document and ephemeral patches accumulated from incoming
// wire messages, migrating and stripping the document patch against
// the offline buffer so the client's own unsent work is never undone.
func (a *Adapter) Pull() []client.Mutation {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []client.Mutation

	if len(a.pullDocBuf) > 0 {
		merged := patch.Merge(a.pullDocBuf...)
		a.pullDocBuf = nil

		migratedServer := a.migratePatchLocked(merged)
		migratedOffline := a.migratePatchLocked(a.offlineBuffer)
		stripped := patch.Strip(migratedServer, migratedOffline)

		out = append(out, client.Mutation{Origin: client.OriginTransport, SyncBehavior: client.SyncDocument, Patch: stripped})

		a.offlineBuffer = nil
		a.persistOfflineBufferLocked()
	}

	if len(a.pullEphemeralBuf) > 0 {
		merged := patch.Merge(a.pullEphemeralBuf...)
		a.pullEphemeralBuf = nil
		out = append(out, client.Mutation{Origin: client.OriginTransport, SyncBehavior: client.SyncEphemeral, Patch: merged})
	}

	return out
}

func (a *Adapter) migratePatchLocked(p patch.Patch) patch.Patch {
	if a.migrator == nil || len(p) == 0 {
		return p
	}
	out := make(patch.Patch, len(p))
	for key, val := range p {
		component := componentName(key)
		want := a.migrator.CurrentVersion(component)
		have, _ := val["_version"].(string)
		if have == want {
			out[key] = val
			continue
		}
		migrated, err := a.migrator.Migrate(component, val, have)
		if err != nil {
			a.log.WithError(err).WithField("key", key).Warn("transport: migration failed, passing through unmigrated")
			out[key] = val
			continue
		}
		migrated["_version"] = want
		out[key] = migrated
	}
	return out
}

// Close stops any pending reconnect timer and closes the live
// connection, if any.
func (a *Adapter) Close() error {
	a.mu.Lock()
	a.closed = true
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
		a.reconnectTimer = nil
	}
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func componentName(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[i+1:]
		}
	}
	return key
}
