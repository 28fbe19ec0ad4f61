package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ElevenGiants/eleven-server/internal/authn"
	"github.com/ElevenGiants/eleven-server/internal/cluster"
	"github.com/ElevenGiants/eleven-server/internal/metrics"
	"github.com/ElevenGiants/eleven-server/internal/persist"
	"github.com/ElevenGiants/eleven-server/internal/runtime"
	"github.com/ElevenGiants/eleven-server/internal/tsid"
	"github.com/ElevenGiants/eleven-server/internal/wire"
)

// State is the login state machine spec §4.6 defines: NEW -> AUTHENTICATING
// -> LOGGED_IN -> DISCONNECTED.
type State int

const (
	StateNew State = iota
	StateAuthenticating
	StateLoggedIn
	StateDisconnected
)

// outTimeout mirrors session.go's queueOut: a full send buffer blocks the
// caller for only a moment before the message is dropped, so one stalled
// socket can never wedge a handler.
const outTimeout = 50 * time.Microsecond

const sendBuffer = 64

// ScriptDispatch forwards any message type the runtime does not own
// directly to game content (spec §6: "all other types are opaque to the
// runtime and forwarded to the script dispatcher").
type ScriptDispatch func(ctx context.Context, rc *runtime.Context, pc persist.Entity, in *wire.Inbound) (interface{}, error)

// Deps bundles every collaborator a Session needs, so construction stays a
// single call regardless of how many internal packages participate.
type Deps struct {
	Log        *zap.Logger
	Auth       *authn.Backend
	ClusterMap *cluster.Map
	Transport  *cluster.Transport
	Cache      *persist.Cache
	Queues     *runtime.Registry
	Dispatch   ScriptDispatch
	Metrics    metrics.Sink
	MaxMsgSize int
	// Roster tracks location membership for arrival/departure visibility
	// (spec §8 scenario 1's "pc_login-style visibility", §4.6's pc_logout
	// broadcast). Left nil, Join/Leave/Broadcast are simply skipped.
	Roster *Roster
	// Behaviors resolves a class tag's scripted hooks (OnLogin, OnRelogin,
	// OnDisconnect) so the session pump can call into game content without
	// importing package model.
	Behaviors persist.BehaviorLookup
}

// Session is one client connection — WebSocket or legacy framed — and the
// player it may have attached, grounded on session.go's Session struct
// (send/stop channels, pc/uid attachment, preLoginBuffer/msgCache).
type Session struct {
	id   string
	sock Socket
	deps Deps
	ts   time.Time
	log  *zap.Logger

	mu             sync.Mutex
	state          State
	pc             persist.Entity
	pcTsid         tsid.TSID
	loggedIn       bool
	isMovingGs     bool
	preLoginBuffer [][]byte
	msgCache       [][]byte
	// rosterLoc is the location this session is currently joined to in
	// Deps.Roster, distinct from the player entity's own (possibly remote)
	// LocationTSID — a session only ever joins a roster entry for a
	// location this GS actually owns.
	rosterLoc tsid.TSID

	sendCh chan []byte
	done   chan struct{}
	closed bool

	tokenRefresh *time.Timer
}

// New constructs a Session bound to sock; call Run to start its pumps.
func New(id string, sock Socket, deps Deps) *Session {
	return &Session{
		id:     id,
		sock:   sock,
		deps:   deps,
		ts:     time.Now(),
		log:    deps.Log.With(zap.String("session", id)),
		sendCh: make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

// Run drives the read pump until the socket closes or the session is
// torn down, and blocks until both pumps have exited. Callers invoke this
// from its own goroutine per connection.
func (s *Session) Run(ctx context.Context) {
	go s.writePump()
	s.readPump(ctx)
	<-s.done
}

func (s *Session) readPump(ctx context.Context) {
	defer s.teardown(ctx)
	for {
		raw, err := s.sock.ReadMessage()
		if err != nil {
			// Spec §5: "any unhandled error from I/O or decoding is routed
			// to the session's handleError, which simply destroys the
			// socket" — never propagated further, never crashes the process.
			return
		}
		s.dispatchRaw(ctx, raw)
	}
}

func (s *Session) writePump() {
	for {
		select {
		case data, ok := <-s.sendCh:
			if !ok {
				return
			}
			if err := s.sock.WriteMessage(data); err != nil {
				s.log.Debug("session: write failed, closing", zap.Error(err))
				s.closeSocket()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) teardown(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pc, wasLoggedIn, moving := s.pc, s.loggedIn, s.isMovingGs
	close(s.done)
	s.mu.Unlock()

	s.closeSocket()
	if s.tokenRefresh != nil {
		s.tokenRefresh.Stop()
	}

	// spec §4.6: "socket close with still-attached pc" is one of the three
	// LOGGED_IN -> DISCONNECTED transitions — run onDisconnect on the
	// player's own queue, then unload it, same as an explicit logout. A
	// hand-off already in flight (GsMoveCheck) unloaded the player itself
	// and calls teardown from its own post-persistence callback, so skip
	// the generic disconnect path here to avoid unloading and broadcasting
	// pc_logout twice.
	if pc != nil && wasLoggedIn && !moving {
		s.disconnectPlayer(ctx, pc)
	}
}

func (s *Session) closeSocket() {
	s.mu.Lock()
	if s.sendCh != nil {
		select {
		case <-s.sendCh:
		default:
		}
	}
	s.mu.Unlock()
	_ = s.sock.Close()
}

// send implements spec §4.6's outbound rules: movers buffer into msgCache,
// gone sockets drop silently, and pre-login sessions see only the
// handshake/ping family through directly.
func (s *Session) send(data []byte, typ string) {
	s.mu.Lock()
	if s.isMovingGs {
		s.msgCache = append(s.msgCache, data)
		s.mu.Unlock()
		return
	}
	if !s.loggedIn && !alwaysThrough[typ] {
		s.preLoginBuffer = append(s.preLoginBuffer, data)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	select {
	case s.sendCh <- data:
	case <-time.After(outTimeout):
		s.log.Debug("session: send buffer full, dropping", zap.String("type", typ))
	case <-s.done:
	}
}

var alwaysThrough = map[string]bool{
	wire.TypeLoginStart:   true,
	wire.TypeLoginEnd:     true,
	wire.TypeReloginStart: true,
	wire.TypeReloginEnd:   true,
	wire.TypePing:         true,
}

func (s *Session) sendJSON(v interface{}, typ string) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Warn("session: failed to marshal outbound message", zap.Error(err))
		return
	}
	s.send(data, typ)
}

// sendBypassMoving delivers data straight to sendCh regardless of
// isMovingGs, used only for the final CLOSE a departing session must still
// reach the client with (spec §8 scenario 2) even though isMovingGs was
// already flipped before persistence started.
func (s *Session) sendBypassMoving(data []byte, typ string) {
	select {
	case s.sendCh <- data:
	case <-time.After(outTimeout):
		s.log.Debug("session: send buffer full, dropping", zap.String("type", typ))
	case <-s.done:
	}
}

func (s *Session) sendJSONBypassMoving(v interface{}, typ string) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Warn("session: failed to marshal outbound message", zap.Error(err))
		return
	}
	s.sendBypassMoving(data, typ)
}

// flushPreLoginBuffer releases everything buffered before login completed
// (spec §4.6: "flushed by flushPreLoginBuffer on login/relogin end").
func (s *Session) flushPreLoginBuffer() {
	s.mu.Lock()
	buf := s.preLoginBuffer
	s.preLoginBuffer = nil
	s.loggedIn = true
	s.mu.Unlock()

	for _, data := range buf {
		select {
		case s.sendCh <- data:
		case <-time.After(outTimeout):
		case <-s.done:
			return
		}
	}
}

// flushMsgCache releases everything buffered while the player was in
// flight to another GS — used on the new GS once the session resumes.
func (s *Session) flushMsgCache() {
	s.mu.Lock()
	buf := s.msgCache
	s.msgCache = nil
	s.isMovingGs = false
	s.mu.Unlock()

	for _, data := range buf {
		select {
		case s.sendCh <- data:
		case <-time.After(outTimeout):
		case <-s.done:
			return
		}
	}
}
