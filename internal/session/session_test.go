package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ElevenGiants/eleven-server/internal/authn"
	"github.com/ElevenGiants/eleven-server/internal/cluster"
	"github.com/ElevenGiants/eleven-server/internal/model"
	"github.com/ElevenGiants/eleven-server/internal/persist"
	"github.com/ElevenGiants/eleven-server/internal/persist/memkv"
	"github.com/ElevenGiants/eleven-server/internal/runtime"
	"github.com/ElevenGiants/eleven-server/internal/tsid"
	"github.com/ElevenGiants/eleven-server/internal/wire"
)

// fakeSocket is an in-memory Socket: inbound frames are fed through a
// channel, outbound writes are captured for inspection.
type fakeSocket struct {
	inbound chan []byte

	mu       sync.Mutex
	outbound [][]byte
	closed   bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{inbound: make(chan []byte, 16)}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	data, ok := <-s.inbound
	if !ok {
		return nil, errClosed
	}
	return data, nil
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbound = append(s.outbound, data)
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.inbound)
	}
	return nil
}

type errString string

func (e errString) Error() string { return string(e) }

const errClosed = errString("fakeSocket: closed")

func newBareSession() *Session {
	return New("sess-1", newFakeSocket(), Deps{Log: zap.NewNop()})
}

func recvOrFail(t *testing.T, s *Session) []byte {
	t.Helper()
	select {
	case data := <-s.sendCh:
		return data
	case <-time.After(time.Second):
		t.Fatal("expected a message on sendCh")
		return nil
	}
}

func TestSendBuffersWhileMovingGs(t *testing.T) {
	s := newBareSession()
	s.isMovingGs = true
	s.send([]byte("x"), "foo")

	if len(s.msgCache) != 1 {
		t.Fatalf("msgCache = %v, want one buffered message", s.msgCache)
	}
	select {
	case <-s.sendCh:
		t.Fatal("a moving session must not push onto sendCh")
	default:
	}
}

func TestSendBuffersPreLoginUnlessAlwaysThrough(t *testing.T) {
	s := newBareSession()

	s.send([]byte("opaque"), "move_to")
	if len(s.preLoginBuffer) != 1 {
		t.Fatalf("preLoginBuffer = %v, want one buffered message", s.preLoginBuffer)
	}

	s.send([]byte("pong"), wire.TypePing)
	got := recvOrFail(t, s)
	if string(got) != "pong" {
		t.Fatalf("sendCh = %q, want the always-through message to pass straight through", got)
	}
}

func TestFlushPreLoginBufferReleasesInOrderAndMarksLoggedIn(t *testing.T) {
	s := newBareSession()
	s.preLoginBuffer = [][]byte{[]byte("a"), []byte("b")}

	s.flushPreLoginBuffer()

	if !s.loggedIn {
		t.Fatal("flushPreLoginBuffer must mark the session logged in")
	}
	if s.preLoginBuffer != nil {
		t.Fatal("flushPreLoginBuffer must clear the buffer")
	}
	if got := string(recvOrFail(t, s)); got != "a" {
		t.Fatalf("first flushed message = %q, want %q", got, "a")
	}
	if got := string(recvOrFail(t, s)); got != "b" {
		t.Fatalf("second flushed message = %q, want %q", got, "b")
	}
}

func TestFlushMsgCacheReleasesBufferedAndClearsMoving(t *testing.T) {
	s := newBareSession()
	s.isMovingGs = true
	s.msgCache = [][]byte{[]byte("c"), []byte("d")}

	s.flushMsgCache()

	if s.isMovingGs {
		t.Fatal("flushMsgCache must clear isMovingGs")
	}
	if s.msgCache != nil {
		t.Fatal("flushMsgCache must clear the cache")
	}
	if got := string(recvOrFail(t, s)); got != "c" {
		t.Fatalf("first flushed message = %q, want %q", got, "c")
	}
	if got := string(recvOrFail(t, s)); got != "d" {
		t.Fatalf("second flushed message = %q, want %q", got, "d")
	}
}

func TestDispatchRawAnswersPingInlineBypassingLoginGate(t *testing.T) {
	s := newBareSession()
	// Not logged in, no pc attached — ping must still go straight through.
	s.dispatchRaw(context.Background(), []byte(`{"type":"ping","msg_id":7}`))

	var ack wire.Ack
	if err := json.Unmarshal(recvOrFail(t, s), &ack); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if ack.Type != wire.TypePing || ack.MsgID != 7 || !ack.Success {
		t.Fatalf("ack = %+v", ack)
	}
}

// loginTestEnv wires a real authn.Backend, a single-node cluster.Map (so
// every TSID is local), a persist.Cache backed by model.Factory over an
// in-memory driver, and a runtime.Registry — the full stack
// handleLoginStart/handleLoginEnd actually walk.
type loginTestEnv struct {
	deps    Deps
	auth    *authn.Backend
	cache   *persist.Cache
	cluster *cluster.Map
}

func newLoginTestEnv(t *testing.T) *loginTestEnv {
	t.Helper()
	log := zap.NewNop()

	backend, err := authn.Init(authn.Config{
		Key:       []byte("0123456789abcdef0123456789abcdef"),
		SerialNum: 3,
		ExpireIn:  time.Hour,
	})
	if err != nil {
		t.Fatalf("authn.Init: %v", err)
	}

	cm := cluster.NewMap()
	if err := cm.Init([]cluster.Endpoint{{Name: "gs-01", Host: "127.0.0.1", HostPort: "127.0.0.1:1"}}, "gs-01"); err != nil {
		t.Fatalf("cluster Init: %v", err)
	}

	drv := memkv.New()
	if err := drv.Write(context.Background(), []*persist.Record{
		{TSID: tsid.TSID("P1"), Class: "player", Fields: map[string]interface{}{}},
	}); err != nil {
		t.Fatalf("seed driver: %v", err)
	}

	reg := model.NewRegistry()
	model.RegisterDefaults(reg, log, "L1")

	cache := persist.NewCache(log, drv, cm, model.Factory, reg.Lookup, nil, nil)
	queues := runtime.NewRegistry(cache, log)

	deps := Deps{
		Log:        log,
		Auth:       backend,
		ClusterMap: cm,
		Cache:      cache,
		Queues:     queues,
		Dispatch: func(ctx context.Context, rc *runtime.Context, pc persist.Entity, in *wire.Inbound) (interface{}, error) {
			return struct{}{}, nil
		},
	}
	return &loginTestEnv{deps: deps, auth: backend, cache: cache, cluster: cm}
}

func TestHandleLoginStartAttachesLocalPlayerAndSchedulesRefresh(t *testing.T) {
	env := newLoginTestEnv(t)
	s := New("sess-1", newFakeSocket(), env.deps)

	token, _, err := env.auth.GetToken(tsid.TSID("P1"), 0)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}

	rc := runtime.NewContext("login", "", nil, nil, env.cache, zap.NewNop())
	if err := s.handleLoginStart(context.Background(), rc, wire.Inbound{Type: wire.TypeLoginStart, MsgID: 1, Token: token}, false); err != nil {
		t.Fatalf("handleLoginStart: %v", err)
	}
	t.Cleanup(func() {
		if s.tokenRefresh != nil {
			s.tokenRefresh.Stop()
		}
	})

	if s.pc == nil || s.pcTsid != tsid.TSID("P1") {
		t.Fatalf("pc = %v, pcTsid = %q, want P1 attached", s.pc, s.pcTsid)
	}
	if s.state != StateAuthenticating {
		t.Fatalf("state = %v, want StateAuthenticating", s.state)
	}
	if s.loggedIn {
		t.Fatal("loggedIn must stay false until login_end")
	}
	if s.tokenRefresh == nil {
		t.Fatal("expected a token refresh timer to be scheduled")
	}

	var ack wire.Ack
	if err := json.Unmarshal(recvOrFail(t, s), &ack); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !ack.Success || ack.Type != wire.TypeLoginStart {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestHandleLoginStartRejectsNonLocalPlayerAndTearsDown(t *testing.T) {
	env := newLoginTestEnv(t)
	// A second configured endpoint means P1 no longer necessarily hashes
	// local; pick a tsid that the ring places on the other GS.
	cm := cluster.NewMap()
	if err := cm.Init([]cluster.Endpoint{
		{Name: "gs-01", Host: "127.0.0.1", HostPort: "127.0.0.1:1"},
		{Name: "gs-02", Host: "127.0.0.1", HostPort: "127.0.0.1:2"},
	}, "gs-01"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	var remote tsid.TSID
	for i := 0; i < 200; i++ {
		cand := tsid.TSID("P" + string(rune('a'+i%26)) + string(rune('0'+i/26)))
		if cm.Owner(cand) != cm.Self() {
			remote = cand
			break
		}
	}
	if remote == "" {
		t.Fatal("could not find a remotely-owned player tsid")
	}
	env.deps.ClusterMap = cm

	s := New("sess-1", newFakeSocket(), env.deps)
	token, _, err := env.auth.GetToken(remote, 0)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}

	rc := runtime.NewContext("login", "", nil, nil, env.cache, zap.NewNop())
	if err := s.handleLoginStart(context.Background(), rc, wire.Inbound{Type: wire.TypeLoginStart, Token: token}, false); err != nil {
		t.Fatalf("handleLoginStart: %v", err)
	}
	if s.pc != nil {
		t.Fatal("a non-local player must never be attached")
	}
	select {
	case <-s.done:
	case <-time.After(time.Second):
		t.Fatal("expected teardown to close the session")
	}
}

func TestHandleLoginEndTransitionsToLoggedInAndFlushesBuffer(t *testing.T) {
	env := newLoginTestEnv(t)
	s := New("sess-1", newFakeSocket(), env.deps)

	token, _, err := env.auth.GetToken(tsid.TSID("P1"), 0)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	rc := runtime.NewContext("login", "", nil, nil, env.cache, zap.NewNop())
	if err := s.handleLoginStart(context.Background(), rc, wire.Inbound{Type: wire.TypeLoginStart, Token: token}, false); err != nil {
		t.Fatalf("handleLoginStart: %v", err)
	}
	t.Cleanup(func() {
		if s.tokenRefresh != nil {
			s.tokenRefresh.Stop()
		}
	})
	<-s.sendCh // drain the login_start ack

	// Buffered before login completes; must survive until flushed.
	s.send([]byte("opaque"), "move_to")

	rc = runtime.NewContext("login_end", "", nil, nil, env.cache, zap.NewNop())
	s.handleLoginEnd(context.Background(), rc, wire.Inbound{Type: wire.TypeLoginEnd, MsgID: 2}, false)

	if s.state != StateLoggedIn || !s.loggedIn {
		t.Fatalf("state=%v loggedIn=%v, want StateLoggedIn/true", s.state, s.loggedIn)
	}

	var ack wire.Ack
	if err := json.Unmarshal(recvOrFail(t, s), &ack); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if ack.Type != wire.TypeLoginEnd || !ack.Success {
		t.Fatalf("ack = %+v", ack)
	}
	if got := string(recvOrFail(t, s)); got != "opaque" {
		t.Fatalf("flushed buffer message = %q, want %q", got, "opaque")
	}
}

func TestPreRequestProcRejectsUnauthenticatedRequests(t *testing.T) {
	env := newLoginTestEnv(t)
	s := New("sess-1", newFakeSocket(), env.deps)
	rc := runtime.NewContext("req", "", nil, nil, env.cache, zap.NewNop())

	result, err := s.preRequestProc(context.Background(), rc, wire.Inbound{Type: "move_to", MsgID: 9})
	if err != nil {
		t.Fatalf("preRequestProc: %v", err)
	}
	if result == nil {
		t.Fatal("expected preRequestProc to short-circuit an unauthenticated request")
	}
	var ack wire.Ack
	if err := json.Unmarshal(recvOrFail(t, s), &ack); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if ack.Success || ack.Error == "" {
		t.Fatalf("ack = %+v, want a failure ack", ack)
	}
}

func TestHandleLogoutTearsDownWithoutDoubleDisconnect(t *testing.T) {
	env := newLoginTestEnv(t)
	s := New("sess-1", newFakeSocket(), env.deps)

	token, _, err := env.auth.GetToken(tsid.TSID("P1"), 0)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	rc := runtime.NewContext("login", "", nil, nil, env.cache, zap.NewNop())
	if err := s.handleLoginStart(context.Background(), rc, wire.Inbound{Type: wire.TypeLoginStart, Token: token}, false); err != nil {
		t.Fatalf("handleLoginStart: %v", err)
	}
	<-s.sendCh
	s.handleLoginEnd(context.Background(), rc, wire.Inbound{Type: wire.TypeLoginEnd}, false)
	<-s.sendCh

	s.handleLogout(context.Background(), rc, wire.Inbound{Type: wire.TypeLogout, MsgID: 5})

	var ack wire.Ack
	if err := json.Unmarshal(recvOrFail(t, s), &ack); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if ack.Type != wire.TypeLogout || !ack.Success {
		t.Fatalf("ack = %+v", ack)
	}

	select {
	case <-s.done:
	case <-time.After(time.Second):
		t.Fatal("expected handleLogout to tear the session down")
	}

	// teardown's single generic disconnect path (the fix this test
	// guards) runs SetUnload -> PostRequestProc exactly once; pc ends up
	// stale either way, so the real assertion is that nothing here panics
	// or deadlocks from a second, redundant unload racing the first.
	stale, ok := s.pc.(interface{ Stale() bool })
	if !ok {
		t.Fatal("expected the attached pc to expose Stale()")
	}
	deadline := time.After(time.Second)
	for !stale.Stale() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the player to go stale")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestScheduleTokenRefreshSendsFreshTokenPeriodically(t *testing.T) {
	env := newLoginTestEnv(t)
	backend, err := authn.Init(authn.Config{
		Key:       []byte("0123456789abcdef0123456789abcdef"),
		SerialNum: 3,
		ExpireIn:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("authn.Init: %v", err)
	}
	env.deps.Auth = backend

	s := New("sess-1", newFakeSocket(), env.deps)
	s.pcTsid = tsid.TSID("P1")
	s.loggedIn = true
	t.Cleanup(func() {
		s.mu.Lock()
		s.closed = true
		if s.tokenRefresh != nil {
			s.tokenRefresh.Stop()
		}
		s.mu.Unlock()
	})

	s.scheduleTokenRefresh()

	var sm wire.ServerMessage
	select {
	case data := <-s.sendCh:
		if err := json.Unmarshal(data, &sm); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a refreshed token to be sent")
	}
	if sm.Action != wire.ActionToken {
		t.Fatalf("action = %q, want %q", sm.Action, wire.ActionToken)
	}
	if s.tokenRefresh == nil {
		t.Fatal("expected scheduleTokenRefresh to reschedule itself")
	}
}

func TestRefreshTokenNoOpAfterClose(t *testing.T) {
	env := newLoginTestEnv(t)
	s := New("sess-1", newFakeSocket(), env.deps)
	s.pcTsid = tsid.TSID("P1")
	s.closed = true

	s.refreshToken()

	select {
	case <-s.sendCh:
		t.Fatal("refreshToken must not send once the session is closed")
	default:
	}
}

func TestGsMoveCheckSendsPrepareBeforeBuffering(t *testing.T) {
	env := newLoginTestEnv(t)
	cm := cluster.NewMap()
	if err := cm.Init([]cluster.Endpoint{
		{Name: "gs-01", Host: "127.0.0.1", HostPort: "127.0.0.1:1"},
		{Name: "gs-02", Host: "127.0.0.1", HostPort: "127.0.0.1:2"},
	}, "gs-01"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	var remoteLoc tsid.TSID
	for i := 0; i < 200; i++ {
		cand := tsid.TSID("L" + string(rune('a'+i%26)) + string(rune('0'+i/26)))
		if cm.Owner(cand) != cm.Self() {
			remoteLoc = cand
			break
		}
	}
	if remoteLoc == "" {
		t.Fatal("could not find a remotely-owned location tsid")
	}
	env.deps.ClusterMap = cm

	s := New("sess-1", newFakeSocket(), env.deps)
	s.pc = &fakeLocatedEntity{tsid: tsid.TSID("P1")}
	s.pcTsid = tsid.TSID("P1")
	s.loggedIn = true

	s.GsMoveCheck(context.Background(), remoteLoc)

	var sm wire.ServerMessage
	if err := json.Unmarshal(recvOrFail(t, s), &sm); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if sm.Action != wire.ActionPrepareToReconnect {
		t.Fatalf("first outbound message action = %q, want %q (must precede the isMovingGs flip)", sm.Action, wire.ActionPrepareToReconnect)
	}
	if !s.isMovingGs {
		t.Fatal("expected isMovingGs to be set after the hand-off announcement")
	}

	// The post-persistence CLOSE must still reach the client even though
	// isMovingGs is already true — it must not get silently swallowed into
	// msgCache, which nothing ever flushes on a departing session.
	var closeMsg wire.ServerMessage
	if err := json.Unmarshal(recvOrFail(t, s), &closeMsg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if closeMsg.Action != wire.ActionClose {
		t.Fatalf("second outbound message action = %q, want %q", closeMsg.Action, wire.ActionClose)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case <-s.done:
			return
		case <-deadline:
			t.Fatal("timed out waiting for the hand-off to complete teardown")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type fakeLocatedEntity struct {
	tsid tsid.TSID
	loc  tsid.TSID
}

func (e *fakeLocatedEntity) TSID() tsid.TSID                { return e.tsid }
func (e *fakeLocatedEntity) Class() string                  { return "player" }
func (e *fakeLocatedEntity) Deleted() bool                  { return false }
func (e *fakeLocatedEntity) SetDeleted(bool)                {}
func (e *fakeLocatedEntity) SetStale(bool)                  {}
func (e *fakeLocatedEntity) Root() tsid.TSID                { return e.tsid }
func (e *fakeLocatedEntity) Fields() map[string]interface{} { return nil }
func (e *fakeLocatedEntity) ToRecord() *persist.Record       { return &persist.Record{TSID: e.tsid} }
func (e *fakeLocatedEntity) LoadFrom(*persist.Record)        {}
func (e *fakeLocatedEntity) LocationTSID() tsid.TSID         { return e.loc }

func TestPostRequestProcTriggersHandoffOnRemoteMoveEnd(t *testing.T) {
	env := newLoginTestEnv(t)
	cm := cluster.NewMap()
	if err := cm.Init([]cluster.Endpoint{
		{Name: "gs-01", Host: "127.0.0.1", HostPort: "127.0.0.1:1"},
		{Name: "gs-02", Host: "127.0.0.1", HostPort: "127.0.0.1:2"},
	}, "gs-01"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	var remoteLoc tsid.TSID
	for i := 0; i < 200; i++ {
		cand := tsid.TSID("L" + string(rune('a'+i%26)) + string(rune('0'+i/26)))
		if cm.Owner(cand) != cm.Self() {
			remoteLoc = cand
			break
		}
	}
	if remoteLoc == "" {
		t.Fatal("could not find a remotely-owned location tsid")
	}
	env.deps.ClusterMap = cm

	s := New("sess-1", newFakeSocket(), env.deps)
	pc := &fakeLocatedEntity{tsid: tsid.TSID("P1"), loc: remoteLoc}
	s.pc = pc
	s.pcTsid = tsid.TSID("P1")
	s.loggedIn = true

	rc := runtime.NewContext("move", "", nil, nil, env.cache, zap.NewNop())
	s.postRequestProc(context.Background(), rc, pc, wire.TypeDoorMoveEnd)

	var sm wire.ServerMessage
	if err := json.Unmarshal(recvOrFail(t, s), &sm); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if sm.Action != wire.ActionPrepareToReconnect {
		t.Fatalf("action = %q, want %q — move-end must trigger hand-off for a remote destination", sm.Action, wire.ActionPrepareToReconnect)
	}
}
