package cluster

import (
	"context"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// RpcError is the typed error kind spec §7 names for RPC failures
// (transport failure, remote exception, redirect loop, timeout).
type RpcError struct {
	Kind string // "transport", "remote", "redirect-loop", "timeout"
	Err  error
}

func (e *RpcError) Error() string { return "rpc: " + e.Kind + ": " + e.Err.Error() }
func (e *RpcError) Unwrap() error { return e.Err }

func newRpcErr(kind string, err error) *RpcError { return &RpcError{Kind: kind, Err: err} }

// Request is the wire shape of one worker-to-worker call (spec §6 "RPC
// wire"): (channel, [fname, args]). Channel "obj" means "invoke method on
// the object whose TSID is Args[0]"; channel "gs" means "invoke a named
// static API" (used by redirWrap, see rpcproxy.go).
type Request struct {
	Channel  string
	FName    string
	Args     []interface{}
	Forward  bool // set when this call is itself a forwarded redirectable-API call
	FromGsid string
}

// Response carries either a result or a remote-raised error message; kept
// as a string rather than `error` since net/rpc's gob transport cannot
// carry arbitrary error types across the wire.
type Response struct {
	Result interface{}
	ErrMsg string
}

// Dispatcher resolves an incoming Request into a call on this process's
// local state. The RPC layer is transport-only; the runtime package
// supplies the Dispatcher that knows how to reach live objects and named
// "gs" APIs — this mirrors cluster.go's TopicMaster/TopicProxy being thin
// wrappers that ultimately hand off to hub/topic channels.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (interface{}, error)
}

// Peer is one outbound connection to another GS, with reconnect-on-failure,
// grounded directly on cluster.go's ClusterNode (endpoint/connected/
// reconnecting/failCount/done + reconnect()).
type Peer struct {
	name     string
	endpoint Endpoint

	mu          sync.Mutex
	client      *rpc.Client
	connected   bool
	reconnected bool
	failCount   int
	done        chan struct{}
	log         *zap.Logger
}

func newPeer(name string, ep Endpoint, log *zap.Logger) *Peer {
	return &Peer{name: name, endpoint: ep, done: make(chan struct{}), log: log}
}

// connect dials the peer; failures are retried by reconnectLoop rather than
// surfaced here during steady-state operation.
func (p *Peer) connect() error {
	c, err := rpc.Dial("tcp", p.endpoint.HostPort)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.client = c
	p.connected = true
	p.failCount = 0
	p.mu.Unlock()
	return nil
}

// reconnectLoop retries the connection with backoff, grounded on
// cluster.go's ClusterNode.reconnect ticker-based retry.
func (p *Peer) reconnectLoop() {
	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second
	for {
		select {
		case <-p.done:
			return
		default:
		}
		if err := p.connect(); err == nil {
			return
		}
		select {
		case <-time.After(backoff):
		case <-p.done:
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// call performs a synchronous RPC, grounded on ClusterNode.call, including
// a single reconnect-and-retry on transport failure.
func (p *Peer) call(proc string, req *Request, resp *Response) error {
	p.mu.Lock()
	client := p.client
	connected := p.connected
	p.mu.Unlock()

	if !connected || client == nil {
		if err := p.connect(); err != nil {
			go p.reconnectLoop()
			return newRpcErr("transport", err)
		}
		p.mu.Lock()
		client = p.client
		p.mu.Unlock()
	}

	err := client.Call(proc, req, resp)
	if err != nil {
		p.mu.Lock()
		p.connected = false
		p.failCount++
		p.mu.Unlock()
		go p.reconnectLoop()
		return newRpcErr("transport", err)
	}
	if resp.ErrMsg != "" {
		return newRpcErr("remote", errors.New(resp.ErrMsg))
	}
	return nil
}

func (p *Peer) stop() {
	close(p.done)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Close()
	}
}

// Transport owns the inbound RPC listener and the set of outbound peer
// connections for every other configured GS, grounded on cluster.go's
// Cluster struct (nodes map, inbound *net.TCPListener, start/shutdown).
type Transport struct {
	self string
	log  *zap.Logger

	mu    sync.RWMutex
	peers map[string]*Peer

	listener net.Listener
	server   *rpc.Server
	disp     Dispatcher
}

// NewTransport constructs a Transport bound to this process's own GS id.
func NewTransport(self string, log *zap.Logger) *Transport {
	return &Transport{self: self, log: log, peers: make(map[string]*Peer), server: rpc.NewServer()}
}

// SetDispatcher installs the handler for inbound requests. Must be called
// before Start.
func (t *Transport) SetDispatcher(d Dispatcher) { t.disp = d }

// rpcEndpoint is the net/rpc-registered receiver; its single exported
// method is the entire inbound surface, grounded on cluster.go registering
// *Cluster itself via rpc.Register(c) and exposing TopicMaster/TopicProxy
// as its methods.
type rpcEndpoint struct{ t *Transport }

// Invoke is the sole RPC-registered method. net/rpc requires exported
// methods of the shape func(args, *reply) error.
func (e *rpcEndpoint) Invoke(req Request, resp *Response) error {
	if e.t.disp == nil {
		resp.ErrMsg = "no dispatcher installed"
		return nil
	}
	result, err := e.t.disp.Dispatch(context.Background(), req)
	if err != nil {
		resp.ErrMsg = err.Error()
		return nil
	}
	resp.Result = result
	return nil
}

// Start binds the inbound listener and registers the RPC endpoint,
// grounded on cluster.go's (c *Cluster) start().
func (t *Transport) Start(listenOn string) error {
	if err := t.server.RegisterName("Cluster", &rpcEndpoint{t: t}); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", listenOn)
	if err != nil {
		return err
	}
	t.listener = ln
	go t.server.Accept(ln)
	return nil
}

// Dial establishes (lazily, on first call) an outbound connection to peer.
func (t *Transport) peerFor(name string, ep Endpoint) *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[name]; ok {
		return p
	}
	p := newPeer(name, ep, t.log)
	t.peers[name] = p
	return p
}

// SendRequest performs a synchronous RPC to gsid, grounded on cluster.go's
// ClusterNode.call and the RPC Layer contract sendRequest(gsid, channel,
// [fname, args]).
func (t *Transport) SendRequest(gsid string, ep Endpoint, req Request) (interface{}, error) {
	if gsid == t.self {
		// Loopback: same-process "remote" calls never happen in practice
		// (IsLocal is checked first by callers) but guard anyway.
		if t.disp == nil {
			return nil, newRpcErr("transport", errors.New("no dispatcher installed"))
		}
		return t.disp.Dispatch(context.Background(), req)
	}
	p := t.peerFor(gsid, ep)
	var resp Response
	if err := p.call("Cluster.Invoke", &req, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// SendRequestTimeout wraps SendRequest with an explicit timeout, converting
// a timeout into a soft status rather than a hard error — grounded on spec
// §4.5's "callers that want best-effort status wrap each RPC in an explicit
// timer" (the cluster-health API, see ClusterStatus below).
func (t *Transport) SendRequestTimeout(gsid string, ep Endpoint, req Request, timeout time.Duration) (interface{}, error) {
	type result struct {
		val interface{}
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := t.SendRequest(gsid, ep, req)
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.val, r.err
	case <-time.After(timeout):
		return nil, newRpcErr("timeout", errors.New("RPC timeout"))
	}
}

// Shutdown closes the inbound listener and every outbound peer connection,
// grounded on cluster.go's (c *Cluster) shutdown().
func (t *Transport) Shutdown() {
	if t.listener != nil {
		t.listener.Close()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.peers {
		p.stop()
	}
}

// PeerStatus is one entry of a ClusterStatus report.
type PeerStatus struct {
	Gsid string
	Ok   bool
	Err  string
}

// ClusterStatus pings every peer with a bounded timeout and reports soft
// {ok:false} rather than propagating hard errors — the cluster-health API
// named in spec §4.5's failure-semantics paragraph and restored explicitly
// in SPEC_FULL.md's Supplemented Features.
func ClusterStatus(t *Transport, m *Map, timeout time.Duration) []PeerStatus {
	peers := m.PeerNames()
	out := make([]PeerStatus, 0, len(peers))
	for _, name := range peers {
		ep, _ := m.GSConfig(name)
		_, err := t.SendRequestTimeout(name, ep, Request{Channel: "gs", FName: "Ping"}, timeout)
		st := PeerStatus{Gsid: name, Ok: err == nil}
		if err != nil {
			st.Err = err.Error()
		}
		out = append(out, st)
	}
	return out
}
