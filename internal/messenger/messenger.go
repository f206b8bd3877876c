// SPDX-License-Identifier: MIT

// Package messenger implements the reliable, ordered transport every core
// component (monitor, MDS, OSD, client) uses to exchange the Envelope
// messages defined in internal/core. It generalizes the connection-cache
// pattern pkg/rpc uses for a single flat RPC client pool into a
// per-peer-policy, stateful session layer: each peer gets a declared
// Policy (Lossless, LossyFastFail or RetryForever) governing what happens
// to queued sends and reconnect attempts when its connection drops.
package messenger

import (
	"context"
	"errors"
	"net/rpc"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/golang/snappy"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cragfs/crag/internal/core"
)

// ErrNoConnection is returned when a peer cannot be reached and its policy
// does not call for an invisible retry.
var ErrNoConnection = errors.New("messenger: could not connect to peer")

// compressThreshold is the payload size, in bytes, above which Send
// snappy-compresses the envelope body before handing it to net/rpc.
const compressThreshold = 4096

var (
	sendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_sends_total",
		Help: "Envelopes sent, by message type and outcome.",
	}, []string{"type", "outcome"})

	reconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_reconnects_total",
		Help: "Reconnect attempts made to peers, by outcome.",
	}, []string{"outcome"})

	sendLatency = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Name: "messenger_send_latency_seconds",
		Help: "Round-trip latency of Send calls, by message type.",
	}, []string{"type"})
)

// Dispatcher handles one inbound Envelope. Handlers are registered per
// MessageType; an Envelope whose type has no registered handler is logged
// and dropped.
type Dispatcher func(env core.Envelope)

// Messenger multiplexes typed Envelope traffic to a set of peers over
// net/rpc connections, applying each peer's Policy to reconnect and
// queueing behavior. It is safe for concurrent use.
type Messenger struct {
	self core.EntityAddr

	dialTimeout time.Duration
	rpcTimeout  time.Duration

	mu    sync.Mutex
	peers map[string]*peerConn
	lru   *lru.Cache // bounds how many idle STANDBY/OPEN conns we keep

	handlersMu sync.RWMutex
	handlers   map[core.MessageType]Dispatcher
}

// New creates a Messenger bound to "self" (used to populate Envelope.Source
// on outbound sends). maxConns bounds the connection cache; zero means
// unbounded, following pkg/rpc.NewConnectionCache's convention.
func New(self core.EntityAddr, dialTimeout, rpcTimeout time.Duration, maxConns int) *Messenger {
	m := &Messenger{
		self:        self,
		dialTimeout: dialTimeout,
		rpcTimeout:  rpcTimeout,
		peers:       make(map[string]*peerConn),
		handlers:    make(map[core.MessageType]Dispatcher),
	}
	c := lru.New(maxConns)
	c.OnEvicted = func(key lru.Key, value interface{}) {
		pc := value.(*peerConn)
		pc.mu.Lock()
		defer pc.mu.Unlock()
		if pc.refs <= 0 {
			pc.closeLocked()
		}
	}
	m.lru = c
	return m
}

// Handle registers the dispatcher invoked for every inbound Envelope of the
// given type. Registering the same type twice replaces the handler.
func (m *Messenger) Handle(t core.MessageType, d Dispatcher) {
	m.handlersMu.Lock()
	m.handlers[t] = d
	m.handlersMu.Unlock()
}

// Dispatch hands one received Envelope to its registered handler, if any.
// The RPC server-side codec calls this once it has decoded an Envelope off
// the wire.
func (m *Messenger) Dispatch(env core.Envelope) {
	m.handlersMu.RLock()
	h := m.handlers[env.Type]
	m.handlersMu.RUnlock()
	if h == nil {
		log.Errorf("messenger: no handler registered for %s, dropping", env.Type)
		return
	}
	h(env)
}

// SetPolicy declares (or updates) the policy used for a peer. Call this
// before the first Send to that peer; it defaults to Lossless otherwise.
func (m *Messenger) SetPolicy(addr core.EntityAddr, p Policy) {
	pc := m.peerFor(addr)
	pc.mu.Lock()
	pc.policy = p
	pc.mu.Unlock()
}

func (m *Messenger) peerFor(addr core.EntityAddr) *peerConn {
	hp := addr.HostPort()
	m.mu.Lock()
	defer m.mu.Unlock()
	if pc, ok := m.peers[hp]; ok {
		return pc
	}
	pc := &peerConn{addr: hp, policy: Lossless, state: stateOpening, lastNonce: addr.Nonce}
	m.peers[hp] = pc
	m.lru.Add(hp, pc)
	return pc
}

// dial establishes (or re-establishes) the net/rpc client for a peer entry.
// Caller must not hold pc.mu.
func (m *Messenger) dial(ctx context.Context, pc *peerConn) error {
	nctx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()

	client, err := dialHTTPContext(nctx, pc.addr)
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if err != nil {
		pc.failures++
		pc.state = stateOpening
		reconnectsTotal.WithLabelValues("failure").Inc()
		return err
	}
	pc.client = client
	pc.state = stateOpen
	pc.failures = 0
	reconnectsTotal.WithLabelValues("success").Inc()
	return nil
}

// Send delivers one Envelope to its Destination and blocks for a reply.
// reply may be nil for fire-and-forget messages (e.g. heartbeats). The
// envelope's Source is stamped with the Messenger's own address.
func (m *Messenger) Send(ctx context.Context, env core.Envelope, method string, reply interface{}) error {
	env.Source = m.self
	start := time.Now()
	err := m.send(ctx, env, method, reply)
	sendLatency.WithLabelValues(env.Type.String()).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	sendsTotal.WithLabelValues(env.Type.String(), outcome).Inc()
	return err
}

func (m *Messenger) send(ctx context.Context, env core.Envelope, method string, reply interface{}) error {
	pc := m.peerFor(env.Destination)
	pc.incRef()
	defer m.release(pc)

	pc.mu.Lock()
	state := pc.state
	pc.mu.Unlock()

	if state != stateOpen {
		if err := m.dial(ctx, pc); err != nil {
			if pc.policy == LossyFastFail {
				return ErrNoConnection
			}
			return m.retryLoop(ctx, pc, env, method, reply)
		}
	}

	return m.rpcCall(ctx, pc, env, method, reply)
}

func (m *Messenger) rpcCall(ctx context.Context, pc *peerConn, env core.Envelope, method string, reply interface{}) error {
	pc.mu.Lock()
	client := pc.client
	pc.mu.Unlock()
	if client == nil {
		return ErrNoConnection
	}

	nctx, cancel := context.WithTimeout(ctx, m.rpcTimeout)
	defer cancel()

	payload := maybeCompress(env)
	call := client.Go(method, payload, reply, make(chan *rpc.Call, 1))

	select {
	case <-call.Done:
		if call.Error == rpc.ErrShutdown {
			pc.setState(stateOpening)
			return m.send(ctx, env, method, reply)
		}
		if call.Error != nil {
			pc.setState(stateOpening)
		}
		return call.Error
	case <-nctx.Done():
		pc.setState(stateOpening)
		return nctx.Err()
	}
}

// retryLoop drives the Lossless/RetryForever backoff schedule after an
// initial dial failure, following the policy's backoff curve until
// success, context cancellation, or (Lossless only) a bound on attempts
// surfaced to the caller as ErrSessionReset.
func (m *Messenger) retryLoop(ctx context.Context, pc *peerConn, env core.Envelope, method string, reply interface{}) error {
	attempt := 0
	for {
		d, keepTrying := pc.policy.backoff(attempt, core.MapWaitMinBackoff, core.MapWaitMaxBackoff)
		if !keepTrying {
			return ErrNoConnection
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
		if err := m.dial(ctx, pc); err == nil {
			return m.rpcCall(ctx, pc, env, method, reply)
		}
		attempt++
		if pc.policy == Lossless && attempt > core.TotalRetryLimit {
			return core.ErrSessionReset.Error()
		}
	}
}

func (m *Messenger) release(pc *peerConn) {
	if pc.decRef() {
		m.mu.Lock()
		m.lru.Remove(pc.addr)
		m.mu.Unlock()
	}
}

// Close tears down every peer connection. No sends are held in a queue, so
// none are dropped here; callers that need delivery guarantees across a
// Close must drain in-flight Sends themselves first.
func (m *Messenger) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.lru.Len() > 0 {
		m.lru.RemoveOldest()
	}
}

func maybeCompress(env core.Envelope) core.Envelope {
	data, ok := env.Payload.([]byte)
	if !ok || len(data) < compressThreshold {
		return env
	}
	env.Payload = snappy.Encode(nil, data)
	return env
}
