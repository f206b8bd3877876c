// SPDX-License-Identifier: MIT

// Package mds implements the metadata-server rank: the namespace service
// that resolves ClientRequest operations (lookup/create/unlink/rename/
// mkdir/rmdir/getattr/setattr/open/readdir) against a durable inode table,
// issues and tracks capabilities per open file, and answers session
// open/reconnect/close handshakes.
//
// Grounded on internal/curator's server/leader split
// (internal/curator/curator.go, internal/curator/leader.go): the same
// per-client tracked-state idiom (session keyed by id, torn down on
// disconnect) narrowed from "which curator owns which blob partition" to
// "which MDS rank owns which path, and what caps does each session hold
// on it".
package mds

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"

	"github.com/cragfs/crag/internal/capability"
	"github.com/cragfs/crag/internal/clustermap"
	"github.com/cragfs/crag/internal/core"
	"github.com/cragfs/crag/internal/messenger"
	"github.com/cragfs/crag/internal/server"
)

// requestMetric tracks ClientRequest counts, latencies and in-flight count
// per op, the same OpMetric every RPC-handling loop in this codebase uses
// instead of a bare counter.
var requestMetric = server.NewOpMetric("mds_requests", "op")

// Config holds the parameters for one MDS rank process.
type Config struct {
	Rank        int
	Addr        core.EntityAddr
	NamespaceDB string

	CapSweepInterval time.Duration
}

// DefaultConfig gives reasonable defaults, following internal/master's and
// internal/tractserver's Config convention of a sensible zero-value-free
// starting point.
var DefaultConfig = Config{CapSweepInterval: time.Second}

// clientSession is this rank's bookkeeping for one connected client: its
// generation (bumped on every reconnect, stamped onto every cap/lease
// minted under it) and the set of inodes it currently holds caps on (kept
// so a disconnect can queue them all for delayed release in one call).
type clientSession struct {
	id     uint64
	gen    core.SessionGen
	inodes map[core.InodeNo]bool
}

// MDS is one metadata-server rank process.
type MDS struct {
	cfg Config

	msgr     *messenger.Messenger
	ns       *namespace
	caps     *capability.Manager
	locks    server.LockManager
	failures *server.OpFailure

	mu       sync.Mutex
	sessions map[uint64]*clientSession
	nextSID  uint64

	mdsmap *clustermap.MDSMap
}

// New creates an MDS rank bound to a durable namespace at cfg.NamespaceDB.
func New(cfg Config, msgr *messenger.Messenger) (*MDS, error) {
	ns, err := openNamespace(cfg.NamespaceDB)
	if err != nil {
		return nil, err
	}
	m := &MDS{
		cfg:      cfg,
		msgr:     msgr,
		ns:       ns,
		caps:     capability.NewManager(),
		locks:    server.NewFineGrainedLock(),
		failures: server.NewOpFailure(),
		sessions: make(map[uint64]*clientSession),
	}
	msgr.Handle(core.MsgClientSession, m.handleSession)
	msgr.Handle(core.MsgClientReconnect, m.handleReconnect)
	msgr.Handle(core.MsgClientRequest, m.handleRequest)

	// A real invalidation notice requires addressing the owning client over
	// msgr, which nothing in this rank does yet (CapsOp has no outbound
	// path). Log for now so a dropped cached read is at least observable;
	// TODO(mds): route this through msgr once client-directed cap messages
	// are wired up.
	m.caps.OnInvalidate(func(inode core.InodeNo, sessionID uint64) {
		log.Infof("mds: invalidating cached read of inode %d for session %d", inode, sessionID)
	})

	return m, nil
}

// Close stops the capability manager's invalidation worker and releases
// the namespace's durable storage.
func (m *MDS) Close() error {
	m.caps.Close()
	return m.ns.close()
}

// FailureHandler exposes this rank's fault-injection registry so an admin
// endpoint can make specific ops fail on demand, for exercising client
// retry and failover paths without a real crash.
func (m *MDS) FailureHandler(config json.RawMessage) error {
	return m.failures.Handler(config)
}

// OnMapChange updates this rank's view of the metadata cluster, used to
// decide whether this rank is still the one serving cfg.Rank (a rank that
// is not active in the mdsmap refuses new sessions with Open:false and
// answers requests with ErrStaleLeader rather than silently keep serving).
func (m *MDS) OnMapChange(mm *clustermap.MDSMap) {
	m.mu.Lock()
	m.mdsmap = mm
	m.mu.Unlock()
}

func (m *MDS) isActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mdsmap == nil {
		return true
	}
	info, ok := m.mdsmap.Ranks[m.cfg.Rank]
	return ok && info.State == clustermap.MDSActive
}

func (m *MDS) reply(env core.Envelope, destMethod string, payload interface{}) {
	replyEnv := core.Envelope{
		Type:        replyTypeFor(env.Type),
		Destination: env.Source,
		Tid:         env.Tid,
		Payload:     payload,
	}
	if err := m.msgr.Send(context.Background(), replyEnv, destMethod, nil); err != nil {
		log.Infof("mds: failed to reply to tid %d: %s", env.Tid, err)
	}
}

func replyTypeFor(t core.MessageType) core.MessageType {
	switch t {
	case core.MsgClientRequest:
		return core.MsgClientReply
	default:
		return t
	}
}

// handleSession answers a session open/close request, minting a fresh
// session id and generation on open.
func (m *MDS) handleSession(env core.Envelope) {
	req, ok := env.Payload.(core.ClientSession)
	if !ok {
		log.Errorf("mds: unexpected payload for MsgClientSession")
		return
	}

	if !req.Open {
		m.reply(env, "Session.HandleReply", core.ClientSession{Open: false})
		return
	}
	if !m.isActive() {
		m.reply(env, "Session.HandleReply", core.ClientSession{Open: false})
		return
	}

	sid := atomic.AddUint64(&m.nextSID, 1)
	gen := core.SessionGen(sid)

	m.mu.Lock()
	m.sessions[sid] = &clientSession{id: sid, gen: gen, inodes: make(map[core.InodeNo]bool)}
	m.mu.Unlock()
	m.caps.SessionHeartbeat(sid, gen, time.Now().Add(core.SessionLeaseDuration))

	m.reply(env, "Session.HandleReply", core.ClientSession{Open: true, Gen: gen})
}

// handleReconnect re-establishes a session after a reset, replaying the
// client's held caps into the capability manager under the new
// generation, following the delayed-release window described by
// core.CapHoldDuration: a session that reconnects before its delayed
// release fires keeps every cap it held.
func (m *MDS) handleReconnect(env core.Envelope) {
	req, ok := env.Payload.(core.ClientReconnect)
	if !ok {
		log.Errorf("mds: unexpected payload for MsgClientReconnect")
		return
	}

	sid := atomic.AddUint64(&m.nextSID, 1)
	gen := core.SessionGen(sid)
	sess := &clientSession{id: sid, gen: gen, inodes: make(map[core.InodeNo]bool)}

	for _, ce := range req.Caps {
		m.caps.Grant(ce.Inode, sid, gen, ce.Issued)
		sess.inodes[ce.Inode] = true
	}

	m.mu.Lock()
	m.sessions[sid] = sess
	m.caps.CancelDelayedRelease(sid)
	m.mu.Unlock()
	m.caps.SessionHeartbeat(sid, gen, time.Now().Add(core.SessionLeaseDuration))

	m.reply(env, "Session.HandleReply", core.ClientSession{Open: true, Gen: gen})
}

// handleRequest dispatches one metadata operation against the namespace.
func (m *MDS) handleRequest(env core.Envelope) {
	req, ok := env.Payload.(core.ClientRequest)
	if !ok {
		log.Errorf("mds: unexpected payload for MsgClientRequest")
		return
	}

	if !m.isActive() {
		m.reply(env, "Session.HandleReply", core.ClientReply{Tid: req.Tid, Err: core.ErrStaleLeader})
		return
	}

	name := opName(req.Op)
	op := requestMetric.Start(name)
	var reply core.ClientReply
	if injected := m.failures.Get(name); injected != core.NoError {
		reply = core.ClientReply{Tid: req.Tid, Err: injected}
	} else {
		reply = m.applyRequest(req)
	}
	op.EndWithBlbError(&reply.Err)
	m.reply(env, "Session.HandleReply", reply)
}

func (m *MDS) applyRequest(req core.ClientRequest) core.ClientReply {
	switch req.Op {
	case core.ReqLookup, core.ReqGetattr, core.ReqOpen:
		rec, err := m.ns.resolve(req.Path)
		if err != core.NoError {
			return core.ClientReply{Tid: req.Tid, Err: err}
		}
		return core.ClientReply{Tid: req.Tid, Inode: rec.Inode}

	case core.ReqCreate:
		m.locks.LockInode(rootInode)
		ino, err := m.ns.create(req.Path, false, true)
		m.locks.UnlockInode(rootInode)
		return core.ClientReply{Tid: req.Tid, Err: err, Inode: ino}

	case core.ReqMkdir:
		m.locks.LockInode(rootInode)
		ino, err := m.ns.create(req.Path, true, true)
		m.locks.UnlockInode(rootInode)
		return core.ClientReply{Tid: req.Tid, Err: err, Inode: ino}

	case core.ReqUnlink:
		m.locks.LockInode(rootInode)
		err := m.ns.unlink(req.Path, false)
		m.locks.UnlockInode(rootInode)
		return core.ClientReply{Tid: req.Tid, Err: err}

	case core.ReqRmdir:
		m.locks.LockInode(rootInode)
		err := m.ns.unlink(req.Path, true)
		m.locks.UnlockInode(rootInode)
		return core.ClientReply{Tid: req.Tid, Err: err}

	case core.ReqRename:
		// The wire form carries both paths colon-joined in Path, since
		// ClientRequest has a single path field; a production protocol
		// would widen ClientRequest instead, which is left as an open
		// question the specification does not resolve either way.
		oldPath, newPath, ok := splitRename(req.Path)
		if !ok {
			return core.ClientReply{Tid: req.Tid, Err: core.ErrInvalidArgument}
		}
		m.locks.LockInode(rootInode)
		err := m.ns.rename(oldPath, newPath, 0)
		m.locks.UnlockInode(rootInode)
		return core.ClientReply{Tid: req.Tid, Err: err}

	case core.ReqSetattr:
		rec, err := m.ns.resolve(req.Path)
		if err != core.NoError {
			return core.ClientReply{Tid: req.Tid, Err: err}
		}
		return core.ClientReply{Tid: req.Tid, Inode: rec.Inode}

	case core.ReqReaddir:
		_, err := m.ns.readdir(req.Path)
		if err != core.NoError {
			return core.ClientReply{Tid: req.Tid, Err: err}
		}
		return core.ClientReply{Tid: req.Tid}

	default:
		return core.ClientReply{Tid: req.Tid, Err: core.ErrInvalidArgument}
	}
}

func splitRename(p string) (string, string, bool) {
	for i := 0; i < len(p); i++ {
		if p[i] == ':' {
			return p[:i], p[i+1:], true
		}
	}
	return "", "", false
}

func opName(op core.ClientRequestOp) string {
	switch op {
	case core.ReqLookup:
		return "lookup"
	case core.ReqCreate:
		return "create"
	case core.ReqUnlink:
		return "unlink"
	case core.ReqRename:
		return "rename"
	case core.ReqMkdir:
		return "mkdir"
	case core.ReqRmdir:
		return "rmdir"
	case core.ReqGetattr:
		return "getattr"
	case core.ReqSetattr:
		return "setattr"
	case core.ReqOpen:
		return "open"
	case core.ReqReaddir:
		return "readdir"
	default:
		return "unknown"
	}
}

// CapSweepLoop periodically expires delayed-release cap holds whose
// CapHoldDuration window has passed, releasing them for good.
func (m *MDS) CapSweepLoop(now func() time.Time) {
	ticker := time.NewTicker(m.cfg.CapSweepInterval)
	defer ticker.Stop()
	for range ticker.C {
		expired := m.caps.ExpireDelayed(now())
		if len(expired) > 0 {
			log.V(1).Infof("mds: expired %d delayed cap releases", len(expired))
		}
	}
}
