// SPDX-License-Identifier: MIT

// Package mdsclient is the client-side binding to one metadata-server
// rank: the session state machine (NEW -> OPENING -> OPEN ->
// (CLOSING -> CLOSED) | RECONNECTING), forward redirects that retarget the
// session for later requests (see Forward), and a generation-scoped LRU
// lease cache (a lease's TTL is not checked on lookup).
//
// Grounded on client/blb/curator_talker.go's per-replication-group talker
// interface, adapted from "talk to a curator replica group about blobs" to
// "hold a session with one MDS rank about metadata requests".
package mdsclient

import (
	"context"
	"sync"

	"github.com/golang/groupcache/lru"

	"github.com/cragfs/crag/internal/clustermap"
	"github.com/cragfs/crag/internal/core"
	"github.com/cragfs/crag/internal/messenger"
)

// SessionState names one state of the per-rank session machine.
type SessionState uint8

// Session states.
const (
	SessionNew SessionState = iota
	SessionOpening
	SessionOpen
	SessionClosing
	SessionClosed
	SessionReconnecting
)

func (s SessionState) String() string {
	switch s {
	case SessionOpening:
		return "opening"
	case SessionOpen:
		return "open"
	case SessionClosing:
		return "closing"
	case SessionClosed:
		return "closed"
	case SessionReconnecting:
		return "reconnecting"
	default:
		return "new"
	}
}

// Session is the client's view of its relationship with one MDS rank.
type Session struct {
	msgr *messenger.Messenger

	mu    sync.Mutex
	state SessionState
	rank  int
	addr  core.EntityAddr
	gen   core.SessionGen

	leases *lru.Cache // dentry/inode path -> core.ClientLease
}

// NewSession creates a session for a given rank, initially NEW.
func NewSession(msgr *messenger.Messenger, rank int, leaseCacheSize int) *Session {
	return &Session{msgr: msgr, rank: rank, state: SessionNew, leases: lru.New(leaseCacheSize)}
}

// Open transitions NEW/CLOSED -> OPENING -> OPEN against the rank's current
// address in mdsmap, blocking until the open handshake completes or ctx is
// done.
func (s *Session) Open(ctx context.Context, mdsmap *clustermap.MDSMap) error {
	addr, ok := mdsmap.AddrForRank(s.rank)
	if !ok {
		return core.ErrDisconnected.Error()
	}

	s.mu.Lock()
	s.state = SessionOpening
	s.addr = addr
	s.mu.Unlock()

	env := core.Envelope{
		Type:        core.MsgClientSession,
		Destination: addr,
		Payload:     core.ClientSession{Open: true},
	}
	var reply core.ClientSession
	if err := s.msgr.Send(ctx, env, "MDS.Session", &reply); err != nil {
		s.mu.Lock()
		s.state = SessionNew
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.state = SessionOpen
	s.gen = reply.Gen
	s.mu.Unlock()
	return nil
}

// Reconnect is called after a session reset is detected (the messenger
// observed a different nonce on the rank's address, or an explicit
// ClientSession{Open:false} was received): it moves to RECONNECTING,
// replays held caps via core.ClientReconnect, and moves to OPEN on
// success.
func (s *Session) Reconnect(ctx context.Context, caps []core.CapExport) error {
	s.mu.Lock()
	s.state = SessionReconnecting
	addr := s.addr
	s.mu.Unlock()

	env := core.Envelope{
		Type:        core.MsgClientReconnect,
		Destination: addr,
		Payload:     core.ClientReconnect{Caps: caps},
	}
	var reply core.ClientSession
	if err := s.msgr.Send(ctx, env, "MDS.Reconnect", &reply); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = SessionOpen
	s.gen = reply.Gen
	s.mu.Unlock()
	return nil
}

// Close transitions OPEN -> CLOSING -> CLOSED.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	s.state = SessionClosing
	addr := s.addr
	s.mu.Unlock()

	env := core.Envelope{
		Type:        core.MsgClientSession,
		Destination: addr,
		Payload:     core.ClientSession{Open: false},
	}
	err := s.msgr.Send(ctx, env, "MDS.Session", &core.ClientSession{})

	s.mu.Lock()
	s.state = SessionClosed
	s.mu.Unlock()
	return err
}

// State reports the session's current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Generation reports the session's current generation, which every cap and
// lease minted under it is stamped with; a reconnect bumps this, which is
// how capability.Set invalidates state minted under a prior generation.
func (s *Session) Generation() core.SessionGen {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// PutLease caches a lease keyed by the path it was granted for.
func (s *Session) PutLease(key string, lease core.ClientLease) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases.Add(key, lease)
}

// GetLease returns a cached lease if present and minted under the current
// generation (a lease from a prior generation is stale and discarded).
func (s *Session) GetLease(key string) (core.ClientLease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.leases.Get(key)
	if !ok {
		return core.ClientLease{}, false
	}
	lease := v.(core.ClientLease)
	if lease.Gen != s.gen {
		s.leases.Remove(key)
		return core.ClientLease{}, false
	}
	return lease, true
}
