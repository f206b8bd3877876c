// SPDX-License-Identifier: MIT

// Package capability implements the MDS-side capability protocol: per
// (inode, MDS rank) issued/implemented bitmasks, grant/revoke/writeback,
// cap-snap ordered flush queues, export/import across a migration
// sequence, and a delayed-release batching queue.
//
// Grounded on internal/curator/leader.go's per-client tracked-state idiom
// (state keyed by an owning id, torn down on session loss) and
// internal/curator/storageclass's versioned-state pattern (a monotonic
// sequence number guards every update against being applied out of
// order), adapted to the cap protocol's issued/implemented/seq/
// migrate-seq fields.
package capability

import (
	"container/list"
	"sync"
	"time"

	"github.com/cragfs/crag/internal/core"
)

// Mask bits named by the capability protocol; a client is granted the
// union of what it has requested and what the MDS is willing to issue
// concurrently with other clients' caps on the same inode.
const (
	CapPin       uint32 = 1 << iota
	CapShared           // allows cached reads
	CapExclusive        // allows buffered writes
	CapFileRd
	CapFileWr
	CapFileLazyIO
)

// Cap is one client's capability state for one inode, held by one MDS
// rank.
type Cap struct {
	Inode       core.InodeNo
	SessionID   uint64
	Issued      uint32
	Implemented uint32
	Seq         uint64
	MigrateSeq  uint64
	Generation  core.SessionGen

	// wrBufferRef counts the client's outstanding local write-buffer
	// references against this cap (e.g. a buffered write that hasn't been
	// flushed back yet). A revoke of CapFileWr|CapExclusive leaves
	// Implemented including those bits until this count drains to zero,
	// at which point the ack is applied automatically; see DecWrBufferRef.
	wrBufferRef int
}

// sessionState is what the capability manager needs to know about a
// session to judge whether a cap minted under it is still current: its
// generation (bumped on every reset/reconnect) and its lease deadline.
type sessionState struct {
	gen core.SessionGen
	ttl time.Time
}

// capSnap is one pending cap-snapshot flush: the client must write back
// the dirty data covered by Follows before the MDS can let the snapshot
// it belongs to be considered fully captured.
type capSnap struct {
	follows core.SnapID
	flushed bool
}

// inodeCaps holds every live Cap for one inode plus its ordered cap-snap
// flush queue.
type inodeCaps struct {
	byClient map[uint64]*Cap
	snaps    *list.List // of *capSnap, oldest (lowest Follows) at the front
}

// Manager tracks capability state for every inode this MDS rank currently
// has open, plus a delayed-release queue for caps whose session went
// quiet (so a client that reconnects within CapHoldDuration gets its caps
// back without a full re-grant round trip).
type Manager struct {
	mu     sync.Mutex
	inodes map[core.InodeNo]*inodeCaps

	delayed  map[uint64]*delayedRelease
	sessions map[uint64]*sessionState

	invalidate *invalidateQueue
}

type delayedRelease struct {
	sessionID uint64
	inodes    []core.InodeNo
	deadline  time.Time
}

// NewManager creates an empty capability manager. Its invalidation worker
// is idle (calls no callback) until OnInvalidate installs one.
func NewManager() *Manager {
	return &Manager{
		inodes:     make(map[core.InodeNo]*inodeCaps),
		delayed:    make(map[uint64]*delayedRelease),
		sessions:   make(map[uint64]*sessionState),
		invalidate: newInvalidateQueue(nil),
	}
}

// OnInvalidate installs the callback the invalidation worker runs for every
// queued page-cache invalidation (inode, session). Intended to be called
// once, right after NewManager, before any caps are granted.
func (m *Manager) OnInvalidate(fn func(core.InodeNo, uint64)) {
	m.invalidate.setFn(fn)
}

// Close stops the invalidation worker. Safe to call once, typically from
// the owning MDS rank's own Close.
func (m *Manager) Close() {
	m.invalidate.close()
}

// SessionHeartbeat records sessionID's current generation and lease
// deadline, the two inputs EffectiveIssued's staleness check consults. The
// MDS calls this whenever it mints or renews a session (open, reconnect),
// mirroring the data model's "cap.gen < session.gen or now >=
// cap.session.ttl" staleness rule.
func (m *Manager) SessionHeartbeat(sessionID uint64, gen core.SessionGen, ttl time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = &sessionState{gen: gen, ttl: ttl}
}

func (m *Manager) isStaleLocked(c *Cap, now time.Time) bool {
	sess, ok := m.sessions[c.SessionID]
	if !ok {
		return false
	}
	if c.Generation < sess.gen {
		return true
	}
	return !sess.ttl.IsZero() && !now.Before(sess.ttl)
}

// EffectiveIssued returns the union, over every non-stale cap held on
// inode, of cap.Issued, with CapFileWr folded in whenever any cap still has
// a write-buffer reference outstanding (a revoke whose ack hasn't landed
// yet still counts as "in use" for anyone asking what this inode's caps
// currently allow). A cap stops contributing once it goes stale: its
// Generation trails the owning session's current generation, or the
// session's lease has expired as of now.
func (m *Manager) EffectiveIssued(inode core.InodeNo, now time.Time) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	ic, ok := m.inodes[inode]
	if !ok {
		return 0
	}
	var mask uint32
	for _, c := range ic.byClient {
		if m.isStaleLocked(c, now) {
			continue
		}
		mask |= c.Issued
		if c.wrBufferRef > 0 {
			mask |= CapFileWr
		}
	}
	return mask
}

// IncWrBufferRef records that the client reported taking a new local
// write-buffer reference against its cap on inode, e.g. starting a
// buffered write that hasn't been flushed back yet.
func (m *Manager) IncWrBufferRef(inode core.InodeNo, sessionID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ic, ok := m.inodes[inode]
	if !ok {
		return
	}
	if c, ok := ic.byClient[sessionID]; ok {
		c.wrBufferRef++
	}
}

// DecWrBufferRef records that one outstanding write-buffer reference was
// released. If the count just reached zero and a CapFileWr|CapExclusive
// revoke is pending (Implemented still carries bits Issued no longer
// does), the deferred ack is applied right away: Implemented catches up to
// Issued. The second return value reports whether that happened, which is
// scenario C's "when wrbuffer_ref hits zero, ACK is sent".
func (m *Manager) DecWrBufferRef(inode core.InodeNo, sessionID uint64) (Cap, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ic, ok := m.inodes[inode]
	if !ok {
		return Cap{}, false
	}
	c, ok := ic.byClient[sessionID]
	if !ok {
		return Cap{}, false
	}
	if c.wrBufferRef > 0 {
		c.wrBufferRef--
	}

	pending := c.Implemented&^c.Issued&(CapFileWr|CapExclusive) != 0
	if c.wrBufferRef != 0 || !pending {
		return *c, false
	}
	c.Implemented = c.Issued
	c.Seq++
	return *c, true
}

func (m *Manager) inodeFor(inode core.InodeNo) *inodeCaps {
	ic, ok := m.inodes[inode]
	if !ok {
		ic = &inodeCaps{byClient: make(map[uint64]*Cap), snaps: list.New()}
		m.inodes[inode] = ic
	}
	return ic
}

// Grant issues (or extends) a capability for (inode, session), returning
// the resulting Cap. Seq is incremented on every grant so the client can
// detect and discard a stale GRANT that raced with a subsequent REVOKE.
func (m *Manager) Grant(inode core.InodeNo, sessionID uint64, gen core.SessionGen, wanted uint32) Cap {
	m.mu.Lock()
	defer m.mu.Unlock()

	ic := m.inodeFor(inode)
	c, ok := ic.byClient[sessionID]
	if !ok {
		c = &Cap{Inode: inode, SessionID: sessionID, Generation: gen}
		ic.byClient[sessionID] = c
	}
	c.Issued |= wanted
	c.Implemented |= wanted
	c.Seq++
	return *c
}

// Revoke clears bits from issued (the MDS wants them back, e.g. another
// client needs CapExclusive) without touching Implemented, which the
// client itself clears and acks via CapAck once it has written back and
// dropped the corresponding cached state (or DecWrBufferRef applies the
// ack automatically once wrBufferRef drains to zero). Dropping CapShared
// or CapFileRd also queues a page-cache invalidation: this session can no
// longer trust a cached read of inode.
func (m *Manager) Revoke(inode core.InodeNo, sessionID uint64, bits uint32) (Cap, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ic, ok := m.inodes[inode]
	if !ok {
		return Cap{}, false
	}
	c, ok := ic.byClient[sessionID]
	if !ok {
		return Cap{}, false
	}
	dropped := c.Issued & bits
	c.Issued &^= bits
	c.Seq++

	if dropped&(CapShared|CapFileRd) != 0 {
		m.invalidate.push(inode, sessionID)
	}
	return *c, true
}

// Ack records a client's CapAck: the client has dropped Implemented bits
// that are no longer in Issued. Out-of-order acks (an ack for a seq older
// than the cap's current seq) are dropped, since a newer grant/revoke has
// already superseded what this ack is acknowledging.
func (m *Manager) Ack(inode core.InodeNo, sessionID uint64, ackSeq uint64, implemented uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ic, ok := m.inodes[inode]
	if !ok {
		return false
	}
	c, ok := ic.byClient[sessionID]
	if !ok || ackSeq < c.Seq {
		return false
	}
	c.Implemented = implemented
	return true
}

// Release drops a session's cap on an inode entirely (clean unmount/close,
// or the delayed-release timer firing).
func (m *Manager) Release(inode core.InodeNo, sessionID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ic, ok := m.inodes[inode]
	if !ok {
		return
	}
	delete(ic.byClient, sessionID)
	if len(ic.byClient) == 0 {
		delete(m.inodes, inode)
	}
}

// DelayRelease queues a session's inodes for release after
// core.CapHoldDuration, rather than releasing immediately on a transient
// disconnect; CancelDelayedRelease undoes this if the client reconnects in
// time.
func (m *Manager) DelayRelease(sessionID uint64, inodes []core.InodeNo, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delayed[sessionID] = &delayedRelease{
		sessionID: sessionID,
		inodes:    inodes,
		deadline:  now.Add(core.CapHoldDuration),
	}
}

// CancelDelayedRelease removes a pending delayed release, e.g. because the
// session reconnected before its hold expired.
func (m *Manager) CancelDelayedRelease(sessionID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.delayed, sessionID)
}

// ExpireDelayed releases every delayed-release entry whose deadline has
// passed as of now, returning the session ids that were released.
func (m *Manager) ExpireDelayed(now time.Time) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []uint64
	for id, dr := range m.delayed {
		if !now.Before(dr.deadline) {
			for _, inode := range dr.inodes {
				if ic, ok := m.inodes[inode]; ok {
					delete(ic.byClient, id)
					if len(ic.byClient) == 0 {
						delete(m.inodes, inode)
					}
				}
			}
			expired = append(expired, id)
			delete(m.delayed, id)
		}
	}
	return expired
}
