// SPDX-License-Identifier: MIT

package capability

import (
	"container/list"

	"github.com/cragfs/crag/internal/core"
)

// Export produces the wire form of a client's cap on an inode for export
// during MDS rank migration, bumping MigrateSeq so the importing rank (and
// the client, via its next cap message) can tell this export apart from
// any cap state it already held for the same inode under a stale
// migrate-seq.
func (m *Manager) Export(inode core.InodeNo, sessionID uint64) (core.CapExport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ic, ok := m.inodes[inode]
	if !ok {
		return core.CapExport{}, false
	}
	c, ok := ic.byClient[sessionID]
	if !ok {
		return core.CapExport{}, false
	}
	c.MigrateSeq++
	return core.CapExport{
		Inode:       c.Inode,
		SessionID:   c.SessionID,
		Issued:      c.Issued,
		Implemented: c.Implemented,
		Seq:         c.Seq,
		MigrateSeq:  c.MigrateSeq,
		Generation:  c.Generation,
	}, true
}

// Import installs a capability exported from another rank. An import
// carrying a MigrateSeq no newer than one already recorded for this
// (inode, session) is dropped as a stale, reordered export.
func (m *Manager) Import(exp core.CapExport) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ic := m.inodeFor(exp.Inode)
	if existing, ok := ic.byClient[exp.SessionID]; ok && existing.MigrateSeq >= exp.MigrateSeq {
		return false
	}
	ic.byClient[exp.SessionID] = &Cap{
		Inode:       exp.Inode,
		SessionID:   exp.SessionID,
		Issued:      exp.Issued,
		Implemented: exp.Implemented,
		Seq:         exp.Seq,
		MigrateSeq:  exp.MigrateSeq,
		Generation:  exp.Generation,
	}
	return true
}

// QueueCapSnap appends a new pending flush to an inode's cap-snap queue,
// ordered by Follows (callers always append the newest snapshot, so the
// queue stays naturally ordered oldest-first without needing to sort).
func (m *Manager) QueueCapSnap(inode core.InodeNo, follows core.SnapID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ic := m.inodeFor(inode)
	ic.snaps.PushBack(&capSnap{follows: follows})
}

// FlushCapSnap marks the pending cap-snap flush whose follows matches as
// complete and, if it is indeed the front of the queue, pops it. Flushes
// must complete in order: if 'follows' does not match the front entry, the
// client is telling the MDS about a write-back for a snapshot that was
// already superseded, so it is accepted but not popped, and true is still
// returned so the caller's CapFlushedSnapAck goes out -- but the head of
// the queue is only advanced for the entry actually at the front.
func (m *Manager) FlushCapSnap(inode core.InodeNo, follows core.SnapID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ic, ok := m.inodes[inode]
	if !ok {
		return false
	}
	for e := ic.snaps.Front(); e != nil; e = e.Next() {
		cs := e.Value.(*capSnap)
		if cs.follows == follows {
			cs.flushed = true
			popFlushedFront(ic.snaps)
			return true
		}
	}
	return false
}

// popFlushedFront removes completed entries from the front of the queue
// for as long as they are contiguous, preserving flush ordering: a later
// snapshot's flush can complete before an earlier one's without breaking
// anything, but it only gets popped once everything before it is gone too.
func popFlushedFront(l *list.List) {
	for e := l.Front(); e != nil; {
		cs := e.Value.(*capSnap)
		if !cs.flushed {
			return
		}
		next := e.Next()
		l.Remove(e)
		e = next
	}
}

// PendingCapSnaps reports how many cap-snap flushes are still outstanding
// for an inode.
func (m *Manager) PendingCapSnaps(inode core.InodeNo) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ic, ok := m.inodes[inode]
	if !ok {
		return 0
	}
	return ic.snaps.Len()
}
