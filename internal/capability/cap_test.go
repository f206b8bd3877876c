// SPDX-License-Identifier: MIT

package capability

import (
	"testing"
	"time"

	"github.com/cragfs/crag/internal/core"
)

func TestGrantAndRevoke(t *testing.T) {
	m := NewManager()
	c := m.Grant(1, 100, 1, CapShared|CapFileRd)
	if c.Issued&CapShared == 0 {
		t.Fatal("expected CapShared to be issued")
	}

	rev, ok := m.Revoke(1, 100, CapShared)
	if !ok {
		t.Fatal("expected revoke to find the cap")
	}
	if rev.Issued&CapShared != 0 {
		t.Fatal("CapShared should have been cleared from issued")
	}
	if rev.Implemented&CapShared == 0 {
		t.Fatal("implemented should be untouched until the client acks")
	}
}

func TestAckRejectsStaleSeq(t *testing.T) {
	m := NewManager()
	m.Grant(1, 100, 1, CapShared)
	m.Revoke(1, 100, 0) // bump seq without changing issued

	if ok := m.Ack(1, 100, 0, 0); ok {
		t.Fatal("ack with stale seq should be rejected")
	}
	if ok := m.Ack(1, 100, 2, 0); !ok {
		t.Fatal("ack with current seq should be accepted")
	}
}

func TestExportImportRejectsStaleMigrateSeq(t *testing.T) {
	m := NewManager()
	m.Grant(1, 100, 1, CapShared)
	exp, ok := m.Export(1, 100)
	if !ok {
		t.Fatal("expected export to succeed")
	}

	m2 := NewManager()
	if ok := m2.Import(exp); !ok {
		t.Fatal("expected first import to succeed")
	}
	if ok := m2.Import(exp); ok {
		t.Fatal("replaying the same export should be rejected as stale")
	}
}

func TestCapSnapFlushOrdering(t *testing.T) {
	m := NewManager()
	m.QueueCapSnap(1, 10)
	m.QueueCapSnap(1, 20)
	m.QueueCapSnap(1, 30)

	// Flush out of order: middle one first should not pop anything.
	if !m.FlushCapSnap(1, 20) {
		t.Fatal("expected flush of snap 20 to be recorded")
	}
	if got := m.PendingCapSnaps(1); got != 3 {
		t.Fatalf("pending = %d, want 3 (nothing popped yet)", got)
	}

	// Flushing the front pops it, then cascades through the
	// already-flushed middle entry.
	if !m.FlushCapSnap(1, 10) {
		t.Fatal("expected flush of snap 10 to be recorded")
	}
	if got := m.PendingCapSnaps(1); got != 1 {
		t.Fatalf("pending = %d, want 1 (10 and 20 popped)", got)
	}
}

func TestDelayedReleaseExpiry(t *testing.T) {
	m := NewManager()
	m.Grant(1, 100, 1, CapShared)
	now := time.Unix(0, 0)
	m.DelayRelease(100, []core.InodeNo{1}, now)

	if expired := m.ExpireDelayed(now); len(expired) != 0 {
		t.Fatalf("should not expire before deadline: %v", expired)
	}
	if expired := m.ExpireDelayed(now.Add(core.CapHoldDuration)); len(expired) != 1 {
		t.Fatalf("expected exactly one expired session, got %v", expired)
	}
	if _, ok := m.Revoke(1, 100, CapShared); ok {
		t.Fatal("cap should have been released after expiry")
	}
}

func TestCancelDelayedRelease(t *testing.T) {
	m := NewManager()
	m.Grant(1, 100, 1, CapShared)
	now := time.Unix(0, 0)
	m.DelayRelease(100, []core.InodeNo{1}, now)
	m.CancelDelayedRelease(100)

	if expired := m.ExpireDelayed(now.Add(core.CapHoldDuration)); len(expired) != 0 {
		t.Fatalf("cancelled release should not expire: %v", expired)
	}
	if _, ok := m.Revoke(1, 100, CapShared); !ok {
		t.Fatal("cap should still be live after cancelling delayed release")
	}
}

func TestEffectiveIssuedExcludesStaleGeneration(t *testing.T) {
	m := NewManager()
	now := time.Unix(1000, 0)
	m.SessionHeartbeat(100, 1, now.Add(core.SessionLeaseDuration))
	m.Grant(1, 100, 1, CapShared|CapFileRd)

	if mask := m.EffectiveIssued(1, now); mask&CapShared == 0 {
		t.Fatal("fresh cap should contribute to effective issued")
	}

	// Session reconnects at a new generation; the cap minted under the old
	// one is now stale even though its own fields never changed.
	m.SessionHeartbeat(100, 2, now.Add(core.SessionLeaseDuration))
	if mask := m.EffectiveIssued(1, now); mask != 0 {
		t.Fatalf("mask = %#x, want 0 once the cap trails the session generation", mask)
	}
}

func TestEffectiveIssuedExcludesExpiredLease(t *testing.T) {
	m := NewManager()
	now := time.Unix(1000, 0)
	m.SessionHeartbeat(100, 1, now.Add(10*time.Second))
	m.Grant(1, 100, 1, CapShared)

	if mask := m.EffectiveIssued(1, now); mask&CapShared == 0 {
		t.Fatal("cap should contribute before its session lease expires")
	}
	if mask := m.EffectiveIssued(1, now.Add(11*time.Second)); mask != 0 {
		t.Fatalf("mask = %#x, want 0 once the session lease has expired", mask)
	}
}

func TestEffectiveIssuedFoldsInOutstandingWriteBuffer(t *testing.T) {
	m := NewManager()
	now := time.Unix(1000, 0)
	m.SessionHeartbeat(100, 1, now.Add(core.SessionLeaseDuration))
	m.Grant(1, 100, 1, CapFileWr|CapExclusive)
	m.IncWrBufferRef(1, 100)
	m.Revoke(1, 100, CapFileWr|CapExclusive)

	if mask := m.EffectiveIssued(1, now); mask&CapFileWr == 0 {
		t.Fatal("an outstanding write-buffer reference should keep CapFileWr in effect")
	}
}

func TestDecWrBufferRefAppliesDeferredAckAtZero(t *testing.T) {
	m := NewManager()
	m.Grant(1, 100, 1, CapFileWr|CapExclusive)
	m.IncWrBufferRef(1, 100)
	m.IncWrBufferRef(1, 100)

	rev, ok := m.Revoke(1, 100, CapFileWr|CapExclusive)
	if !ok {
		t.Fatal("expected revoke to find the cap")
	}
	if rev.Implemented&CapFileWr == 0 {
		t.Fatal("implemented should still carry the revoked bits before the buffer drains")
	}

	if _, acked := m.DecWrBufferRef(1, 100); acked {
		t.Fatal("should not ack while a reference is still outstanding")
	}
	c, acked := m.DecWrBufferRef(1, 100)
	if !acked {
		t.Fatal("expected the ack to apply once the last write-buffer reference drains")
	}
	if c.Implemented&(CapFileWr|CapExclusive) != 0 {
		t.Fatal("implemented should have caught up to issued once acked")
	}
}

func TestRevokeQueuesInvalidationOnCachedReadDrop(t *testing.T) {
	m := NewManager()
	done := make(chan struct{}, 1)
	var gotInode core.InodeNo
	var gotSession uint64
	m.OnInvalidate(func(inode core.InodeNo, sessionID uint64) {
		gotInode, gotSession = inode, sessionID
		done <- struct{}{}
	})
	defer m.Close()

	m.Grant(7, 200, 1, CapShared|CapFileRd)
	m.Revoke(7, 200, CapShared)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for invalidation callback")
	}
	if gotInode != 7 || gotSession != 200 {
		t.Fatalf("invalidation callback got (%d, %d), want (7, 200)", gotInode, gotSession)
	}
}

func TestRevokeSkipsInvalidationWhenNoCachedReadDropped(t *testing.T) {
	m := NewManager()
	called := make(chan struct{}, 1)
	m.OnInvalidate(func(core.InodeNo, uint64) { called <- struct{}{} })
	defer m.Close()

	m.Grant(7, 200, 1, CapFileWr|CapExclusive)
	m.Revoke(7, 200, CapFileWr)

	select {
	case <-called:
		t.Fatal("revoking a write cap should not queue a page-cache invalidation")
	case <-time.After(50 * time.Millisecond):
	}
}
