// SPDX-License-Identifier: MIT

// Package snaprealm implements the snapshot-realm hierarchy: every
// directory that has ever had a snapshot taken on it (or inherited one
// from an ancestor) roots or belongs to a realm, and every realm's
// effective snap context is the union of its own snaps and its parent
// chain's, recomputed lazily and cached until something in the chain
// changes.
//
// Grounded on internal/curator/storageclass's versioned, lazily
// recomputed derived-state pattern: a monotonic sequence number on each
// realm lets children detect that their cached, inherited context is
// stale without the parent having to push updates down eagerly.
package snaprealm

import (
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/cragfs/crag/internal/core"
)

// snapItem adapts core.SnapID to btree.Item so a realm's own snap ids can
// be kept in a balanced tree instead of a slice that must be re-sorted on
// every insert.
type snapItem core.SnapID

func (a snapItem) Less(than btree.Item) bool { return a < than.(snapItem) }

// Realm is one node of the snap-realm tree.
type Realm struct {
	Inode  core.InodeNo
	Parent *Realm

	// ParentSince is the snap-id as of which this realm's current parent
	// took effect; a rename across realm boundaries changes Parent and
	// bumps this, so any snapshot taken before the move is still
	// attributed to the old ancestry when walking history.
	ParentSince core.SnapID

	// own holds snap ids created directly on this realm, keyed for
	// ordered ascend/descend walks (used by EffectiveContext to apply
	// the ParentSince cutoff without scanning every realm in the chain
	// more than once per query).
	own *btree.BTree

	// seq increments on every mutation to this realm (own snaps added or
	// removed, or Parent/ParentSince changed), invalidating any cached
	// SnapContext computed from an older seq.
	seq core.SnapID

	mu sync.Mutex

	cachedCtx core.SnapContext
	cachedFor core.SnapID // seq this realm's cache (and its ancestors') reflects
}

// New creates a root realm (no parent) for an inode.
func New(inode core.InodeNo) *Realm {
	return &Realm{Inode: inode, own: btree.New(32)}
}

// Child creates a new realm whose parent is r, effective as of
// parentSince.
func (r *Realm) Child(inode core.InodeNo, parentSince core.SnapID) *Realm {
	return &Realm{Inode: inode, Parent: r, ParentSince: parentSince, own: btree.New(32)}
}

// AddSnap records a new snapshot created directly on this realm.
func (r *Realm) AddSnap(id core.SnapID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.own.ReplaceOrInsert(snapItem(id))
	r.seq++
}

// RemoveSnap deletes a previously-created snapshot (e.g. on rmsnap).
func (r *Realm) RemoveSnap(id core.SnapID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.own.Delete(snapItem(id)) != nil {
		r.seq++
	}
}

// Reparent changes r's parent, used when a rename moves the realm's root
// directory across an existing realm boundary.
func (r *Realm) Reparent(newParent *Realm, since core.SnapID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Parent = newParent
	r.ParentSince = since
	r.seq++
}

// EffectiveContext returns this realm's effective SnapContext: the union
// of its own snaps and every ancestor's (each ancestor's contribution
// limited to snaps it held as of the point this realm was attached to
// it), recomputed only when this realm's or an ancestor's seq has
// advanced since the cached value was built.
func (r *Realm) EffectiveContext() core.SnapContext {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := r.totalSeqLocked()
	if r.cachedFor == total && r.cachedCtx.Snaps != nil {
		return r.cachedCtx
	}

	var all []core.SnapID
	r.own.Descend(func(item btree.Item) bool {
		all = append(all, core.SnapID(item.(snapItem)))
		return true
	})
	anc, since := r.Parent, r.ParentSince
	for anc != nil {
		anc.mu.Lock()
		anc.own.Descend(func(item btree.Item) bool {
			s := core.SnapID(item.(snapItem))
			if since == 0 || s <= since {
				all = append(all, s)
			}
			return true
		})
		next, nextSince := anc.Parent, anc.ParentSince
		anc.mu.Unlock()
		anc, since = next, nextSince
	}

	sort.Sort(sort.Reverse(idSlice(all)))
	var seq core.SnapID
	if len(all) > 0 {
		seq = all[0]
	}

	r.cachedCtx = core.SnapContext{Seq: seq, Snaps: all}
	r.cachedFor = total
	return r.cachedCtx
}

// totalSeqLocked sums this realm's and every ancestor's seq, giving a
// single comparable value that changes whenever any realm in the chain
// does. Caller must hold r.mu; ancestor locks are taken individually.
func (r *Realm) totalSeqLocked() core.SnapID {
	total := r.seq
	anc := r.Parent
	for anc != nil {
		anc.mu.Lock()
		total += anc.seq
		next := anc.Parent
		anc.mu.Unlock()
		anc = next
	}
	return total
}

type idSlice []core.SnapID

func (s idSlice) Len() int           { return len(s) }
func (s idSlice) Less(i, j int) bool { return s[i] < s[j] }
func (s idSlice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
