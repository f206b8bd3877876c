// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"sync"

	"github.com/cragfs/crag/internal/core"
)

// LockManager provides exclusive access to a given inode or placement
// group. We use leader continuity check to guard against conflicting
// changes from different nodes, but within the same node we still need a
// lock to guard against conflicting changes from different goroutines.
type LockManager interface {
	// LockInode acquires exclusive access to a given inode, e.g. while
	// an MDS applies a metadata operation against it.
	LockInode(core.InodeNo)

	// UnlockInode releases the lock on a given inode.
	UnlockInode(core.InodeNo)

	// LockPG acquires exclusive access to a given placement group, e.g.
	// while an OSD applies an op vector against it.
	LockPG(core.PG)

	// UnlockPG releases the lock on a given placement group.
	UnlockPG(core.PG)
}

// FineGrainedLock implements LockManager.
type FineGrainedLock struct {
	// Protects cond and things.
	lock sync.Mutex

	// Signals when something is unlocked.
	cond sync.Cond

	// Holds lock state for blobs and tracts. If present, the object is locked.
	things map[interface{}]bool
}

// NewFineGrainedLock creates a new FineGrainedLock.
func NewFineGrainedLock() LockManager {
	f := new(FineGrainedLock)
	f.cond.L = &f.lock
	f.things = make(map[interface{}]bool)
	return f
}

func (f *FineGrainedLock) lockThing(thing interface{}) {
	f.lock.Lock()
	defer f.lock.Unlock()
	for f.things[thing] {
		f.cond.Wait()
	}
	f.things[thing] = true
}

func (f *FineGrainedLock) unlockThing(thing interface{}) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if !f.things[thing] {
		panic("wasn't locked!")
	}
	delete(f.things, thing)
	f.cond.Broadcast()
}

// LockInode locks an inode.
func (f *FineGrainedLock) LockInode(inode core.InodeNo) {
	f.lockThing(inode)
}

// UnlockInode unlocks an inode.
func (f *FineGrainedLock) UnlockInode(inode core.InodeNo) {
	f.unlockThing(inode)
}

// LockPG locks a placement group.
func (f *FineGrainedLock) LockPG(pg core.PG) {
	f.lockThing(pg)
}

// UnlockPG unlocks a placement group.
func (f *FineGrainedLock) UnlockPG(pg core.PG) {
	f.unlockThing(pg)
}
