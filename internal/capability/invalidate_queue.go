// SPDX-License-Identifier: MIT

package capability

import (
	"sync/atomic"

	"github.com/cragfs/crag/internal/core"
)

// invalidation is one page-cache invalidation job: session lost cached-read
// permission on inode and must be told its local copy is no longer valid.
type invalidation struct {
	inode     core.InodeNo
	sessionID uint64
}

const (
	invalidateQueueWorkers = 4
	invalidateQueueDepth   = 256
)

// invalidateQueue runs page-cache invalidation callbacks on a small fixed
// pool of goroutines, so a slow callback (e.g. a message send to a client
// that isn't responding) never backs up the caller that just revoked a cap
// under Manager.mu. Modeled on internal/server/semaphore.go's channel-based
// concurrency primitive, generalized from a counting gate into a bounded
// job queue.
type invalidateQueue struct {
	jobs chan invalidation
	done chan struct{}
	fn   atomic.Value // func(core.InodeNo, uint64)
}

// newInvalidateQueue starts invalidateQueueWorkers goroutines that call fn
// for every job pushed via push. fn may be nil, in which case jobs are
// drained and discarded until OnInvalidate installs a real callback.
func newInvalidateQueue(fn func(core.InodeNo, uint64)) *invalidateQueue {
	q := &invalidateQueue{
		jobs: make(chan invalidation, invalidateQueueDepth),
		done: make(chan struct{}),
	}
	if fn != nil {
		q.setFn(fn)
	}
	for i := 0; i < invalidateQueueWorkers; i++ {
		go q.run()
	}
	return q
}

func (q *invalidateQueue) setFn(fn func(core.InodeNo, uint64)) {
	q.fn.Store(fn)
}

func (q *invalidateQueue) run() {
	for {
		select {
		case job := <-q.jobs:
			if fn, ok := q.fn.Load().(func(core.InodeNo, uint64)); ok && fn != nil {
				fn(job.inode, job.sessionID)
			}
		case <-q.done:
			return
		}
	}
}

// push enqueues an invalidation job, dropping it rather than blocking the
// caller if the queue is full. A dropped invalidation is not fatal: the
// next grant/revoke round trip for the same inode carries fresh state
// regardless, and a client that missed an invalidation notice will still
// get ErrBadVersion on its next write against stale cached data.
func (q *invalidateQueue) push(inode core.InodeNo, sessionID uint64) bool {
	select {
	case q.jobs <- invalidation{inode: inode, sessionID: sessionID}:
		return true
	default:
		return false
	}
}

func (q *invalidateQueue) close() {
	close(q.done)
}
