// SPDX-License-Identifier: MIT

package messenger

import (
	"net/rpc"
	"sync"
)

// connState is the connection state machine named by the transport design:
// a connection starts OPENING, becomes OPEN once dialed, drops back to
// OPENING when a dial or call fails, and ends in CLOSED once torn down for
// good. STANDBY and CLOSING are named here but no code path enters them.
type connState uint8

const (
	stateOpening connState = iota
	stateOpen
	stateStandby
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateOpening:
		return "opening"
	case stateOpen:
		return "open"
	case stateStandby:
		return "standby"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// peerConn tracks one peer's session: the underlying net/rpc client (nil
// while OPENING/STANDBY), its policy, its state, a queue of envelopes held
// while the link is down (Lossless only), and the nonce of the last
// EntityAddr we successfully dialed -- a different nonce on redial means
// the peer process restarted, which is a session reset, not a resume.
type peerConn struct {
	mu sync.Mutex

	addr   string
	policy Policy
	state  connState

	client *rpc.Client

	// refs is how many in-flight callers currently hold this entry; the
	// connection is only eligible for eviction once it drops to zero,
	// mirroring the teacher's ref-counted LRU entries.
	refs int

	// queued is not written by any send path: a Lossless send that finds
	// the link down blocks in retryLoop and re-sends its own envelope after
	// a redial, so sends from different callers are not replayed in one
	// shared order.
	queued [][]byte

	// failures counts consecutive dial/send failures, driving the
	// policy's backoff schedule.
	failures int

	// lastNonce is the nonce of the EntityAddr last successfully used to
	// reach this peer; used to detect a session reset (peer restarted at
	// the same host:port with a new nonce).
	lastNonce uint64
}

func (c *peerConn) incRef() {
	c.mu.Lock()
	c.refs++
	c.mu.Unlock()
}

// decRef releases a reference and reports whether the entry is now
// eligible for eviction (refs reached zero and it is not OPEN).
func (c *peerConn) decRef() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs--
	return c.refs <= 0 && c.state != stateOpen
}

func (c *peerConn) setState(s connState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *peerConn) getState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *peerConn) closeLocked() {
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	c.state = stateClosed
}
