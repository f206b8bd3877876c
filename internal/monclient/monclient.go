// SPDX-License-Identifier: MIT

// Package monclient is the client-side binding to the monitor quorum:
// discovery against a monmap, tracking the epoch a caller wants, and
// issuing statfs queries. It generalizes client/blb's MasterConnection
// (client/blb/master_conn.go, client/blb/rpc_master_conn.go) from "talk to
// a single master" to "talk to whichever monitor in the quorum answers,
// trying each in turn". Statfs makes one pass over the monitors per call
// and does not back off or start a second pass.
package monclient

import (
	"context"
	"sync"

	log "github.com/golang/glog"

	"github.com/cragfs/crag/internal/clustermap"
	"github.com/cragfs/crag/internal/core"
	"github.com/cragfs/crag/internal/messenger"
	"github.com/cragfs/crag/pkg/retry"
)

// Client discovers and talks to the monitor quorum described by a MonMap.
// It is safe for concurrent use.
type Client struct {
	msgr *messenger.Messenger

	mu       sync.Mutex
	monmap   *clustermap.MonMap
	wanted   core.Epoch // lowest osdmap/mdsmap epoch a caller is waiting for
	lastMon  int        // index into monmap.Mons we last had success with
}

// New creates a monitor client bound to an initial MonMap (typically loaded
// from a seed file or the last persisted map).
func New(msgr *messenger.Messenger, monmap *clustermap.MonMap) *Client {
	return &Client{msgr: msgr, monmap: monmap}
}

// UpdateMonMap replaces the known monitor set, e.g. after a monmap epoch
// bump is observed on any link.
func (c *Client) UpdateMonMap(m *clustermap.MonMap) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m.Epoch > c.monmap.Epoch {
		c.monmap = m
	}
}

// Statfs queries cluster-wide usage, trying each monitor in the quorum
// starting from the one that last succeeded (failing over on error),
// bounded by core.MonStatfsTimeout.
func (c *Client) Statfs(ctx context.Context) (core.StatfsReply, error) {
	ctx, cancel := context.WithTimeout(ctx, core.MonStatfsTimeout)
	defer cancel()

	c.mu.Lock()
	mons := append([]clustermap.MonInfo(nil), c.monmap.Mons...)
	start := c.lastMon
	c.mu.Unlock()

	if len(mons) == 0 {
		return core.StatfsReply{}, core.ErrNoQuorum.Error()
	}

	var lastErr error
	for i := 0; i < len(mons); i++ {
		idx := (start + i) % len(mons)
		mon := mons[idx]

		env := core.Envelope{
			Type:        core.MsgStatfs,
			Destination: mon.Addr,
			Payload:     core.Statfs{Tid: core.NewTid()},
		}
		var reply core.StatfsReply
		if err := c.msgr.Send(ctx, env, "Monitor.Statfs", &reply); err != nil {
			log.Infof("monclient: statfs to %s failed: %s", mon.Addr, err)
			lastErr = err
			continue
		}
		c.mu.Lock()
		c.lastMon = idx
		c.mu.Unlock()
		return reply, nil
	}
	return core.StatfsReply{}, lastErr
}

// WaitForEpoch blocks until an osdmap/mdsmap epoch at least as new as want
// is observed, polling with the jittered exponential backoff every other
// retry loop in this codebase uses, bounded by MapWaitMinBackoff and
// MapWaitMaxBackoff.
func (c *Client) WaitForEpoch(ctx context.Context, want core.Epoch, observed func() core.Epoch) error {
	c.mu.Lock()
	if want > c.wanted {
		c.wanted = want
	}
	c.mu.Unlock()

	r := &retry.Retrier{MinSleep: core.MapWaitMinBackoff, MaxSleep: core.MapWaitMaxBackoff}
	ok, cancelled := r.Do(ctx, func(int) bool { return observed() >= want })
	if cancelled {
		return ctx.Err()
	}
	if !ok {
		return core.ErrTimeout.Error()
	}
	return nil
}
