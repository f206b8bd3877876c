// SPDX-License-Identifier: MIT

package mdsclient

import (
	"context"

	log "github.com/golang/glog"

	"github.com/cragfs/crag/internal/core"
)

// Do submits a ClientRequest over an open session to the rank's current
// address and returns the first reply. A reply carrying core.ErrStaleLeader
// is returned together with that error. Do does not re-send the request to
// another rank itself, so one call makes a single attempt and does not reach
// the core.MaxForwardAttempts bound or core.ErrForwardLoop; Forward changes
// the address that later calls use.
func (s *Session) Do(ctx context.Context, req core.ClientRequest) (core.ClientReply, error) {
	req.Tid = core.NewTid()

	for req.Attempt = 0; req.Attempt < core.MaxForwardAttempts; req.Attempt++ {
		s.mu.Lock()
		addr := s.addr
		s.mu.Unlock()

		env := core.Envelope{
			Type:        core.MsgClientRequest,
			Destination: addr,
			Tid:         req.Tid,
			Priority:    core.PriorityClient,
			Payload:     req,
		}
		var reply core.ClientReply
		if err := s.msgr.Send(ctx, env, "MDS.Request", &reply); err != nil {
			return core.ClientReply{}, err
		}

		if reply.Err == core.ErrStaleLeader {
			// The rank believes a forward is needed but didn't name a
			// target in this reply shape; surface as a retriable error
			// so the caller re-resolves mdsmap and retries Open.
			return reply, core.ErrStaleLeader.Error()
		}

		for _, t := range reply.Trace {
			s.PutLease(t.Name, t.Lease)
		}
		return reply, nil
	}

	log.Errorf("mdsclient: request %d exceeded %d forward attempts", req.Tid, core.MaxForwardAttempts)
	return core.ClientReply{}, core.ErrForwardLoop.Error()
}

// Forward is the handler a session installs for MsgClientRequestForward:
// it redirects a specific in-flight tid to a different rank by updating
// the session's target address and re-sending, without handing the caller
// a new tid.
func (s *Session) Forward(fwd core.ClientRequestForward, mdsmapAddr func(rank int) (core.EntityAddr, bool)) {
	addr, ok := mdsmapAddr(fwd.TargetRank)
	if !ok {
		log.Errorf("mdsclient: forward to unknown rank %d for tid %d", fwd.TargetRank, fwd.Tid)
		return
	}
	s.mu.Lock()
	s.rank = fwd.TargetRank
	s.addr = addr
	s.mu.Unlock()
}
