// SPDX-License-Identifier: MIT

// Package objecter is the client-side binding for OSD I/O: it tracks every
// in-flight OSDOp by tid, resolves a PG to its current acting primary via
// clustermap+crush, and re-targets in-flight ops (without reassigning
// their tid) when a map update moves a PG's primary out from under them.
//
// Grounded on client/blb/client.go's retry-with-backoff request wrapper
// and client/blb/tract_cache.go's cached-mapping-invalidated-by-version
// pattern, generalized from "which tractservers hold this tract" to
// "which OSD is this PG's current primary".
package objecter

import (
	"context"
	"sync"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cragfs/crag/internal/clustermap"
	"github.com/cragfs/crag/internal/core"
	"github.com/cragfs/crag/internal/crush"
	"github.com/cragfs/crag/internal/messenger"
)

var (
	opLatency = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Name: "objecter_op_latency_seconds",
		Help: "Latency from submit to SAFE completion, by op code.",
	}, []string{"op"})

	inFlightOps = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "objecter_inflight_ops",
		Help: "Number of OSDOps currently tracked as in flight.",
	})
)

// pendingOp is the Objecter's bookkeeping for one outstanding OSDOp: its
// original request (kept so it can be re-sent if the target changes), the
// PG it targets, and channels the caller blocks on for each completion
// milestone.
type pendingOp struct {
	req  core.OSDOp
	pg   core.PG
	pool *clustermap.PoolInfo
	ack  chan core.OSDOpReply
	safe chan core.OSDOpReply
	// lingerID is non-zero if this op registered a watch; live watches
	// are re-armed against the new primary on re-target, not dropped.
	lingerID core.LingerID
}

// Objecter issues OSDOps against a cluster described by an OSDMap+CRUSH
// map, retargeting transparently as the map changes. Safe for concurrent
// use.
type Objecter struct {
	msgr *messenger.Messenger

	mu      sync.Mutex
	osdmap  *clustermap.OSDMap
	crush   *crush.Map
	pending map[core.Tid]*pendingOp
	lingers map[core.LingerID]*pendingOp
}

// New creates an Objecter bound to an initial (osdmap, crush map) pair.
func New(msgr *messenger.Messenger, osdmap *clustermap.OSDMap, cm *crush.Map) *Objecter {
	return &Objecter{
		msgr:    msgr,
		osdmap:  osdmap,
		crush:   cm,
		pending: make(map[core.Tid]*pendingOp),
		lingers: make(map[core.LingerID]*pendingOp),
	}
}

// primaryFor resolves the acting primary OSD address for a PG under the
// current map pair, applying any pg-temp override first.
func (o *Objecter) primaryFor(pg core.PG, pool *clustermap.PoolInfo) (core.EntityAddr, bool) {
	if override, ok := o.osdmap.PGTemp[pg]; ok && len(override) > 0 {
		info, ok := o.osdmap.OSDs[override[0]]
		return addrOr(info, ok)
	}
	devs := crush.Place(o.crush, pg, pool.CrushRule, pool.NumReplicas)
	if len(devs) == 0 {
		return core.EntityAddr{}, false
	}
	info, ok := o.osdmap.OSDs[int32(devs[0])]
	return addrOr(info, ok)
}

func addrOr(info *clustermap.OSDInfo, ok bool) (core.EntityAddr, bool) {
	if !ok || info.State != clustermap.OSDUp {
		return core.EntityAddr{}, false
	}
	return info.Addr, true
}

// Submit sends op to its PG's current primary and returns once it reaches
// the given milestone (ACK for an in-memory commit at the primary, SAFE
// for durable commit on every acting replica; reads complete both
// together). The tid is assigned here and never changes for the life of
// this call, even across a re-target.
func (o *Objecter) Submit(ctx context.Context, op core.OSDOp, pool *clustermap.PoolInfo, wait core.AckState) (core.OSDOpReply, error) {
	op.Tid = core.NewTid()

	p := &pendingOp{req: op, pg: op.PG, pool: pool, ack: make(chan core.OSDOpReply, 1), safe: make(chan core.OSDOpReply, 1)}
	if op.LingerID != 0 {
		p.lingerID = op.LingerID
	}

	o.mu.Lock()
	o.pending[op.Tid] = p
	if p.lingerID != 0 {
		o.lingers[p.lingerID] = p
	}
	o.mu.Unlock()
	inFlightOps.Inc()
	defer func() {
		o.mu.Lock()
		delete(o.pending, op.Tid)
		o.mu.Unlock()
		inFlightOps.Dec()
	}()

	if err := o.dispatch(ctx, p); err != nil {
		return core.OSDOpReply{}, err
	}

	target := p.ack
	if wait == core.SafeCompleted {
		target = p.safe
	}
	select {
	case reply := <-target:
		return reply, nil
	case <-ctx.Done():
		return core.OSDOpReply{}, ctx.Err()
	}
}

// dispatch resolves the op's current primary and sends it, without
// blocking for a reply (the reply arrives asynchronously via HandleReply,
// called from the messenger's dispatcher for MsgOSDOpReply).
func (o *Objecter) dispatch(ctx context.Context, p *pendingOp) error {
	o.mu.Lock()
	addr, ok := o.primaryFor(p.pg, p.pool)
	o.mu.Unlock()
	if !ok {
		return core.ErrMapChange.Error()
	}

	env := core.Envelope{
		Type:        core.MsgOSDOp,
		Destination: addr,
		Tid:         p.req.Tid,
		Priority:    core.PriorityClient,
		Payload:     p.req,
	}
	var reply core.OSDOpReply
	return o.msgr.Send(ctx, env, "OSD.Op", &reply)
}

// HandleReply is the messenger Dispatcher for MsgOSDOpReply: it routes the
// reply to the waiting Submit call by tid, discarding replies for tids no
// longer tracked (a stale reply from a primary that has since lost the PG,
// per the data model's re-dispatch invariant).
func (o *Objecter) HandleReply(env core.Envelope) {
	reply, ok := env.Payload.(core.OSDOpReply)
	if !ok {
		log.Errorf("objecter: unexpected payload type for MsgOSDOpReply")
		return
	}

	o.mu.Lock()
	p, ok := o.pending[reply.Tid]
	o.mu.Unlock()
	if !ok {
		log.V(2).Infof("objecter: discarding reply for unknown tid %d", reply.Tid)
		return
	}

	if reply.Err == core.ErrMapChange {
		// The primary moved; re-dispatch keeps the same tid, so the
		// caller's Submit call never sees this as a new request.
		go o.redispatch(p)
		return
	}

	select {
	case p.ack <- reply:
	default:
	}
	if reply.State == core.SafeCompleted {
		select {
		case p.safe <- reply:
		default:
		}
	}
}

// redispatch re-resolves the primary and resends, used both for
// ErrMapChange replies and for OnMapChange below. It never reassigns the
// op's tid, so the original Submit caller's wait channels are unaffected.
func (o *Objecter) redispatch(p *pendingOp) {
	ctx, cancel := context.WithTimeout(context.Background(), core.OpTimeout)
	defer cancel()
	if err := o.dispatch(ctx, p); err != nil {
		log.Infof("objecter: re-dispatch of tid %d failed: %s", p.req.Tid, err)
	}
}

// OnMapChange is called whenever a newer OSDMap/CRUSH map pair is
// observed. Every in-flight op whose PG's primary changed under the new
// map is re-dispatched to the new primary, preserving its tid; live
// lingers (watches) are re-armed the same way instead of being torn down.
func (o *Objecter) OnMapChange(osdmap *clustermap.OSDMap, cm *crush.Map) {
	o.mu.Lock()
	ops := make([]*pendingOp, 0, len(o.pending)+len(o.lingers))
	for _, p := range o.pending {
		ops = append(ops, p)
	}
	for _, p := range o.lingers {
		if _, inFlight := o.pending[p.req.Tid]; !inFlight {
			ops = append(ops, p)
		}
	}
	before := make([]core.EntityAddr, len(ops))
	for i, p := range ops {
		before[i], _ = o.primaryFor(p.pg, p.pool)
	}
	o.osdmap = osdmap
	o.crush = cm
	var moved []*pendingOp
	for i, p := range ops {
		if after, _ := o.primaryFor(p.pg, p.pool); after != before[i] {
			moved = append(moved, p)
		}
	}
	o.mu.Unlock()

	for _, p := range moved {
		go o.redispatch(p)
	}
}
