// SPDX-License-Identifier: MIT

// Package osd implements the object-storage-device server: the
// placement-group primary/replica service that applies OSDOp vectors
// against a local bolt-backed object store, and the heartbeat loop that
// reports load to the monitor quorum.
//
// Grounded on internal/tractserver's server/store split
// (internal/tractserver/server.go, internal/tractserver/store.go) and its
// status reporting (internal/tractserver/status.go), narrowed from a
// tract-oriented chunk store to the (pool, object-name) keyed store the
// data model describes, and generalized from "tracts on this tractserver"
// to "placement groups this OSD is currently primary or replica for".
package osd

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	sigar "github.com/cloudfoundry/gosigar"
	log "github.com/golang/glog"

	"github.com/cragfs/crag/internal/clustermap"
	"github.com/cragfs/crag/internal/core"
	"github.com/cragfs/crag/internal/crush"
	"github.com/cragfs/crag/internal/messenger"
	"github.com/cragfs/crag/internal/server"
	"github.com/cragfs/crag/pkg/tokenbucket"
	"github.com/cragfs/crag/platform/dyconfig"
)

// Config holds the parameters for one OSD process.
type Config struct {
	ID       int32
	Addr     core.EntityAddr
	StoreDir string

	HeartbeatInterval time.Duration

	// ScrubInterval is how often a full scrub pass over this OSD's
	// objects starts; ScrubRateBytes caps the rate at which a pass reads
	// object data, in bytes/sec, so scrubbing never competes with client
	// ops for disk bandwidth.
	ScrubInterval  time.Duration
	ScrubRateBytes float32

	// MaxConcurrentOps bounds how many OSDOp vectors may be applying
	// against the store at once, so a burst of client ops can't pile up
	// disk seeks faster than the device can service them.
	MaxConcurrentOps int
}

// DefaultConfig gives reasonable defaults, in the spirit of
// internal/master.DefaultConfig and internal/tractserver's own defaults.
var DefaultConfig = Config{
	HeartbeatInterval: 5 * time.Second,
	ScrubInterval:     10 * time.Minute,
	ScrubRateBytes:    10 << 20,
	MaxConcurrentOps:  32,
}

// opMetric tracks OSDOp counts, latencies and in-flight count by op-vector
// outcome, the same OpMetric every RPC-handling loop in this codebase uses.
var opMetric = server.NewOpMetric("osd_ops", "op")

// DyConfig holds the values this OSD allows to be tuned at runtime through
// platform/dyconfig, without a restart.
type DyConfig struct {
	// ScrubRateBytes caps scrub's read rate, in bytes/sec.
	ScrubRateBytes float32
}

// DefaultDyConfig mirrors DefaultConfig's own scrub rate as the starting
// dynamic value.
var DefaultDyConfig = DyConfig{ScrubRateBytes: DefaultConfig.ScrubRateBytes}

// OSD is one object-storage-device process: it holds a local Store for
// the placement groups it is currently responsible for, and keeps its view
// of the OSDMap/CRUSH map pair current via the messenger dispatch the
// monitor client drives.
type OSD struct {
	cfg Config

	msgr     *messenger.Messenger
	store    *Store
	locks    server.LockManager
	inflight server.Semaphore
	failures *server.OpFailure

	scrubBucket *tokenbucket.TokenBucket

	mu     sync.RWMutex
	osdmap *clustermap.OSDMap
	crush  *crush.Map
}

// New creates an OSD bound to a local store at cfg.StoreDir.
func New(cfg Config, msgr *messenger.Messenger) (*OSD, error) {
	store, err := OpenStore(cfg.StoreDir)
	if err != nil {
		return nil, err
	}
	max := cfg.MaxConcurrentOps
	if max < 1 {
		max = DefaultConfig.MaxConcurrentOps
	}
	o := &OSD{
		cfg:         cfg,
		msgr:        msgr,
		store:       store,
		locks:       server.NewFineGrainedLock(),
		inflight:    server.NewSemaphore(max),
		failures:    server.NewOpFailure(),
		scrubBucket: tokenbucket.New(cfg.ScrubRateBytes, 0),
	}
	msgr.Handle(core.MsgOSDOp, o.handleOp)
	return o, nil
}

// RegisterDyConfig registers this OSD's DyConfig under a shared key so an
// operator can retune scrub bandwidth across a whole fleet of OSDs at once
// with a single platform/dyconfig.Update call, the same "one key for the
// whole service" idiom internal/curator/dyconfig.go used for its bandwidth
// limiters.
func (o *OSD) RegisterDyConfig() {
	dyconfig.Register("crag-osd", false, DefaultDyConfig, o.updateDyConfig)
}

func (o *OSD) updateDyConfig(dyc DyConfig) {
	log.Infof("osd: got new dynamic config: %+v", dyc)
	if dyc.ScrubRateBytes < 1 {
		dyc.ScrubRateBytes = DefaultDyConfig.ScrubRateBytes
	}
	o.scrubBucket.SetRate(dyc.ScrubRateBytes, 0)
}

// FailureHandler exposes this OSD's fault-injection registry so an admin
// endpoint can update which ops are made to fail, for exercising recovery
// paths without a real disk or network fault.
func (o *OSD) FailureHandler(config json.RawMessage) error {
	return o.failures.Handler(config)
}

// OnMapChange updates the OSD's view of cluster placement, used to decide
// whether this OSD is still the acting primary for a PG it holds data for
// (and thus whether it should be applying client ops to it at all).
func (o *OSD) OnMapChange(m *clustermap.OSDMap, cm *crush.Map) {
	o.mu.Lock()
	o.osdmap = m
	o.crush = cm
	o.mu.Unlock()
}

// isPrimary reports whether this OSD is currently the acting primary for
// pg, consulting pg-temp overrides before falling back to CRUSH.
func (o *OSD) isPrimary(pg core.PG, pool *clustermap.PoolInfo) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.osdmap == nil || o.crush == nil {
		return false
	}
	if override, ok := o.osdmap.PGTemp[pg]; ok && len(override) > 0 {
		return override[0] == o.cfg.ID
	}
	devs := crush.Place(o.crush, pg, pool.CrushRule, pool.NumReplicas)
	return len(devs) > 0 && devs[0] == crush.DeviceID(o.cfg.ID)
}

// handleOp is the messenger Dispatcher registered for MsgOSDOp: it applies
// the op vector against the local store and sends a single reply, marked
// SafeCompleted, once the store's transaction has committed; no separate
// ACK reply precedes it.
func (o *OSD) handleOp(env core.Envelope) {
	op, ok := env.Payload.(core.OSDOp)
	if !ok {
		log.Errorf("osd: unexpected payload for MsgOSDOp")
		return
	}

	o.inflight.Acquire()
	defer o.inflight.Release()

	name := vectorName(op.Ops)
	m := opMetric.Start(name)
	var reply core.OSDOpReply
	if injected := o.failures.Get(name); injected != core.NoError {
		reply = core.OSDOpReply{Tid: op.Tid, Err: injected, State: core.SafeCompleted}
	} else {
		o.locks.LockPG(op.PG)
		reply = o.applyLocked(op)
		o.locks.UnlockPG(op.PG)
	}
	m.EndWithBlbError(&reply.Err)

	replyEnv := core.Envelope{
		Type:        core.MsgOSDOpReply,
		Destination: env.Source,
		Tid:         op.Tid,
		Payload:     reply,
	}
	if err := o.msgr.Send(context.Background(), replyEnv, "Objecter.HandleReply", nil); err != nil {
		log.Infof("osd: failed to reply to tid %d: %s", op.Tid, err)
	}
}

// vectorName labels an op vector by its first opcode, which is what drives
// its cost: a vector never mixes a read-class and write-class op in this
// data model.
func vectorName(ops []core.OSDOpCode) string {
	if len(ops) == 0 {
		return "empty"
	}
	switch ops[0] {
	case core.OpRead:
		return "read"
	case core.OpWrite:
		return "write"
	case core.OpDelete:
		return "delete"
	case core.OpTmapUpdate:
		return "tmap_update"
	default:
		return "unknown"
	}
}

// applyLocked executes an op vector against the local store. Caller must
// hold the PG's lock.
func (o *OSD) applyLocked(op core.OSDOp) core.OSDOpReply {
	var data []byte
	for _, code := range op.Ops {
		var err core.Error
		switch code {
		case core.OpRead:
			data, err = o.store.Read(op.Pool, op.Object, op.Offset, op.Length)
		case core.OpWrite:
			err = o.store.Write(op.Pool, op.Object, op.Offset, op.Data, op.Assert)
		case core.OpDelete:
			err = o.store.Delete(op.Pool, op.Object)
		case core.OpTmapUpdate:
			err = o.store.TmapUpdate(op.Pool, op.Object, op.Data, op.Assert)
		default:
			err = core.ErrInvalidArgument
		}
		if err != core.NoError {
			return core.OSDOpReply{Tid: op.Tid, Err: err, State: core.SafeCompleted}
		}
	}
	return core.OSDOpReply{Tid: op.Tid, Err: core.NoError, State: core.SafeCompleted, Data: data}
}

// HeartbeatLoop periodically reports this OSD's load to the monitor
// quorum, the same load-reporting idiom internal/tractserver/status.go
// uses gosigar for, generalized from an HTTP status page into a message
// sent on the wire.
func (o *OSD) HeartbeatLoop(send func(core.EntityAddr, float64, float64)) {
	ticker := time.NewTicker(o.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		mem := sigar.Mem{}
		if err := mem.Get(); err != nil {
			log.Errorf("osd: failed to get memory info: %s", err)
			continue
		}
		used := float64(mem.Used) / float64(mem.Total+1)
		send(o.cfg.Addr, used, float64(o.store.Size()))
	}
}

// ScrubLoop periodically walks every object this OSD stores, reading it
// back to catch silent corruption, throttled to o.scrubBucket's current
// rate (retunable at runtime via RegisterDyConfig) so a scrub pass never
// starves client traffic of disk bandwidth. Uses 0 capacity the same way
// data_scrub.go does: Take blocks for exactly the time needed to stay at
// the configured rate rather than bursting.
func (o *OSD) ScrubLoop() {
	if o.cfg.ScrubRateBytes < 1 {
		return
	}
	ticker := time.NewTicker(o.cfg.ScrubInterval)
	defer ticker.Stop()
	for range ticker.C {
		n, bytes := o.store.Scrub(o.scrubBucket)
		log.Infof("osd: scrub pass complete, %d objects, %d bytes", n, bytes)
	}
}
