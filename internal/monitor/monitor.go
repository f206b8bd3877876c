// SPDX-License-Identifier: MIT

// Package monitor implements the cluster-map authority: the quorum-backed
// service that owns monmap/mdsmap/osdmap and publishes new epochs as the
// cluster's Paxos-analogue substrate (pkg/raft/raft, used strictly for its
// inputs and outputs here) commits them.
//
// Grounded on internal/master/durable's command/FSM split
// (internal/master/durable/fsm.go, internal/master/durable/handler.go): the
// same gob-registered Command{...} wrapper proposed through raft.Raft and
// applied under a single state lock, narrowed from "allocate blob
// partitions to curators" to "commit OSDMapIncr/MDSMap/MonMap updates".
package monitor

import (
	"bytes"
	"encoding/gob"
	"io"
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/cragfs/crag/internal/clustermap"
	"github.com/cragfs/crag/internal/core"
	"github.com/cragfs/crag/pkg/raft/raft"
)

func init() {
	gob.Register(osdMapIncrCmd{})
	gob.Register(mdsMapCmd{})
	gob.Register(monMapCmd{})
	gob.Register(setReadOnlyCmd{})
}

// setReadOnlyCmd toggles whether map-mutating proposals are accepted,
// mirroring durable.StateHandler's SetReadOnlyModeCmd.
type setReadOnlyCmd struct {
	Mode bool
}

// osdMapIncrCmd proposes the next OSDMap incremental.
type osdMapIncrCmd struct {
	Incr *clustermap.OSDMapIncr
}

// mdsMapCmd proposes a full MDSMap replacement (the mdsmap is small and
// churns by whole-rank state transitions, so incrementals buy little over
// just replacing it).
type mdsMapCmd struct {
	Map *clustermap.MDSMap
}

// monMapCmd proposes a full MonMap replacement.
type monMapCmd struct {
	Map *clustermap.MonMap
}

// Command mirrors internal/master/durable's Command wrapper: a single gob
// envelope type registered for every command variant, so the FSM can type
// switch on whatever was proposed.
type Command struct {
	Cmd interface{}
}

// mapState is the durable state snapshotted by raft, separate from
// Monitor's bookkeeping (leadership, membership) so that Snapshot can gob
// it wholesale without racing the fields OnLeadershipChange touches.
type mapState struct {
	OSDMap   *clustermap.OSDMap
	MDSMap   *clustermap.MDSMap
	MonMap   *clustermap.MonMap
	ReadOnly bool
}

// Monitor owns the authoritative cluster maps and applies committed
// updates to them in the fixed order clustermap.Apply requires. It
// implements raft.FSM directly, the way durable.StateHandler does.
type Monitor struct {
	store *clustermap.Store
	raft  *raft.Raft

	selfID string

	mu       sync.RWMutex
	state    *mapState
	isLeader bool
	term     uint64
	leaderID string
	members  []string

	onLeader func()
}

// New creates a Monitor seeded with the last persisted maps (or empty ones
// if this is a fresh cluster).
func New(store *clustermap.Store, fsid core.Fsid) (*Monitor, error) {
	m := &Monitor{store: store, state: &mapState{}}

	osdmap, err := store.LoadOSDMap()
	if err != nil {
		return nil, err
	}
	if osdmap == nil {
		osdmap = &clustermap.OSDMap{Fsid: fsid, Epoch: 1,
			OSDs: map[int32]*clustermap.OSDInfo{}, Pools: map[core.PoolID]*clustermap.PoolInfo{},
			PGTemp: map[core.PG][]int32{}}
	}
	m.state.OSDMap = osdmap

	mdsmap, err := store.LoadMDSMap()
	if err != nil {
		return nil, err
	}
	if mdsmap == nil {
		mdsmap = &clustermap.MDSMap{Fsid: fsid, Epoch: 1, Ranks: map[int]*clustermap.MDSInfo{}}
	}
	m.state.MDSMap = mdsmap

	monmap, err := store.LoadMonMap()
	if err != nil {
		return nil, err
	}
	if monmap == nil {
		monmap = &clustermap.MonMap{Fsid: fsid, Epoch: 1}
	}
	m.state.MonMap = monmap

	return m, nil
}

// Bind attaches the raft instance this Monitor will act as the FSM for and
// starts it. Must be called once, before any Propose* call.
func (m *Monitor) Bind(r *raft.Raft) {
	m.raft = r
	r.Start(m)
}

// SetSelfID records this node's raft ID, used to answer ID() for
// server.AutoConfig's reconfig endpoints.
func (m *Monitor) SetSelfID(id string) {
	m.selfID = id
}

// ID implements server.RaftReconfig.
func (m *Monitor) ID() string {
	return m.selfID
}

// LeaderID implements server.RaftReconfig.
func (m *Monitor) LeaderID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leaderID
}

// AddNode implements server.RaftReconfig.
func (m *Monitor) AddNode(node string) error {
	pending := m.raft.AddNode(node)
	<-pending.Done
	return pending.Err
}

// RemoveNode implements server.RaftReconfig.
func (m *Monitor) RemoveNode(node string) error {
	pending := m.raft.RemoveNode(node)
	<-pending.Done
	return pending.Err
}

// GetMembership implements server.RaftReconfig.
func (m *Monitor) GetMembership() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members := make([]string, len(m.members))
	copy(members, m.members)
	return members
}

// ProposeInitialMembership implements server.RaftReconfig.
func (m *Monitor) ProposeInitialMembership(members []string) error {
	pending := m.raft.ProposeInitialMembership(members)
	<-pending.Done
	return pending.Err
}

// ReadOnlyMode implements server.ROHandler: it verifies this node is still
// able to serve a linearizable read (VerifyRead) before reporting the
// durable read-only flag, so a stale leader can't answer with a mode that
// already changed under it.
func (m *Monitor) ReadOnlyMode() (bool, core.Error) {
	pending := m.raft.VerifyRead()
	select {
	case <-time.After(core.ProposalTimeout):
		return false, core.ErrRaftTimeout
	case <-pending.Done:
	}
	if pending.Err != nil {
		return false, core.FromRaftError(pending.Err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ReadOnly, core.NoError
}

// SetReadOnlyMode implements server.ROHandler: while read-only, every map
// mutation proposed through this Monitor is rejected at Apply time, used to
// pause cluster-map changes during maintenance without stopping the quorum.
func (m *Monitor) SetReadOnlyMode(mode bool) core.Error {
	return m.propose(setReadOnlyCmd{Mode: mode})
}

// SetOnLeader registers a callback invoked when this node becomes leader,
// the same hook durable.StateHandler.SetOnLeader exposes.
func (m *Monitor) SetOnLeader(f func()) {
	m.onLeader = f
}

// IsLeader reports whether this node currently believes itself leader.
func (m *Monitor) IsLeader() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isLeader
}

func (m *Monitor) propose(cmd interface{}) core.Error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(Command{Cmd: cmd}); err != nil {
		log.Errorf("monitor: failed to encode command: %s", err)
		return core.ErrInvalidArgument
	}
	pending := m.raft.Propose(buf.Bytes())
	<-pending.Done
	if pending.Err != nil {
		log.Infof("monitor: propose rejected: %s", pending.Err)
		return core.ErrStaleLeader
	}
	if err, ok := pending.Res.(core.Error); ok {
		return err
	}
	return core.NoError
}

// ProposeOSDMapIncr proposes the next OSDMap epoch through the raft
// substrate and blocks until it is committed (or rejected, e.g. this node
// was not leader for the whole round trip).
func (m *Monitor) ProposeOSDMapIncr(incr *clustermap.OSDMapIncr) core.Error {
	return m.propose(osdMapIncrCmd{Incr: incr})
}

// ProposeMDSMap proposes a full MDSMap replacement.
func (m *Monitor) ProposeMDSMap(mm *clustermap.MDSMap) core.Error {
	return m.propose(mdsMapCmd{Map: mm})
}

// ProposeMonMap proposes a full MonMap replacement.
func (m *Monitor) ProposeMonMap(mm *clustermap.MonMap) core.Error {
	return m.propose(monMapCmd{Map: mm})
}

// Apply implements raft.FSM: it is called once per committed log entry,
// strictly in commit order, and mutates the owned maps under mu.
func (m *Monitor) Apply(ent raft.Entry) interface{} {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(ent.Cmd)).Decode(&cmd); err != nil {
		log.Errorf("monitor: failed to decode committed entry: %s", err)
		return core.ErrCorrupt
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch c := cmd.Cmd.(type) {
	case osdMapIncrCmd:
		if m.state.ReadOnly {
			return core.ErrInvalidState
		}
		next, err := clustermap.Apply(m.state.OSDMap, c.Incr)
		if err != core.NoError {
			log.Errorf("monitor: rejected osdmap incremental (have epoch %d): %s", m.state.OSDMap.Epoch, err)
			return err
		}
		m.state.OSDMap = next
		if err := m.store.SaveOSDMap(m.state.OSDMap); err != nil {
			log.Errorf("monitor: failed to persist osdmap: %s", err)
		}
		return core.NoError
	case mdsMapCmd:
		if m.state.ReadOnly {
			return core.ErrInvalidState
		}
		m.state.MDSMap = c.Map
		if err := m.store.SaveMDSMap(m.state.MDSMap); err != nil {
			log.Errorf("monitor: failed to persist mdsmap: %s", err)
		}
		return core.NoError
	case monMapCmd:
		if m.state.ReadOnly {
			return core.ErrInvalidState
		}
		m.state.MonMap = c.Map
		if err := m.store.SaveMonMap(m.state.MonMap); err != nil {
			log.Errorf("monitor: failed to persist monmap: %s", err)
		}
		return core.NoError
	case setReadOnlyCmd:
		m.state.ReadOnly = c.Mode
		return core.NoError
	}

	log.Errorf("monitor: applying unknown command %T", cmd.Cmd)
	return core.ErrInvalidState
}

// OnLeadershipChange implements raft.FSM.
func (m *Monitor) OnLeadershipChange(isLeader bool, term uint64, leader string) {
	m.mu.Lock()
	m.isLeader = isLeader
	m.term = term
	m.leaderID = leader
	m.mu.Unlock()
	if isLeader && m.onLeader != nil {
		m.onLeader()
	}
}

// OnMembershipChange implements raft.FSM.
func (m *Monitor) OnMembershipChange(membership raft.Membership) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log.Infof("monitor: membership changed: %+v", membership)
	m.members = membership.Members
}

type mapSnapshoter struct {
	data []byte
}

func (s *mapSnapshoter) Release() {}

func (s *mapSnapshoter) Save(w io.Writer) error {
	_, err := w.Write(s.data)
	return err
}

// Snapshot implements raft.FSM.
func (m *Monitor) Snapshot() (raft.Snapshoter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m.state); err != nil {
		return nil, err
	}
	return &mapSnapshoter{data: buf.Bytes()}, nil
}

// SnapshotRestore implements raft.FSM.
func (m *Monitor) SnapshotRestore(r io.Reader, lastIndex, lastTerm uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st mapState
	if err := gob.NewDecoder(r).Decode(&st); err != nil {
		log.Fatalf("monitor: failed to decode snapshot: %s", err)
	}
	m.state = &st
}

// OSDMap returns the current OSDMap snapshot. Callers must not mutate it.
func (m *Monitor) OSDMap() *clustermap.OSDMap {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.OSDMap
}

// MDSMap returns the current MDSMap snapshot.
func (m *Monitor) MDSMap() *clustermap.MDSMap {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.MDSMap
}

// MonMap returns the current MonMap snapshot.
func (m *Monitor) MonMap() *clustermap.MonMap {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.MonMap
}

// Statfs answers a statfs query from the current osdmap's pool set.
func (m *Monitor) Statfs() core.StatfsReply {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var up int
	for _, o := range m.state.OSDMap.OSDs {
		if o.State == clustermap.OSDUp {
			up++
		}
	}
	return core.StatfsReply{
		NumOSDs:  up,
		NumPools: len(m.state.OSDMap.Pools),
	}
}
