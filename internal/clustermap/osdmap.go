// SPDX-License-Identifier: MIT

// Package clustermap implements the three cluster-state maps every
// component agrees on: the monitor map (monmap), the metadata-server map
// (mdsmap) and the object-storage-device map (osdmap). Each is published
// as an immutable, epoch-tagged snapshot; incremental ("diff") updates are
// applied in the fixed order the data model requires, so that two replicas
// that apply the same sequence of incrementals always converge to the same
// full map regardless of the order individual fields were changed in.
//
// This generalizes internal/master's single versioned state blob
// (internal/master/master.go) into three separately-versioned maps, one
// per consumer concern.
package clustermap

import "github.com/cragfs/crag/internal/core"

// OSDState is the up/down status of one OSD; whether it is in or out of
// placement is carried by OSDInfo.Offload instead.
type OSDState uint8

// OSD membership states.
const (
	OSDDown OSDState = iota
	OSDUp
)

// OSDInfo is one OSD's entry in the map: its current address, state,
// offload (out) weight and the epoch it last changed state at.
type OSDInfo struct {
	ID        crushDeviceID
	Addr      core.EntityAddr
	State     OSDState
	Offload   uint32 // out of core.MaxOffload
	UpFrom    core.Epoch
	UpThru    core.Epoch
}

// crushDeviceID is an alias kept local to avoid an import cycle with
// internal/crush (which itself has no dependency on clustermap); osdmap
// exposes it as OSDInfo.ID and converts to crush.DeviceID at the call site
// in internal/objecter.
type crushDeviceID = int32

// PoolInfo describes one pool's replication and placement parameters.
type PoolInfo struct {
	ID          core.PoolID
	Name        string
	NumReplicas int
	PGNum       uint32
	PGNumMask   uint32
	CrushRule   string
	Removed     []core.SnapID // self-managed snaps removed (tombstones)
}

// OSDMap is the full, immutable snapshot of OSD membership, weights and
// pool configuration at one epoch.
type OSDMap struct {
	Fsid  core.Fsid
	Epoch core.Epoch

	MaxOSD int
	OSDs   map[crushDeviceID]*OSDInfo
	Pools  map[core.PoolID]*PoolInfo

	// PGTemp holds explicit overrides applied after the final step of
	// Apply: a PG's override vector takes priority over whatever CRUSH
	// computed, used while data is being migrated onto its real target.
	PGTemp map[core.PG][]crushDeviceID

	// CrushMapEpoch identifies which CRUSH bucket hierarchy this osdmap
	// pins; the hierarchy itself is versioned and distributed separately
	// from per-OSD up/down/weight state; see OSDMapIncr.CrushReplace.
	CrushMapEpoch core.Epoch
}

// Clone returns a deep-enough copy for building the next epoch from: the
// top-level maps are copied so mutating the clone never touches the
// original (which must remain immutable once published).
func (m *OSDMap) Clone() *OSDMap {
	out := &OSDMap{
		Fsid:          m.Fsid,
		Epoch:         m.Epoch,
		MaxOSD:        m.MaxOSD,
		CrushMapEpoch: m.CrushMapEpoch,
		OSDs:          make(map[crushDeviceID]*OSDInfo, len(m.OSDs)),
		Pools:         make(map[core.PoolID]*PoolInfo, len(m.Pools)),
		PGTemp:        make(map[core.PG][]crushDeviceID, len(m.PGTemp)),
	}
	for id, info := range m.OSDs {
		cp := *info
		out.OSDs[id] = &cp
	}
	for id, p := range m.Pools {
		cp := *p
		out.Pools[id] = &cp
	}
	for pg, vec := range m.PGTemp {
		out.PGTemp[pg] = append([]crushDeviceID(nil), vec...)
	}
	return out
}

// IsUp reports whether an OSD is currently up; an unknown id is treated as
// down, matching the data model's "absent means down" convention.
func (m *OSDMap) IsUp(id crushDeviceID) bool {
	info, ok := m.OSDs[id]
	return ok && info.State == OSDUp
}
