// SPDX-License-Identifier: MIT

package clustermap

import "github.com/cragfs/crag/internal/core"

// MDSState is the lifecycle state of one rank in the metadata cluster.
type MDSState uint8

// MDS rank states.
const (
	MDSStopped MDSState = iota
	MDSStarting
	MDSActive
	MDSStopping
	MDSReplaying // recovering another rank's journal after a failover
)

func (s MDSState) String() string {
	switch s {
	case MDSStarting:
		return "starting"
	case MDSActive:
		return "active"
	case MDSStopping:
		return "stopping"
	case MDSReplaying:
		return "replaying"
	default:
		return "stopped"
	}
}

// MDSInfo is one rank's entry in the map.
type MDSInfo struct {
	Rank  int
	Addr  core.EntityAddr
	State MDSState
	Gen   core.SessionGen // bumped every time this rank restarts
}

// MDSMap assigns namespace ranks to addresses. Clients and OSDs (for
// capability revalidation) consult it to find which address currently owns
// a given rank.
type MDSMap struct {
	Fsid  core.Fsid
	Epoch core.Epoch
	Max   int // number of ranks configured
	Ranks map[int]*MDSInfo
}

// Clone returns a copy safe to mutate while building the next epoch.
func (m *MDSMap) Clone() *MDSMap {
	out := &MDSMap{Fsid: m.Fsid, Epoch: m.Epoch, Max: m.Max, Ranks: make(map[int]*MDSInfo, len(m.Ranks))}
	for r, info := range m.Ranks {
		cp := *info
		out.Ranks[r] = &cp
	}
	return out
}

// AddrForRank returns the current address serving a rank, if the rank is
// active.
func (m *MDSMap) AddrForRank(rank int) (core.EntityAddr, bool) {
	info, ok := m.Ranks[rank]
	if !ok || info.State != MDSActive {
		return core.EntityAddr{}, false
	}
	return info.Addr, true
}
