// SPDX-License-Identifier: MIT

package clustermap

import "github.com/cragfs/crag/internal/core"

// MonMap lists the monitor quorum members. It changes rarely (only on
// deliberate quorum membership changes), unlike osdmap/mdsmap which churn
// with every OSD flap or MDS failover.
type MonMap struct {
	Fsid    core.Fsid
	Epoch   core.Epoch
	Mons    []MonInfo
}

// MonInfo is one monitor's entry: its stable name and current address.
type MonInfo struct {
	Name core.EntityName
	Addr core.EntityAddr
}

// Rank returns the index of a monitor name in the map, or -1 if absent.
// Monitor rank is used to break ties deterministically (e.g. "lowest rank
// present proposes first") without needing a separate leader-election
// round at this layer -- that's left entirely to the replication
// substrate's own Paxos-analogue.
func (m *MonMap) Rank(name core.EntityName) int {
	for i, mi := range m.Mons {
		if mi.Name == name {
			return i
		}
	}
	return -1
}

// Clone returns a copy safe to mutate while building the next epoch.
func (m *MonMap) Clone() *MonMap {
	out := &MonMap{Fsid: m.Fsid, Epoch: m.Epoch}
	out.Mons = append(out.Mons, m.Mons...)
	return out
}
