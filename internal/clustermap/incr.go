// SPDX-License-Identifier: MIT

package clustermap

import "github.com/cragfs/crag/internal/core"

// OSDMapIncr is one incremental update between consecutive epochs. Fields
// are applied in a fixed order (see Apply) regardless of the order they
// are set here, so that every replica that applies the same sequence of
// incrementals converges to an identical full map.
type OSDMapIncr struct {
	Epoch core.Epoch

	// FullMap, if set, is an embedded full map that supersedes every field
	// below: the epoch-advance check still applies, but once it passes,
	// FullMap is returned as-is instead of deriving next from base. A
	// monitor sends this instead of a delta when the delta would be larger
	// than the map itself, or when resynchronizing a replica that fell too
	// far behind to catch up incrementally.
	FullMap *OSDMap

	// NewMaxOSD, if non-zero, resizes the OSD id space. This is applied
	// first because later steps (state/offload changes by id) assume the
	// final id space is already in place.
	NewMaxOSD int

	// CrushReplace, if non-zero, repins the epoch of the CRUSH bucket
	// hierarchy this map uses. Applied second: placement-affecting
	// weight/state changes below are meaningless until the hierarchy
	// they're interpreted against is current.
	CrushReplace core.Epoch

	// Up/Down list OSDs whose membership state changed this epoch.
	// Applied third.
	Up   []osdUpEntry
	Down []crushDeviceID

	// Offload lists OSDs whose offload (out) weight changed this epoch.
	// Applied fourth, after up/down, so an OSD marked down in the same
	// incremental as an offload change ends up consistently down-and-
	// offloaded rather than racing on apply order.
	Offload map[crushDeviceID]uint32

	// NewPools/RemovedPools/PGTempSet/PGTempClear are applied last: pool
	// and override changes never affect the interpretation of OSD
	// weight/state, so ordering them last means every replica handles
	// them identically without needing to interleave with the steps
	// above.
	NewPools     []*PoolInfo
	RemovedPools []core.PoolID
	PGTempSet    map[core.PG][]crushDeviceID
	PGTempClear  []core.PG
}

type osdUpEntry struct {
	ID   crushDeviceID
	Addr core.EntityAddr
}

// Apply produces the next epoch's OSDMap by applying incr to base, in the
// fixed step order documented on OSDMapIncr's fields: max-osd resize, CRUSH
// hierarchy replace, up/down membership, offload weight, then pool and
// pg-temp override changes.
//
// incr must name exactly base.Epoch+1: a stale or gapped incremental is
// rejected with ErrBadEpoch rather than silently applied, so the observed
// map epoch on every replica only ever moves forward by one. A malformed
// incr (nil, or an embedded FullMap whose own epoch disagrees with incr's)
// is rejected with ErrCorrupt. On either error, base is returned unchanged.
func Apply(base *OSDMap, incr *OSDMapIncr) (*OSDMap, core.Error) {
	if incr == nil {
		return base, core.ErrCorrupt
	}
	if incr.Epoch != base.Epoch+1 {
		return base, core.ErrBadEpoch
	}
	if incr.FullMap != nil {
		if incr.FullMap.Epoch != incr.Epoch {
			return base, core.ErrCorrupt
		}
		return incr.FullMap.Clone(), core.NoError
	}

	next := base.Clone()
	next.Epoch = incr.Epoch

	// 1. max_osd resize.
	if incr.NewMaxOSD != 0 {
		next.MaxOSD = incr.NewMaxOSD
	}

	// 2. CRUSH map replace.
	if incr.CrushReplace != 0 {
		next.CrushMapEpoch = incr.CrushReplace
	}

	// 3. up/down.
	for _, u := range incr.Up {
		next.OSDs[u.ID] = &OSDInfo{ID: u.ID, Addr: u.Addr, State: OSDUp, UpFrom: incr.Epoch}
	}
	for _, id := range incr.Down {
		if info, ok := next.OSDs[id]; ok {
			info.State = OSDDown
			info.UpThru = incr.Epoch
		}
	}

	// 4. offload.
	for id, weight := range incr.Offload {
		if info, ok := next.OSDs[id]; ok {
			info.Offload = weight
		}
	}

	// 5. pool create/remove.
	for _, p := range incr.NewPools {
		next.Pools[p.ID] = p
	}
	for _, id := range incr.RemovedPools {
		delete(next.Pools, id)
	}

	// 6. pg-temp overrides.
	for pg, vec := range incr.PGTempSet {
		next.PGTemp[pg] = vec
	}
	for _, pg := range incr.PGTempClear {
		delete(next.PGTemp, pg)
	}

	return next, core.NoError
}
