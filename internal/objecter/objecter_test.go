// SPDX-License-Identifier: MIT

package objecter

import (
	"testing"

	"github.com/cragfs/crag/internal/clustermap"
	"github.com/cragfs/crag/internal/core"
	"github.com/cragfs/crag/internal/crush"
)

func buildOSDMapAndCrush() (*clustermap.OSDMap, *crush.Map) {
	cm := crush.NewMap(1)
	host := &crush.Bucket{ID: -2, Type: "host", Alg: crush.Uniform, Items: []crush.Item{
		{ID: 0, Weight: 0x10000}, {ID: 1, Weight: 0x10000}, {ID: 2, Weight: 0x10000},
	}}
	cm.Buckets[-2] = host
	root := &crush.Bucket{ID: -1, Type: "root", Alg: crush.Straw, Items: []crush.Item{{ID: -2, Weight: uint32(host.TotalWeight())}}}
	cm.Buckets[-1] = root
	cm.Rules["replicated"] = &crush.Rule{Name: "replicated", Take: -1, ChooseType: "host", NumReplicas: 1}

	osdmap := &clustermap.OSDMap{
		Epoch:  1,
		MaxOSD: 3,
		OSDs: map[int32]*clustermap.OSDInfo{
			0: {ID: 0, State: clustermap.OSDUp, Addr: core.EntityAddr{IP: "10.0.0.1", Port: 1}},
			1: {ID: 1, State: clustermap.OSDUp, Addr: core.EntityAddr{IP: "10.0.0.2", Port: 1}},
			2: {ID: 2, State: clustermap.OSDDown, Addr: core.EntityAddr{IP: "10.0.0.3", Port: 1}},
		},
		PGTemp: map[core.PG][]int32{},
	}
	return osdmap, cm
}

func TestPrimaryForAppliesPGTempOverride(t *testing.T) {
	osdmap, cm := buildOSDMapAndCrush()
	o := New(nil, osdmap, cm)
	pool := &clustermap.PoolInfo{ID: 1, CrushRule: "replicated", NumReplicas: 1}

	pg := core.PG{Pool: 1, PS: 0, Preferred: -1}
	osdmap.PGTemp[pg] = []int32{1}

	addr, ok := o.primaryFor(pg, pool)
	if !ok {
		t.Fatal("expected a primary to be resolved")
	}
	if addr != osdmap.OSDs[1].Addr {
		t.Fatalf("expected override primary (osd 1) %v, got %v", osdmap.OSDs[1].Addr, addr)
	}
}

func TestPrimaryForFallsBackToCrush(t *testing.T) {
	osdmap, cm := buildOSDMapAndCrush()
	o := New(nil, osdmap, cm)
	pool := &clustermap.PoolInfo{ID: 1, CrushRule: "replicated", NumReplicas: 1}

	pg := core.PG{Pool: 1, PS: 5, Preferred: -1}
	addr, ok := o.primaryFor(pg, pool)
	if !ok {
		t.Fatal("expected a primary to be resolved via crush")
	}
	if addr.IsZero() {
		t.Fatal("resolved primary address should not be zero")
	}
}
