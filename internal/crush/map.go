// SPDX-License-Identifier: MIT

// Package crush implements the deterministic, pseudo-random hierarchical
// placement algorithm: given a placement group id, a replica count and a
// rule, it maps to an ordered vector of devices, by descending through a
// weighted bucket hierarchy (the failure-domain tree) and choosing a child
// at each level with one of four choose methods.
//
// This package has no third-party dependency: CRUSH's defining property is
// that the same (map, rule, pg, replica count) always produces the same
// device vector on every node in the cluster, which means it cannot be
// built on anything seeded from wall-clock time or process state. It is
// grounded on internal/curator/tractserver_picker.go's failure-domain
// descent, generalized from a single flat picker into a recursive,
// bucket-typed engine.
package crush

import "github.com/cragfs/crag/internal/core"

// BucketType names one of the four choose algorithms a Bucket may use to
// pick among its children.
type BucketType uint8

// The four choose methods named by the placement algorithm.
const (
	// Uniform picks among same-weight children with an O(1) formula; use
	// only when every child has equal weight (e.g. a rack of identical
	// hosts).
	Uniform BucketType = iota

	// List is O(n) and is optimal for buckets that grow by appending a
	// new highest-weighted child (adding capacity at the end).
	List

	// Tree descends O(log n) levels of an implicit binary tree (summing
	// subtree weights on each draw), a good general-purpose choice for
	// buckets that change incrementally.
	Tree

	// Straw is O(n) but, unlike List, involves every item in the
	// competition for being chosen on every draw, which best approximates
	// a true weighted-random pick when buckets shrink or grow by
	// arbitrary amounts.
	Straw
)

// DeviceID identifies a leaf device (an OSD) within the hierarchy.
type DeviceID int32

// Item is either a leaf device (ID >= 0) or a nested bucket (ID < 0, the
// bucket's own ID, which is also its key in Map.Buckets).
type Item struct {
	ID     int32
	Weight uint32 // fixed-point, 0x10000 == weight 1.0
}

// IsBucket reports whether this item refers to a nested bucket rather than
// a leaf device.
func (it Item) IsBucket() bool {
	return it.ID < 0
}

// Bucket is one node of the hierarchy: a named failure-domain level (e.g.
// "host", "rack", "root") containing weighted Items, chosen among by
// Alg.
type Bucket struct {
	ID       int32
	Type     string // failure-domain type name, e.g. "host", "rack"
	Alg      BucketType
	Items    []Item
	strawDiv []uint64 // not built or read: chooseStraw scales each draw by the item weight
}

// TotalWeight sums the bucket's item weights.
func (b *Bucket) TotalWeight() uint64 {
	var total uint64
	for _, it := range b.Items {
		total += uint64(it.Weight)
	}
	return total
}

// Rule is a named placement policy: which bucket to take as the root, how
// many times to descend, and at what failure-domain type to choose
// distinct items (the "failure domain" the specification's Non-goals stop
// short of calling configurable per-pool, but the rule itself is).
type Rule struct {
	Name        string
	Take        int32  // root bucket id to start from (negative, per Item convention)
	ChooseType  string // failure-domain type at which to pick distinct items
	NumReplicas int    // 0 means "use the pool's replica count"

	// Mode selects how retries at one replica position affect the others.
	// "firstn" (the default, used for replicated pools) lets an early
	// position's retries shift every later position's draw, so the vector
	// stays packed with no gaps. "indep" (used for erasure-coded pools,
	// where position i always means "shard i") computes every replica
	// position from a fixed seed, so losing one position never changes
	// any other position's device.
	Mode string

	// StopAtChooseType selects "choose" semantics instead of the default
	// "chooseleaf": when true, the item found at ChooseType is returned
	// as-is (which may itself be an interior bucket, e.g. a rack, rather
	// than a single device). When false (the default, and the common case
	// for replicated pools), ChooseType only bounds where distinctness is
	// enforced and the descent always continues to a leaf device: once a
	// candidate bucket of ChooseType is chosen, an inner descent must find
	// at least one valid leaf beneath it, or the candidate itself is
	// rejected and a different one is tried at that level.
	StopAtChooseType bool
}

// Map is the CRUSH map: the bucket hierarchy plus the rule set, the device
// weight table (including offload overrides) and the current epoch it was
// published at.
type Map struct {
	Epoch   core.Epoch
	Buckets map[int32]*Bucket // keyed by bucket id (negative)
	Rules   map[string]*Rule

	// Offload maps a device id to its offload weight (out of
	// core.MaxOffload); a device at core.MaxOffload is always rejected by
	// the choose step, which is how "marked out" devices are removed from
	// placement without touching the bucket hierarchy.
	Offload map[DeviceID]uint32
}

// NewMap returns an empty map ready to have buckets and rules added.
func NewMap(epoch core.Epoch) *Map {
	return &Map{
		Epoch:   epoch,
		Buckets: make(map[int32]*Bucket),
		Rules:   make(map[string]*Rule),
		Offload: make(map[DeviceID]uint32),
	}
}

// bucket resolves an Item's nested bucket, if it has one.
func (m *Map) bucket(id int32) *Bucket {
	return m.Buckets[id]
}

// rejected reports whether a device is unusable for placement right now:
// explicitly excluded by the caller (already chosen for an earlier
// replica, or marked down), or "out" by its offload weight.
//
// Offload is a probability, not a gate: a device with offload weight w is
// absent for a given (x, item) draw whenever w exceeds H(x, item) & 0xffff.
// Since H(...)&0xffff never exceeds 0xffff, a device at core.MaxOffload
// (0x10000) is rejected on every draw; anything below that is absent only
// on the matching fraction of draws, which is what lets an operator offload
// a device gradually instead of pulling it out in one step.
func (m *Map) rejected(id DeviceID, x uint32, exclude map[DeviceID]bool) bool {
	if exclude != nil && exclude[id] {
		return true
	}
	offload := m.Offload[id]
	if offload == 0 {
		return false
	}
	draw := core.Hash32(x, uint32(id)) & 0xffff
	return offload > draw
}
