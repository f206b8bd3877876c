// SPDX-License-Identifier: MIT

package crush

import "github.com/cragfs/crag/internal/core"

// chooseFirstN selects up to numReplicas distinct leaf devices for pg under
// rule, starting from the rule's Take bucket, descending the hierarchy one
// failure-domain level at a time. It mirrors tractserver_picker.go's
// descent-with-exclusion shape: at each level we pick an item not already
// used by an earlier replica (and not down), recursing into nested buckets
// until we reach a leaf.
//
// rule.Mode picks how a retry at one position affects the others. In
// "firstn" mode (the default), the replica index fed into the hash advances
// by however many extra attempts earlier positions burned, so the vector
// stays packed even when some candidates were rejected. In "indep" mode,
// every position's hash input is its literal index, so a rejection at one
// position can never change the device chosen for another.
//
// Retry behavior: a rejected choice is retried up to LocalRetryLimit times
// within the same bucket (walking the bucket's item list with the same
// choose method but a different input), and up to TotalRetryLimit times
// overall before that replica position is skipped. Once the total retry
// count exceeds ShiftRetryThreshold, every further retry rotates the choose
// method used for this position (uniform -> list -> tree -> straw -> uniform ...),
// which is what the data model calls the "shift" counter: some bucket
// arrangements pathologically reject one method's distribution but not
// another's.
func chooseFirstN(m *Map, pg core.PG, rule *Rule, numReplicas int) []DeviceID {
	out := make([]DeviceID, 0, numReplicas)
	exclude := make(map[DeviceID]bool, numReplicas)
	x := core.Hash32(uint32(pg.Pool), pg.PS)

	indep := rule.Mode == "indep"
	rep := 0
	for r := 0; r < numReplicas; r++ {
		seedRep := r
		if !indep {
			seedRep = rep
		}
		dev, retries, ok := chooseOneReplica(m, rule, pg, x, seedRep, exclude)
		rep += 1 + retries
		if !ok {
			continue // position skipped: not enough distinct devices
		}
		out = append(out, dev)
		exclude[dev] = true
	}
	return out
}

// chooseOneReplica descends from rule.Take to a single leaf device for
// replica index rep, applying the local/total retry and shift-counter
// rotation described above. It returns the number of total-retries it
// consumed, so firstn mode can advance later positions by that amount.
func chooseOneReplica(m *Map, rule *Rule, pg core.PG, x uint32, rep int, exclude map[DeviceID]bool) (DeviceID, int, bool) {
	recurseToLeaf := !rule.StopAtChooseType
	total := 0
	shift := 0
	for total < core.TotalRetryLimit {
		method := rotateMethod(shift)
		dev, ok := descend(m, rule.Take, rule.ChooseType, recurseToLeaf, pg, x, rep, total, method, exclude)
		if ok {
			return dev, total, true
		}
		total++
		if total > core.ShiftRetryThreshold {
			shift++
		}
	}
	return 0, total, false
}

func rotateMethod(shift int) BucketType {
	switch shift % 4 {
	case 0:
		return Uniform
	case 1:
		return List
	case 2:
		return Tree
	default:
		return Straw
	}
}

// descend walks from bucketID down to a leaf device, choosing one child at
// each level. stopType, if non-empty, names the failure-domain type at
// which a distinct choice must be made. When recurseToLeaf is true and the
// chosen item at stopType is itself a bucket, an inner descent runs to find
// a leaf beneath it; if that inner descent can't produce one, the candidate
// is rejected and a different item is tried at this level. When
// recurseToLeaf is false, the item found at stopType is returned directly,
// whether it is a leaf or a bucket.
func descend(m *Map, bucketID int32, stopType string, recurseToLeaf bool, pg core.PG, x uint32, r, round int, method BucketType, exclude map[DeviceID]bool) (DeviceID, bool) {
	b := m.bucket(bucketID)
	if b == nil {
		return 0, false
	}

	local := 0
	for local < core.LocalRetryLimit {
		item, ok := chooseItem(b, method, pg, r, round*core.LocalRetryLimit+local)
		if !ok {
			local++
			continue
		}

		if item.IsBucket() {
			childID := item.ID
			atStop := stopType != "" && b.Type == stopType
			if atStop && !recurseToLeaf {
				dev := DeviceID(item.ID)
				if m.rejected(dev, x, exclude) {
					local++
					continue
				}
				return dev, true
			}

			nextStop := stopType
			if b.Type == stopType {
				nextStop = ""
			}
			dev, ok := descend(m, childID, nextStop, recurseToLeaf, pg, x, r, round, method, exclude)
			if !ok {
				// The inner run found no valid leaf beneath this
				// candidate: reject it and try a different item at
				// this level instead of giving up the whole descent.
				local++
				continue
			}
			return dev, true
		}

		dev := DeviceID(item.ID)
		if m.rejected(dev, x, exclude) {
			local++
			continue
		}
		return dev, true
	}
	return 0, false
}

// chooseItem picks one Item from a bucket using the named method, seeded
// deterministically from (pg, replica index, retry round) so that the same
// inputs always produce the same choice cluster-wide.
func chooseItem(b *Bucket, method BucketType, pg core.PG, r, round int) (Item, bool) {
	if len(b.Items) == 0 {
		return Item{}, false
	}
	switch method {
	case Uniform:
		return chooseUniform(b, pg, r, round)
	case List:
		return chooseList(b, pg, r, round)
	case Tree:
		return chooseTree(b, pg, r, round)
	default:
		return chooseStraw(b, pg, r, round)
	}
}

func seed(b *Bucket, pg core.PG, r, round int) uint32 {
	return core.Hash32(uint32(b.ID), uint32(pg.Pool), pg.PS, uint32(r), uint32(round))
}

// chooseUniform is O(1): valid only when every item has equal weight, and
// simply indexes the hash straight into the item list.
func chooseUniform(b *Bucket, pg core.PG, r, round int) (Item, bool) {
	h := seed(b, pg, r, round)
	return b.Items[int(h)%len(b.Items)], true
}

// chooseList walks the list from the most-recently-added item backwards,
// at each step either accepting it (weighted by its share of the
// cumulative weight seen so far) or continuing to the previous item. This
// gives stable results when new (higher-weighted) items are appended.
func chooseList(b *Bucket, pg core.PG, r, round int) (Item, bool) {
	var cumWeight uint64
	h := seed(b, pg, r, round)
	for i := len(b.Items) - 1; i >= 0; i-- {
		it := b.Items[i]
		cumWeight += uint64(it.Weight)
		if cumWeight == 0 {
			continue
		}
		draw := uint64(core.Hash32(h, uint32(i))) % cumWeight
		if draw < uint64(it.Weight) {
			return it, true
		}
	}
	return Item{}, false
}

// chooseTree treats the item list as an implicit balanced binary tree: at
// each node it sums the weight of the left half and of the whole remaining
// range, and goes left when the scaled hash falls below the left weight. It
// descends O(log n) levels; the subtree weights are summed on each draw
// rather than stored.
func chooseTree(b *Bucket, pg core.PG, r, round int) (Item, bool) {
	h := seed(b, pg, r, round)
	lo, hi := 0, len(b.Items)-1
	for lo < hi {
		mid := (lo + hi) / 2
		var left, total uint64
		for i := lo; i <= hi; i++ {
			total += uint64(b.Items[i].Weight)
			if i <= mid {
				left += uint64(b.Items[i].Weight)
			}
		}
		if total == 0 {
			return Item{}, false
		}
		if uint64(core.Hash32(h, uint32(mid)))%total < left {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return b.Items[lo], true
}

// chooseStraw draws a "straw length" per item from its weight and the
// shared hash seed, and picks the item with the longest straw -- every
// item competes on every draw, which is what makes straw the best
// approximation of true weighted-random selection under incremental
// reweighting.
func chooseStraw(b *Bucket, pg core.PG, r, round int) (Item, bool) {
	var best Item
	var bestStraw uint64
	found := false
	h := seed(b, pg, r, round)
	for i, it := range b.Items {
		if it.Weight == 0 {
			continue
		}
		draw := uint64(core.Hash32(h, uint32(i))) * uint64(it.Weight)
		if !found || draw > bestStraw {
			bestStraw = draw
			best = it
			found = true
		}
	}
	return best, found
}
