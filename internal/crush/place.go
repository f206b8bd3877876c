// SPDX-License-Identifier: MIT

package crush

import "github.com/cragfs/crag/internal/core"

// Place computes the ordered device vector for a placement group: the
// first device in the result is the acting primary, the rest are replicas
// in the order they should be targeted by recovery/backfill. ruleName
// selects the Rule to apply; numReplicas overrides the rule's configured
// count when non-zero (the PG's pool may ask for fewer/more replicas than
// the rule's default).
//
// Place is a pure function of (m, pg, ruleName, numReplicas): given the
// same map epoch and inputs, every caller in the cluster computes the same
// vector without needing to ask anyone.
func Place(m *Map, pg core.PG, ruleName string, numReplicas int) []DeviceID {
	rule, ok := m.Rules[ruleName]
	if !ok {
		return nil
	}
	if numReplicas <= 0 {
		numReplicas = rule.NumReplicas
	}
	if numReplicas <= 0 {
		numReplicas = core.DefaultNumReplicas
	}

	result := chooseFirstN(m, pg, rule, numReplicas)

	if pg.HasPreferred() {
		result = applyPreferred(result, DeviceID(pg.Preferred))
	}
	return result
}

// applyPreferred moves (or inserts) the preferred device to the front of
// the vector, making it the acting primary, per the PG preferred-OSD
// override described by the data model.
func applyPreferred(devs []DeviceID, preferred DeviceID) []DeviceID {
	for i, d := range devs {
		if d == preferred {
			if i == 0 {
				return devs
			}
			out := make([]DeviceID, 0, len(devs))
			out = append(out, preferred)
			out = append(out, devs[:i]...)
			out = append(out, devs[i+1:]...)
			return out
		}
	}
	// Preferred device wasn't chosen by CRUSH at all (e.g. it's an
	// override pinning an out-of-hierarchy device): prepend it anyway,
	// trimming the vector back to its original length.
	out := append([]DeviceID{preferred}, devs...)
	if len(out) > len(devs) && len(devs) > 0 {
		out = out[:len(devs)]
	}
	return out
}
