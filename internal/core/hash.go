// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

// Hash32 is the mixing function the placement layer calls "H" throughout the
// data model: a deterministic, avalanching combination of a variable number
// of 32-bit words. It is used both to derive an object's partition selector
// and, inside the CRUSH engine, to make every weighted/unweighted choice
// decision. The same (inputs) must always produce the same output on every
// node in the cluster; this is part of the wire protocol, not an
// implementation detail, so the mixing constants below must never change.
//
// This is a straightforward 32-bit avalanche mix (Bob Jenkins' one-at-a-time
// style final mixer, chained across words), chosen because it is small,
// allocation-free, and has no dependency on word order sensitivity beyond
// what callers intend by the order they pass arguments in.
func Hash32(data ...uint32) uint32 {
	var hash uint32 = 0xdeadbeef
	for _, word := range data {
		hash += word
		hash += hash << 10
		hash ^= hash >> 6
	}
	hash += hash << 3
	hash ^= hash >> 11
	hash += hash << 15
	return hash
}

// Hash32Bytes folds a byte string into the same mixing function, four bytes
// at a time (zero-padded), for hashing opaque object names.
func Hash32Bytes(b []byte) uint32 {
	var words []uint32
	for i := 0; i < len(b); i += 4 {
		var w uint32
		for j := 0; j < 4 && i+j < len(b); j++ {
			w |= uint32(b[i+j]) << uint(8*j)
		}
		words = append(words, w)
	}
	return Hash32(words...)
}
