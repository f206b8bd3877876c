// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"fmt"
	"math/bits"

	"github.com/google/uuid"
)

/*

Entity addressing follows the hierarchy below:

 - Fsid identifies a cluster for its entire lifetime.
 - EntityName identifies a logical role (a monitor, an MDS rank, an OSD, a
   client) independent of where it currently runs.
 - EntityAddr identifies the current instance of a role: an IP:port plus a
   nonce that disambiguates successive reincarnations of a process bound to
   the same port.

Placement groups are addressed by (PoolID, PS) plus a preferred-OSD override
flag, as described by the data model.

*/

// Fsid is the 128-bit cluster identifier, invariant across the cluster's
// lifetime.
type Fsid uuid.UUID

// NewFsid generates a fresh, random cluster identifier.
func NewFsid() Fsid {
	return Fsid(uuid.New())
}

// String returns the canonical textual form of the fsid.
func (f Fsid) String() string {
	return uuid.UUID(f).String()
}

// IsZero reports whether f is the zero value (never a valid cluster id).
func (f Fsid) IsZero() bool {
	return f == Fsid{}
}

// EntityType distinguishes the logical role of an EntityName.
type EntityType uint8

// Entity types named by the wire protocol.
const (
	EntityUnknown EntityType = iota
	EntityMon
	EntityMDS
	EntityOSD
	EntityClient
	EntityAdmin
)

func (t EntityType) String() string {
	switch t {
	case EntityMon:
		return "mon"
	case EntityMDS:
		return "mds"
	case EntityOSD:
		return "osd"
	case EntityClient:
		return "client"
	case EntityAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// EntityName identifies a logical role: a type plus a numeric id unique
// within that type (e.g. osd.3, mds.1, client.58210).
type EntityName struct {
	Type EntityType
	Num  uint64
}

// String renders an EntityName the conventional "type.num" way.
func (n EntityName) String() string {
	return fmt.Sprintf("%s.%d", n.Type, n.Num)
}

// EntityAddr identifies the current instance of an entity: where it can be
// reached right now. Two addresses are equivalent only if IP, Port, Nonce and
// Rank all match; Nonce disambiguates reincarnations of a process that
// rebinds the same port.
type EntityAddr struct {
	IP    string
	Port  uint16
	Nonce uint64
	Rank  int
}

// Equal reports whether two addresses refer to the same living instance.
func (a EntityAddr) Equal(b EntityAddr) bool {
	return a.IP == b.IP && a.Port == b.Port && a.Nonce == b.Nonce && a.Rank == b.Rank
}

// HostPort returns the dialable "ip:port" form of the address.
func (a EntityAddr) HostPort() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

func (a EntityAddr) String() string {
	return fmt.Sprintf("%s/%d", a.HostPort(), a.Nonce)
}

// IsZero reports whether a carries no usable address.
func (a EntityAddr) IsZero() bool {
	return a.IP == "" && a.Port == 0
}

// Epoch is a monotonically increasing per-map-kind version number. Maps are
// immutable once published; an epoch never decreases on any peer link that
// observes it.
type Epoch uint64

// PoolID names a namespace of objects with its own replication factor and
// CRUSH rule.
type PoolID uint64

// PG is a placement group identifier: a pool plus a partition selector (ps)
// within that pool's pg_num space, plus whether a preferred OSD override
// exists for it.
type PG struct {
	Pool      PoolID
	PS        uint32
	Preferred int32 // -1 means "no preferred OSD"
}

// HasPreferred reports whether this PG carries a preferred-OSD override.
func (pg PG) HasPreferred() bool {
	return pg.Preferred >= 0
}

func (pg PG) String() string {
	if pg.HasPreferred() {
		return fmt.Sprintf("%d.%xp%d", pg.Pool, pg.PS, pg.Preferred)
	}
	return fmt.Sprintf("%d.%x", pg.Pool, pg.PS)
}

// PGNumMask computes pg_num_mask = (1 << ceil(log2(pgNum))) - 1, as specified
// for the placement-group value space partition.
func PGNumMask(pgNum uint32) uint32 {
	if pgNum == 0 {
		return 0
	}
	if pgNum&(pgNum-1) == 0 {
		// already a power of two
		return pgNum - 1
	}
	bitLen := bits.Len32(pgNum)
	return (uint32(1) << uint(bitLen)) - 1
}

// InodeNo identifies a file within the metadata namespace.
type InodeNo uint64

// ObjectName is the logical name of an object. For file data it is
// (inode, block-number); for administrative objects it is an opaque string.
type ObjectName struct {
	Inode InodeNo
	Block uint64
	Admin string // non-empty for administrative (non-file-data) objects
}

func (o ObjectName) String() string {
	if o.Admin != "" {
		return o.Admin
	}
	return fmt.Sprintf("%016x.%016x", uint64(o.Inode), o.Block)
}

// PS computes the partition selector for an object name within a pool with
// the given pg_num_mask: ps = (block + H(inode, inode>>32)) & pg_num_mask.
func (o ObjectName) PS(pgNumMask uint32) uint32 {
	h := Hash32(uint32(o.Inode), uint32(o.Inode>>32))
	return uint32(o.Block+uint64(h)) & pgNumMask
}

// Tid is a monotonic per-client request/transaction identifier. The Objecter
// and the MDS client never reassign a tid once handed out.
type Tid uint64

// LingerID identifies a long-lived watch/notify registration.
type LingerID uint64

// SnapID identifies a single snapshot within a pool or a self-managed
// snapshot sequence.
type SnapID uint64

// SessionGen is a per-session generation counter. A session reset bumps the
// generation, invalidating every cap and lease minted under an older one.
type SessionGen uint64
