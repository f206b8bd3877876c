// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import "time"

// This file describes the wire message types exchanged by the core
// components, as plain Go structs carried over internal/messenger. The
// messenger's own framing (type, source, destination, tid, priority, length)
// is the Envelope below; everything else is payload.

// MessageType tags the payload carried by an Envelope.
type MessageType uint16

// Message types used by the core (mirrors the non-exhaustive wire list).
const (
	MsgUnknown MessageType = iota
	MsgOSDMap
	MsgOSDOp
	MsgOSDOpReply
	MsgMDSMap
	MsgMonMap
	MsgClientSession
	MsgClientReconnect
	MsgClientRequest
	MsgClientReply
	MsgClientRequestForward
	MsgClientCaps
	MsgClientSnap
	MsgClientLease
	MsgStatfs
	MsgStatfsReply
	MsgPoolOp
	MsgPoolOpReply
	MsgWatchNotify
)

func (t MessageType) String() string {
	switch t {
	case MsgOSDMap:
		return "osd_map"
	case MsgOSDOp:
		return "osd_op"
	case MsgOSDOpReply:
		return "osd_opreply"
	case MsgMDSMap:
		return "mds_map"
	case MsgMonMap:
		return "mon_map"
	case MsgClientSession:
		return "client_session"
	case MsgClientReconnect:
		return "client_reconnect"
	case MsgClientRequest:
		return "client_request"
	case MsgClientReply:
		return "client_reply"
	case MsgClientRequestForward:
		return "client_request_forward"
	case MsgClientCaps:
		return "client_caps"
	case MsgClientSnap:
		return "client_snap"
	case MsgClientLease:
		return "client_lease"
	case MsgStatfs:
		return "statfs"
	case MsgStatfsReply:
		return "statfs_reply"
	case MsgPoolOp:
		return "poolop"
	case MsgPoolOpReply:
		return "poolop_reply"
	case MsgWatchNotify:
		return "watch_notify"
	default:
		return "unknown"
	}
}

// Priority orders queued sends against each other; higher values are sent
// first when a peer's outbound queue is backed up.
type Priority uint8

// Standard priority bands.
const (
	PriorityBackground Priority = 10
	PriorityDefault     Priority = 100
	PriorityClient      Priority = 127
	PriorityHeartbeat   Priority = 200
)

// Envelope is the fixed header every message carries, followed by a typed
// payload. All integers are little-endian on the wire; the in-memory form
// here is what internal/messenger hands to registered dispatchers.
type Envelope struct {
	Type        MessageType
	Source      EntityAddr
	Destination EntityAddr
	Tid         Tid
	Priority    Priority
	Payload     interface{}
}

//
// OSD op / op-reply.
//

// OSDOpCode names a single operation within an OSDOp's op vector.
type OSDOpCode uint8

// Op codes an OSDOp can carry.
const (
	OpRead OSDOpCode = iota
	OpWrite
	OpTruncate
	OpDelete
	OpStat
	OpGetXattr
	OpSetXattr
	OpRmXattr
	OpListXattr
	OpTmapUpdate
	OpExec
	OpWatch
	OpNotify
	OpNotifyAck
)

// SnapContext is carried on every mutation: the sequence number of the
// snapshot environment plus the descending list of snap ids visible to it.
type SnapContext struct {
	Seq   SnapID
	Snaps []SnapID // descending
}

// AssertVersion, if non-zero, requires the object's current version to match
// before the op vector is applied; mismatch yields ErrBadVersion.
type AssertVersion uint64

// OSDOp is a single client -> OSD request: an op-code vector addressed at one
// object in one placement group, tagged with the fields the Objecter needs to
// track it (tid, snap context/seq, assert-version).
type OSDOp struct {
	Tid        Tid
	Pool       PoolID
	Object     ObjectName
	PG         PG
	Ops        []OSDOpCode
	Data       []byte
	Offset     uint64
	Length     uint64
	Xattr      string
	Assert     AssertVersion
	SnapSeq    SnapID        // for reads: read at this snapshot (0 = head)
	SnapCtx    SnapContext   // for mutations
	ExecClass  string
	ExecMethod string
	LingerID   LingerID // non-zero marks this as a linger (watch) registration
	Version    SnapID   // version for notify/watch acks
}

// AckState distinguishes the two completion milestones a write passes
// through: in-memory at the primary (ACK) and durable on every acting
// replica (SAFE). For reads, ACK and SAFE fire together.
type AckState uint8

// The two completion milestones.
const (
	AckCompleted AckState = iota
	SafeCompleted
)

// OSDOpReply answers one OSDOp. Replies referencing a tid the Objecter no
// longer expects from that primary are discarded by the receiver.
type OSDOpReply struct {
	Tid     Tid
	Err     Error
	State   AckState
	Data    []byte
	Version SnapID
	PG      PG
	// ObservedEpoch lets the Objecter detect it is behind and needs to fetch
	// incremental maps before retargeting this op (scenario F).
	ObservedEpoch Epoch
}

// WatchNotify is the server -> client callback delivered to every live watch
// registration when a notify is posted to the watched object.
type WatchNotify struct {
	Cookie  LingerID
	NotifyID uint64
	Version SnapID
	Payload []byte
}

//
// MDS client protocol.
//

// ClientRequestOp names an MDS-bound metadata operation.
type ClientRequestOp uint8

// Metadata operations a ClientRequest can carry.
const (
	ReqLookup ClientRequestOp = iota
	ReqCreate
	ReqUnlink
	ReqRename
	ReqMkdir
	ReqRmdir
	ReqGetattr
	ReqSetattr
	ReqOpen
	ReqReaddir
)

// ClientRequest is a metadata operation submitted to an MDS session.
type ClientRequest struct {
	Tid     Tid
	Op      ClientRequestOp
	Path    string
	Attempt int // incremented on every forward
}

// ClientReply answers a ClientRequest, possibly populating a dentry trace for
// client-side cache population.
type ClientReply struct {
	Tid   Tid
	Err   Error
	Inode InodeNo
	Trace []DentryTraceEntry
}

// DentryTraceEntry is one step of the path trace an MDS reply may carry so
// the client can populate its dentry/lease cache without a separate lookup.
type DentryTraceEntry struct {
	Name  string
	Inode InodeNo
	Lease ClientLease
}

// ClientRequestForward redirects a request to a different MDS rank.
type ClientRequestForward struct {
	Tid        Tid
	TargetRank int
}

// ClientSession announces or tears down a session between a client and one
// MDS rank.
type ClientSession struct {
	Open bool
	Gen  SessionGen
}

// ClientReconnect is sent by a client replaying unacknowledged requests and
// cap state after an MDS rank restarts.
type ClientReconnect struct {
	Caps []CapExport
}

// ClientLease grants a TTL-bound lease on an inode or directory entry, bound
// to the issuing session's generation.
type ClientLease struct {
	Inode   InodeNo
	Name    string // empty for an inode lease, non-empty for a dentry lease
	Seq     uint64
	TTL     time.Time
	Gen     SessionGen
}

// CapExport is the wire form of a capability carried during reconnect,
// export or import.
type CapExport struct {
	Inode       InodeNo
	MDSRank     int
	SessionID   uint64
	Issued      uint32
	Implemented uint32
	Seq         uint64
	MigrateSeq  uint64
	Generation  SessionGen
}

// ClientCaps is the GRANT/REVOKE/EXPORT/IMPORT/FLUSHEDSNAP message exchanged
// between an MDS and a client about one inode's capability state.
type ClientCaps struct {
	Op          CapsOp
	Inode       InodeNo
	Issued      uint32
	Size        uint64
	Mtime       time.Time
	Atime       time.Time
	Ctime       time.Time
	TimeWarpSeq uint64
	Seq         uint64
	MigrateSeq  uint64
	Follows     SnapID // for FLUSHEDSNAP: which cap-snap this acks
}

// CapsOp names the kind of ClientCaps message.
type CapsOp uint8

// Capability protocol message kinds.
const (
	CapGrant CapsOp = iota
	CapRevoke
	CapAck
	CapExportOp
	CapImportOp
	CapFlushSnap
	CapFlushedSnapAck
)

// ClientSnap carries a SNAP trace describing the realm hierarchy.
type ClientSnap struct {
	RealmInode InodeNo
	Parent     InodeNo
	ParentSince SnapID
	OwnSnaps   []SnapID
	PriorSnaps []SnapID
	SplitInos  []InodeNo
}

//
// Monitor protocol.
//

// Statfs is a request/response with a monotonic tid; at most one is
// outstanding per client.
type Statfs struct {
	Tid Tid
}

// StatfsReply answers a Statfs request.
type StatfsReply struct {
	Tid        Tid
	Err        Error
	TotalBytes uint64
	UsedBytes  uint64
	NumOSDs    int
	NumPools   int
}

// PoolOpCode names a pool- or snapshot-admin operation sent to a monitor.
type PoolOpCode uint8

// Pool/snapshot admin operations.
const (
	PoolCreate PoolOpCode = iota
	PoolDelete
	PoolChangeAuid
	PoolListPools
	PoolGetStats
	PoolSnapCreate
	PoolSnapRemove
	PoolSnapRollback
	SelfManagedSnapCreate
	SelfManagedSnapRemove
	SelfManagedSnapRollback
)

// PoolOp requests a pool or snapshot administrative action.
type PoolOp struct {
	Tid    Tid
	Code   PoolOpCode
	Pool   PoolID
	Name   string
	Auid   uint64
	SnapID SnapID
}

// PoolOpReply answers a PoolOp.
type PoolOpReply struct {
	Tid     Tid
	Err     Error
	Pool    PoolID
	SnapID  SnapID
	Pools   []PoolID
}
