// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"io"

	log "github.com/golang/glog"

	"github.com/cragfs/crag/pkg/raft/raft"
)

// Error is our own defined error type for sending errors over an RPC layer.
// The numeric values below are part of the wire protocol: they must match
// across every component build against this package.
type Error int

// The kinds named by the error-handling design. NotFound, Exists, BadVersion,
// InvalidSnap, Range and Timeout are returned to the caller. MapChange and
// transient SessionReset are retried automatically and invisibly. Full,
// Corrupt and NoMem are returned to the caller (Corrupt additionally resets
// the offending connection).
const (
	// NoError means no error.
	NoError = Error(iota)

	// ErrNotFound means the object, pool, snap or name does not exist.
	ErrNotFound

	// ErrExists means a create failed because the object already exists
	// (an EXCL create was requested).
	ErrExists

	// ErrBadVersion means an assert-version mismatch; the client may retry
	// after a fresh read.
	ErrBadVersion

	// ErrInvalidSnap means a write was attempted against a read-only
	// snapshot.
	ErrInvalidSnap

	// ErrRange means a read or write fell outside the allowed extent.
	ErrRange

	// ErrTimeout means an operation exceeded its class timeout; the
	// operation is cancelled and the failure surfaced.
	ErrTimeout

	// ErrMapChange means the PG's primary moved before the operation
	// committed; this is retried internally and never surfaced.
	ErrMapChange

	// ErrSessionReset means the messenger session to a peer was lost; the
	// owner replays its queue, or surfaces ErrDisconnected if that fails.
	ErrSessionReset

	// ErrDisconnected means a session reset could not be recovered.
	ErrDisconnected

	// ErrFull means the OSD cluster cannot currently accept writes.
	ErrFull

	// ErrCorrupt means a decode failed; fatal for the offending message,
	// and the connection that carried it is reset.
	ErrCorrupt

	// ErrNoMem means a local allocation failed.
	ErrNoMem

	//------ Internal / operational errors, not named by the wire taxonomy ------//

	// ErrRPC is returned when the messenger fails to deliver or the remote
	// end is unreachable.
	ErrRPC

	// ErrInvalidArgument is returned for malformed caller input.
	ErrInvalidArgument

	// ErrInvalidState is returned when local state is inconsistent in a way
	// that should never happen absent a bug.
	ErrInvalidState

	// ErrCanceled is returned when a suspended operation's owner cancels it.
	ErrCanceled

	// ErrNoQuorum is returned when no monitor could be reached.
	ErrNoQuorum

	// ErrForwardLoop is returned when an MDS request has been forwarded more
	// than MaxForwardAttempts times.
	ErrForwardLoop

	// ErrStaleLeader is returned when a message was sent to a replication
	// group by a leader that has since been superseded.
	ErrStaleLeader

	//------ Errors translated from the raft layer (pkg/raft) ------//

	// ErrRaftTimeout means a proposal timed out, most likely because the
	// quorum is unavailable. Callers may retry, but with caution: the
	// operation might still complete after the timeout is observed.
	ErrRaftTimeout

	// ErrRaftNodeNotLeader means a node is not the leader of its group.
	ErrRaftNodeNotLeader

	// ErrRaftNotLeaderAnymore means a leader stepped down mid-operation.
	ErrRaftNotLeaderAnymore

	// ErrRaftTooManyPendingReqs means too many proposals are outstanding.
	ErrRaftTooManyPendingReqs

	// ErrLeaderContinuityBroken is returned if a leader was not continuously
	// the leader for the whole duration of an operation.
	ErrLeaderContinuityBroken

	//------ Meta-error ------//

	// ErrUnknown is an error that we're not really sure about.
	ErrUnknown

	// ErrNotYetImplemented is returned if a feature isn't implemented yet.
	ErrNotYetImplemented

	// ErrBadEpoch means an incremental map update did not apply cleanly to
	// the epoch it was given against: it named a base epoch other than
	// current+1 (stale or gapped), or its embedded full map's epoch
	// disagreed with its own. The caller must fetch a fresh full map.
	ErrBadEpoch
)

var description = map[Error]string{
	NoError: "no error",

	ErrNotFound:     "object, pool, snap or name does not exist",
	ErrExists:       "create failed, object already exists",
	ErrBadVersion:   "assert-version mismatch",
	ErrInvalidSnap:  "write attempted against a read-only snapshot",
	ErrRange:        "read or write outside the allowed extent",
	ErrTimeout:      "operation exceeded its class timeout",
	ErrMapChange:    "primary moved before the operation committed",
	ErrSessionReset: "messenger session to peer was lost",
	ErrDisconnected: "session reset could not be recovered",
	ErrFull:         "cluster cannot currently accept writes",
	ErrCorrupt:      "decode failed, message or connection is invalid",
	ErrNoMem:        "local allocation failed",

	ErrRPC:             "messenger-level delivery failure",
	ErrInvalidArgument: "invalid argument",
	ErrInvalidState:    "invalid local state",
	ErrCanceled:        "operation canceled by owner",
	ErrNoQuorum:        "no monitor quorum member could be reached",
	ErrForwardLoop:     "too many MDS forwards for one request",
	ErrStaleLeader:     "message sent to a since-superseded leader",

	ErrRaftTimeout:            "raft: proposal timed out",
	ErrRaftNodeNotLeader:      "raft: node is not leader",
	ErrRaftNotLeaderAnymore:   "raft: not leader anymore",
	ErrRaftTooManyPendingReqs: "raft: too many pending requests",
	ErrLeaderContinuityBroken: "raft: node was not leader for the entire operation",

	ErrUnknown:           "unknown error",
	ErrNotYetImplemented: "not yet implemented",
	ErrBadEpoch:          "incremental map update did not apply to the epoch it named",
}

// String returns a human readable error message.
func (e Error) String() string {
	if s, ok := description[e]; ok {
		return s
	}
	return "no description for this error"
}

// Error returns a golang error object with an error message corresponding to
// this core.Error.
func (e Error) Error() error {
	if e == NoError {
		return nil
	} else if e == ErrNotFound {
		// io.EOF has no natural analogue here; NotFound stays a goError.
		_ = io.EOF
	}
	return goError(e)
}

// Is checks whether the generic Go error 'g' is actually the receiver's
// underlying core.Error.
func (e Error) Is(g error) bool {
	b, ok := g.(goError)
	return ok && (Error)(b) == e
}

// goError is a wrapper type to make our Error act like Go's 'error'.
type goError Error

// Error implements the 'error' interface.
func (g goError) Error() string {
	return (Error)(g).String()
}

// FromError recovers the underlying core.Error from an error, if any.
func FromError(err error) (Error, bool) {
	e, ok := err.(goError)
	return Error(e), ok
}

// IsRetriableError reports whether this is an error the caller does not need
// to see because it is handled by automatic, invisible retry (MapChange and
// transient session resets).
func IsRetriableError(err Error) bool {
	switch err {
	case ErrMapChange,
		ErrRPC,
		ErrRaftTimeout,
		ErrRaftNodeNotLeader,
		ErrRaftNotLeaderAnymore,
		ErrRaftTooManyPendingReqs,
		ErrLeaderContinuityBroken,
		ErrNoQuorum,
		ErrStaleLeader:
		return true
	}
	return false
}

// FromRaftError translates errors from the raft package (the Paxos-analog
// replication substrate) into core.Error values for the wire.
func FromRaftError(err error) Error {
	switch err {
	case nil:
		return NoError
	case raft.ErrNodeNotLeader:
		return ErrRaftNodeNotLeader
	case raft.ErrNotLeaderAnymore:
		return ErrRaftNotLeaderAnymore
	case raft.ErrTooManyPendingReqs:
		return ErrRaftTooManyPendingReqs
	case raft.ErrTermMismatch:
		return ErrLeaderContinuityBroken
	case raft.ErrNodeExists, raft.ErrNodeNotExists, raft.ErrAlreadyConfigured:
		log.Errorf("unexpected raft error in this context: %v", err)
		return ErrUnknown
	default:
		log.Errorf("unrecognized raft error: %v", err)
		return ErrUnknown
	}
}
