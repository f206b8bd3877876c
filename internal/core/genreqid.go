// SPDX-License-Identifier: MIT

package core

import (
	"crypto/rand"
	"encoding/base64"
	"strconv"
	"sync/atomic"
)

var (
	clientIDPrefix = makePrefix()
	seqNum         uint64
)

func makePrefix() string {
	buf := make([]byte, 15)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is broken,
		// which we can't recover from anyway.
		panic(err)
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// GenRequestID returns a unique string identifying a request for tracing and
// cancellation purposes. It combines 120 random bits (generated once per
// process) with a monotonic sequence number, so ids are unique across every
// client in the cluster without coordination.
func GenRequestID() string {
	id := atomic.AddUint64(&seqNum, 1)
	return clientIDPrefix + strconv.FormatUint(id, 36)
}

// NewLingerID mints a process-unique linger (watch) cookie the same way: the
// Objecter hands this to the OSD when registering a watch, and the OSD
// echoes it back on every notify so the client can route callbacks.
func NewLingerID() LingerID {
	return LingerID(atomic.AddUint64(&seqNum, 1))
}

// NewTid mints a monotonic per-process transaction id. The Objecter and the
// MDS client each keep their own outstanding-tid table, so a single shared
// counter across both is safe: tids only need to be unique among requests
// a single client has outstanding, never across clients.
func NewTid() Tid {
	return Tid(atomic.AddUint64(&seqNum, 1))
}
