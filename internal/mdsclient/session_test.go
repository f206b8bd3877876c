// SPDX-License-Identifier: MIT

package mdsclient

import (
	"testing"

	"github.com/cragfs/crag/internal/core"
)

func TestSessionStateString(t *testing.T) {
	cases := map[SessionState]string{
		SessionNew:          "new",
		SessionOpening:       "opening",
		SessionOpen:          "open",
		SessionClosing:       "closing",
		SessionClosed:        "closed",
		SessionReconnecting:  "reconnecting",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("SessionState(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestLeaseCacheRejectsStaleGeneration(t *testing.T) {
	s := NewSession(nil, 0, 16)
	s.gen = 1
	s.PutLease("/a", core.ClientLease{Inode: 7, Gen: 1})

	if _, ok := s.GetLease("/a"); !ok {
		t.Fatal("expected lease minted under current generation to be returned")
	}

	s.gen = 2 // simulate a reconnect bumping the generation
	if _, ok := s.GetLease("/a"); ok {
		t.Fatal("expected stale-generation lease to be discarded")
	}
}

func TestForwardUpdatesSessionTarget(t *testing.T) {
	s := NewSession(nil, 0, 16)
	target := core.EntityAddr{IP: "10.0.0.9", Port: 6800}

	s.Forward(core.ClientRequestForward{Tid: 1, TargetRank: 2}, func(rank int) (core.EntityAddr, bool) {
		if rank != 2 {
			t.Fatalf("unexpected rank lookup %d", rank)
		}
		return target, true
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rank != 2 || s.addr != target {
		t.Fatalf("session not updated: rank=%d addr=%v", s.rank, s.addr)
	}
}
