// SPDX-License-Identifier: MIT

package messenger

import (
	"testing"
	"time"
)

func TestPolicyBackoffLossyFastFail(t *testing.T) {
	if _, ok := LossyFastFail.backoff(0, time.Second, 30*time.Second); ok {
		t.Fatalf("LossyFastFail must never signal keepTrying")
	}
}

func TestPolicyBackoffGrowsAndCaps(t *testing.T) {
	min := time.Second
	max := 30 * time.Second

	d0, ok := Lossless.backoff(0, min, max)
	if !ok || d0 != min {
		t.Fatalf("attempt 0: got %v, ok=%v, want %v", d0, ok, min)
	}

	d1, ok := Lossless.backoff(1, min, max)
	if !ok || d1 != 2*min {
		t.Fatalf("attempt 1: got %v, want %v", d1, 2*min)
	}

	d10, ok := RetryForever.backoff(10, min, max)
	if !ok || d10 != max {
		t.Fatalf("attempt 10: got %v, want capped at %v", d10, max)
	}
}

func TestPolicyString(t *testing.T) {
	cases := map[Policy]string{
		Lossless:      "lossless",
		LossyFastFail: "lossy_fast_fail",
		RetryForever:  "retry_forever",
	}
	for p, want := range cases {
		if got := p.String(); got != want {
			t.Errorf("Policy(%d).String() = %q, want %q", p, got, want)
		}
	}
}

func TestPeerConnRefCounting(t *testing.T) {
	pc := &peerConn{state: stateOpen}
	pc.incRef()
	pc.incRef()
	if evict := pc.decRef(); evict {
		t.Fatalf("should not be evictable with one ref remaining")
	}
	pc.setState(stateOpening)
	if evict := pc.decRef(); !evict {
		t.Fatalf("should be evictable: zero refs and not OPEN")
	}
}
