// SPDX-License-Identifier: MIT

package osd

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cragfs/crag/internal/core"
	"github.com/cragfs/crag/internal/messenger"
)

func newTestOSD(t *testing.T) *OSD {
	t.Helper()
	addr := core.EntityAddr{IP: "127.0.0.1", Port: 0}
	msgr := messenger.New(addr, time.Second, time.Second, 8)
	cfg := Config{ID: 1, Addr: addr, StoreDir: filepath.Join(t.TempDir(), "store.db")}
	o, err := New(cfg, msgr)
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	t.Cleanup(func() { o.store.Close() })
	return o
}

func TestVectorNameByFirstOpcode(t *testing.T) {
	cases := []struct {
		ops  []core.OSDOpCode
		want string
	}{
		{nil, "empty"},
		{[]core.OSDOpCode{core.OpRead}, "read"},
		{[]core.OSDOpCode{core.OpWrite, core.OpDelete}, "write"},
		{[]core.OSDOpCode{core.OpTmapUpdate}, "tmap_update"},
		{[]core.OSDOpCode{core.OpExec}, "unknown"},
	}
	for _, c := range cases {
		if got := vectorName(c.ops); got != c.want {
			t.Errorf("vectorName(%v) = %q, want %q", c.ops, got, c.want)
		}
	}
}

func TestFailureHandlerInjectsConfiguredError(t *testing.T) {
	o := newTestOSD(t)
	if err := o.FailureHandler([]byte(`{"write":2}`)); err != nil {
		t.Fatalf("FailureHandler: %s", err)
	}
	if got := o.failures.Get("write"); got == core.NoError {
		t.Fatalf("failures.Get(\"write\") = NoError after injecting a failure")
	}
	if got := o.failures.Get("read"); got != core.NoError {
		t.Fatalf("failures.Get(\"read\") = %s, want NoError (not configured)", got)
	}
}

func TestUpdateDyConfigRetunesScrubBucket(t *testing.T) {
	o := newTestOSD(t)
	o.updateDyConfig(DyConfig{ScrubRateBytes: 5 << 20})
	// SetRate has no getter; exercising it here just guards against a
	// panic or deadlock from a bad rate, which a zero-rate bucket used to
	// cause once its balance went negative.
	o.updateDyConfig(DyConfig{ScrubRateBytes: 0})
	if got := o.scrubBucket; got == nil {
		t.Fatalf("scrubBucket is nil")
	}
}
