// SPDX-License-Identifier: MIT

package server

import (
	"testing"

	"github.com/cragfs/crag/internal/core"
)

func TestOpFailureGetDefaultsToNoError(t *testing.T) {
	f := NewOpFailure()
	if err := f.Get("read"); err != core.NoError {
		t.Fatalf("Get on unconfigured op = %s, want NoError", err)
	}
}

func TestOpFailureHandlerSetsAndClears(t *testing.T) {
	f := NewOpFailure()
	if err := f.Handler([]byte(`{"write":5}`)); err != nil {
		t.Fatalf("Handler: %s", err)
	}
	if got := f.Get("write"); got == core.NoError {
		t.Fatalf("Get(\"write\") = NoError after injecting a failure")
	}
	if got := f.Get("read"); got != core.NoError {
		t.Fatalf("Get(\"read\") = %s, want NoError (not configured)", got)
	}

	if err := f.Handler(nil); err != nil {
		t.Fatalf("Handler(nil): %s", err)
	}
	if got := f.Get("write"); got != core.NoError {
		t.Fatalf("Get(\"write\") after clearing = %s, want NoError", got)
	}
}
