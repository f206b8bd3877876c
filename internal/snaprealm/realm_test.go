// SPDX-License-Identifier: MIT

package snaprealm

import (
	"testing"

	"github.com/cragfs/crag/internal/core"
)

func TestEffectiveContextInheritsFromParent(t *testing.T) {
	root := New(1)
	root.AddSnap(5)
	root.AddSnap(10)

	child := root.Child(2, 10)
	child.AddSnap(15)

	ctx := child.EffectiveContext()
	want := []core.SnapID{15, 10, 5}
	if len(ctx.Snaps) != len(want) {
		t.Fatalf("got %v, want %v", ctx.Snaps, want)
	}
	for i := range want {
		if ctx.Snaps[i] != want[i] {
			t.Fatalf("got %v, want %v", ctx.Snaps, want)
		}
	}
}

func TestEffectiveContextExcludesSnapsAfterAttachPoint(t *testing.T) {
	root := New(1)
	root.AddSnap(5)
	child := root.Child(2, 5) // attached as of snap 5

	root.AddSnap(20) // taken on root after child was attached

	ctx := child.EffectiveContext()
	for _, s := range ctx.Snaps {
		if s == 20 {
			t.Fatalf("snap 20 (post-attach) should not be inherited: %v", ctx.Snaps)
		}
	}
}

func TestEffectiveContextCacheInvalidatedByNewSnap(t *testing.T) {
	root := New(1)
	child := root.Child(2, 0)

	first := child.EffectiveContext()
	if len(first.Snaps) != 0 {
		t.Fatalf("expected empty context initially, got %v", first.Snaps)
	}

	root.AddSnap(1)
	second := child.EffectiveContext()
	if len(second.Snaps) != 1 || second.Snaps[0] != 1 {
		t.Fatalf("expected cache to invalidate after ancestor snap, got %v", second.Snaps)
	}
}

func TestReparentBumpsSeq(t *testing.T) {
	a := New(1)
	a.AddSnap(1)
	b := New(2)
	b.AddSnap(2)

	child := a.Child(3, 1)
	_ = child.EffectiveContext()

	child.Reparent(b, 2)
	ctx := child.EffectiveContext()
	if len(ctx.Snaps) != 1 || ctx.Snaps[0] != 2 {
		t.Fatalf("expected context from new parent b, got %v", ctx.Snaps)
	}
}
