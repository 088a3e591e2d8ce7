package node

import (
	"sort"
	"testing"
)

func TestPauseSetLifecycle(t *testing.T) {
	pauses := NewPauseSet("loan")
	if !pauses.IsPaused("loan") {
		t.Fatal("seeded module not paused")
	}
	if pauses.IsPaused("market") {
		t.Fatal("unrelated module paused")
	}

	pauses.Pause("Market")
	if !pauses.IsPaused("market") {
		t.Fatal("module names should match case-insensitively")
	}

	pauses.Resume("LOAN")
	if pauses.IsPaused("loan") {
		t.Fatal("resume did not lift the halt")
	}

	snapshot := pauses.Snapshot()
	sort.Strings(snapshot)
	if len(snapshot) != 1 || snapshot[0] != "market" {
		t.Fatalf("snapshot = %v, want [market]", snapshot)
	}
}

func TestPauseSetIgnoresBlankModules(t *testing.T) {
	pauses := NewPauseSet("", "  ")
	if len(pauses.Snapshot()) != 0 {
		t.Fatalf("snapshot = %v, want empty", pauses.Snapshot())
	}
	pauses.Pause("")
	if len(pauses.Snapshot()) != 0 {
		t.Fatal("blank module was recorded")
	}
}
