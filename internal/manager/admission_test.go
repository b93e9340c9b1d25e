package manager

import (
	"testing"
	"time"
)

func TestAdmission(t *testing.T) {
	a := NewAdmission(2)
	if a.Needed() != 2 {
		t.Fatalf("Needed on empty = %d, want 2", a.Needed())
	}

	a.Reserve("a")
	a.Reserve("b")
	if a.Needed() != 0 || a.InFlight() != 2 {
		t.Fatalf("after two reservations: needed=%d inflight=%d", a.Needed(), a.InFlight())
	}
	if !a.Has("a") || a.Has("c") {
		t.Error("Has does not see reservations")
	}

	a.Register(&ActiveRun{ItemID: "a", RunID: "run-a"})
	a.Release("b")
	if a.ActiveCount() != 1 || a.InFlight() != 0 || a.Needed() != 1 {
		t.Fatalf("active=%d inflight=%d needed=%d, want 1/0/1", a.ActiveCount(), a.InFlight(), a.Needed())
	}
	if !a.HasRun("run-a") || a.HasRun("run-b") {
		t.Error("HasRun mismatch")
	}

	// Adoption registers without a reservation and may overshoot.
	a.Register(&ActiveRun{ItemID: "x", RunID: "run-x"})
	a.Register(&ActiveRun{ItemID: "y", RunID: "run-y"})
	if a.Needed() != -1 {
		t.Errorf("Needed over the ceiling = %d, want -1", a.Needed())
	}

	a.Remove("a")
	if a.Has("a") || a.ActiveCount() != 2 {
		t.Errorf("Remove left a: active=%d", a.ActiveCount())
	}
}

func TestAdmissionRunsOrder(t *testing.T) {
	a := NewAdmission(3)
	now := time.Now()
	a.Register(&ActiveRun{ItemID: "c", StartedAt: now})
	a.Register(&ActiveRun{ItemID: "b", StartedAt: now})
	a.Register(&ActiveRun{ItemID: "a", StartedAt: now.Add(time.Second)})

	var got []string
	for _, r := range a.Runs() {
		got = append(got, r.ItemID)
	}
	want := []string{"b", "c", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Runs order = %v, want %v", got, want)
		}
	}
}
