package workerpool

import "testing"

func TestPriorityGateAllowsEverythingWhenOpen(t *testing.T) {
	g := NewPriorityGate()
	for p := 1; p <= 5; p++ {
		if !g.Allow(p) {
			t.Fatalf("expected priority %d allowed on an open gate", p)
		}
	}
}

func TestPriorityGatePausesAtAndAboveFloor(t *testing.T) {
	g := NewPriorityGate()
	g.Pause(4)
	for p := 1; p <= 3; p++ {
		if !g.Allow(p) {
			t.Fatalf("expected priority %d to still be allowed under floor 4", p)
		}
	}
	for p := 4; p <= 5; p++ {
		if g.Allow(p) {
			t.Fatalf("expected priority %d to be paused under floor 4", p)
		}
	}
}

func TestPriorityGateResumeReopens(t *testing.T) {
	g := NewPriorityGate()
	g.Pause(1)
	if g.Allow(1) {
		t.Fatal("expected priority 1 paused")
	}
	g.Resume()
	if !g.Allow(1) {
		t.Fatal("expected priority 1 allowed after resume")
	}
}
