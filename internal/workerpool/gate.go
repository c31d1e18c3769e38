package workerpool

import "sync/atomic"

// PriorityGate lets the backpressure monitor pause processing of
// lower-priority pointers under critical load (spec §4.10: "pause
// lowest-priority downstream workers ... priority 5 and 4 first"), without
// stopping the worker loop itself — gated pointers are simply left
// unacked, to be reclaimed by a later stale sweep once the gate reopens.
type PriorityGate struct {
	floor int32 // 0 = no gate; otherwise, priorities >= floor are paused
}

// NewPriorityGate returns an open gate (nothing paused).
func NewPriorityGate() *PriorityGate {
	return &PriorityGate{}
}

// Pause blocks processing of any pointer whose priority is >= floor.
// Priority values run 1 (interaction) through 5 (default/lowest); passing
// 4 pauses priorities 4 and 5 as spec §4.10 calls for under critical
// backpressure.
func (g *PriorityGate) Pause(floor int) {
	atomic.StoreInt32(&g.floor, int32(floor))
}

// Resume reopens the gate entirely.
func (g *PriorityGate) Resume() {
	atomic.StoreInt32(&g.floor, 0)
}

// Allow reports whether a pointer at priority may be processed now.
func (g *PriorityGate) Allow(priority int) bool {
	floor := atomic.LoadInt32(&g.floor)
	return floor == 0 || int32(priority) < floor
}
