package controlplane

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeGate struct {
	paused int32
	floor  int32
}

func (g *fakeGate) Pause(floor int) {
	atomic.StoreInt32(&g.paused, 1)
	atomic.StoreInt32(&g.floor, int32(floor))
}

func (g *fakeGate) Resume() {
	atomic.StoreInt32(&g.paused, 0)
}

func (g *fakeGate) isPaused() bool { return atomic.LoadInt32(&g.paused) == 1 }

// Crossing the critical threshold pauses the gate; draining back below it
// resumes.
func TestBackpressureMonitorPausesAndResumes(t *testing.T) {
	gate := &fakeGate{}
	var length int64 = 60000
	lenFunc := func(ctx context.Context) (int64, error) {
		return atomic.LoadInt64(&length), nil
	}
	monitor := NewBackpressureMonitor(lenFunc, gate, 10000, 50000, 20*time.Millisecond, zerolog.New(io.Discard))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)

	waitUntil(t, func() bool { return gate.isPaused() }, 500*time.Millisecond)

	atomic.StoreInt64(&length, 1000)
	waitUntil(t, func() bool { return !gate.isPaused() }, 500*time.Millisecond)
}

func waitUntil(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
