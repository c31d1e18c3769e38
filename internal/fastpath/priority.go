package fastpath

import "github.com/blueplane/telemetry-core/internal/envelope"

// Priority re-exports envelope.PriorityOf under the fast path's own name so
// callers outside envelope don't need to know priority assignment lives
// there — the fast path is the one place spec §4.5 says priority gets
// stamped onto a row before it reaches the CDC bus.
func Priority(t envelope.EventType) int {
	return envelope.PriorityOf(t)
}
