package workerpool

import (
	"context"

	"github.com/blueplane/telemetry-core/internal/envelope"
)

// applier is satisfied by *conversation.Reconstructor; declared locally so
// this package does not need to import conversation's store dependency
// chain just to reference its one exported entry point.
type applier interface {
	Apply(ctx context.Context, ev *envelope.Event) error
}

// ConversationHandler delegates every event to the conversation
// reconstruction state machine, running as its own consumer group in
// parallel with MetricsHandler (spec §4.8).
type ConversationHandler struct {
	reconstructor applier
}

// NewConversationHandler wraps r for pool registration.
func NewConversationHandler(r applier) *ConversationHandler {
	return &ConversationHandler{reconstructor: r}
}

// Type implements Handler.
func (h *ConversationHandler) Type() string { return "conversation" }

// Handle implements Handler.
func (h *ConversationHandler) Handle(ctx context.Context, ev *envelope.Event) error {
	return h.reconstructor.Apply(ctx, ev)
}
