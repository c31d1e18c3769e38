package workerpool

import (
	"context"
	"testing"

	"github.com/blueplane/telemetry-core/internal/envelope"
)

type fakeApplier struct {
	applied []*envelope.Event
	err     error
}

func (f *fakeApplier) Apply(ctx context.Context, ev *envelope.Event) error {
	f.applied = append(f.applied, ev)
	return f.err
}

func TestConversationHandlerDelegatesToApplier(t *testing.T) {
	applier := &fakeApplier{}
	h := NewConversationHandler(applier)
	if h.Type() != "conversation" {
		t.Fatalf("expected type conversation, got %s", h.Type())
	}

	ev := &envelope.Event{EventID: "evt-1"}
	if err := h.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(applier.applied) != 1 || applier.applied[0] != ev {
		t.Fatalf("expected the event to be forwarded to the applier, got %+v", applier.applied)
	}
}
