package cursormonitor

import (
	"fmt"
	"time"

	"github.com/blueplane/telemetry-core/internal/envelope"
	"github.com/google/uuid"
)

// Cursor's embedded database stores both AI generations and prompts as
// JSON array blobs under well-known ItemTable keys.
const (
	keyGenerations = "aiService.generations"
	keyPrompts     = "aiService.prompts"
)

var monitoredKeys = []string{keyGenerations, keyPrompts}

// rawElement is one entry of a Cursor generations/prompts array. Cursor's
// own field names vary by version and by key, so lookups try the common
// aliases instead of binding to a single fixed shape.
type rawElement map[string]interface{}

var uuidFields = []string{"generationUUID", "bubbleId", "uuid", "id"}
var timestampFields = []string{"unixMs", "timestamp", "createdAt", "ts"}

func (r rawElement) uuid() (string, bool) {
	for _, k := range uuidFields {
		if v, ok := r[k].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func (r rawElement) timestampMS() (int64, bool) {
	for _, k := range timestampFields {
		v, ok := r[k]
		if !ok {
			continue
		}
		if n, ok := v.(float64); ok {
			return int64(n), true
		}
	}
	return 0, false
}

// transform converts one raw Cursor database element into the canonical
// event envelope (spec §4.9: "emit a canonical event onto the events
// stream"). event_id is derived deterministically from the source key and
// the element's own UUID so a crash-and-replay never produces a second
// event_id for the same element (idempotency is enforced downstream by
// the trace store on event_id, not here).
func transform(sourceKey, workspaceHash, workspacePath string, el rawElement) (*envelope.Event, error) {
	elementUUID, ok := el.uuid()
	if !ok {
		return nil, fmt.Errorf("element has no recognizable identifying uuid field")
	}
	when := time.Now().UTC()
	if ms, ok := el.timestampMS(); ok {
		when = time.UnixMilli(ms).UTC()
	}

	return &envelope.Event{
		EventID:           deterministicEventID(sourceKey, elementUUID),
		EnqueuedAt:        time.Now().UTC(),
		Platform:          envelope.PlatformCursor,
		ExternalSessionID: workspaceHash,
		HookType:          "cursor_db_monitor",
		EventType:         envelope.EventDatabaseTrace,
		Timestamp:         when,
		Payload:           map[string]interface{}(el),
		Metadata: map[string]interface{}{
			"workspace_hash": workspaceHash,
			"workspace_path": workspacePath,
			"source_key":     sourceKey,
		},
	}, nil
}

// deterministicEventID derives a stable UUID from (sourceKey, elementUUID)
// so re-processing the same element after a crash always yields the same
// event_id (spec §4.9).
func deterministicEventID(sourceKey, elementUUID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(sourceKey+":"+elementUUID)).String()
}

// elementSortKey orders elements by timestamp (falling back to arrival
// order in the array when a timestamp is absent) so the checkpoint only
// ever advances and never skips an element that sorts before one already
// emitted within the same poll.
func elementSortKey(el rawElement, index int) int64 {
	if ms, ok := el.timestampMS(); ok {
		return ms
	}
	return int64(index)
}
