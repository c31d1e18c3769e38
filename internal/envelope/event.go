// Package envelope implements the canonical event representation (C1):
// encoding, decoding, validation, and payload compression.
package envelope

import "time"

// Platform identifies the producing IDE integration.
type Platform string

const (
	PlatformClaudeCode Platform = "claude_code"
	PlatformCursor      Platform = "cursor"
)

func (p Platform) Valid() bool {
	switch p {
	case PlatformClaudeCode, PlatformCursor:
		return true
	default:
		return false
	}
}

// EventType is the closed set of event kinds a producer may emit. An
// event_type outside this enum is a schema violation (§4.1) and must be
// dead-lettered, never silently accepted — this is the "tagged union"
// design note from spec §9: a closed set of variants discriminated at
// decode time, not a runtime-typed dictionary.
type EventType string

const (
	EventSessionStart       EventType = "session_start"
	EventSessionEnd         EventType = "session_end"
	EventUserPrompt         EventType = "user_prompt"
	EventAssistantResponse  EventType = "assistant_response"
	EventToolUse            EventType = "tool_use"
	EventCompletion         EventType = "completion"
	EventCodeChange         EventType = "code_change"
	EventAcceptanceDecision EventType = "acceptance_decision"
	EventPerformance        EventType = "performance"
	EventDatabaseTrace      EventType = "database_trace"
)

var validEventTypes = map[EventType]struct{}{
	EventSessionStart:       {},
	EventSessionEnd:         {},
	EventUserPrompt:         {},
	EventAssistantResponse:  {},
	EventToolUse:            {},
	EventCompletion:         {},
	EventCodeChange:         {},
	EventAcceptanceDecision: {},
	EventPerformance:        {},
	EventDatabaseTrace:      {},
}

func (t EventType) Valid() bool {
	_, ok := validEventTypes[t]
	return ok
}

// Priority buckets used by CDC consumers to select work (spec §4.5).
// Lower numbers are higher priority.
const (
	PriorityInteraction = 1 // user_prompt, acceptance_decision
	PriorityWorkOutput  = 2 // tool_use, completion
	PriorityDiagnostic  = 3 // performance
	PriorityLifecycle   = 4 // session_start, session_end
	PriorityDefault     = 5 // everything else
)

// PriorityOf implements the priority mapping from spec §4.5.
func PriorityOf(t EventType) int {
	switch t {
	case EventUserPrompt, EventAcceptanceDecision:
		return PriorityInteraction
	case EventToolUse, EventCompletion:
		return PriorityWorkOutput
	case EventPerformance:
		return PriorityDiagnostic
	case EventSessionStart, EventSessionEnd:
		return PriorityLifecycle
	default:
		return PriorityDefault
	}
}

// Event is the canonical envelope for every occurrence ingested by the
// pipeline (spec §3).
type Event struct {
	EventID           string                 `json:"event_id"`
	EnqueuedAt        time.Time              `json:"enqueued_at"`
	RetryCount        int                    `json:"retry_count"`
	Platform          Platform               `json:"platform"`
	ExternalSessionID string                 `json:"external_session_id"`
	HookType          string                 `json:"hook_type"`
	EventType         EventType              `json:"event_type"`
	Timestamp         time.Time              `json:"timestamp"`
	Payload           map[string]interface{} `json:"payload"`
	Metadata          map[string]interface{} `json:"metadata"`
}

// WorkspaceHash returns metadata["workspace_hash"] as a string, or "" if
// absent — every event's metadata carries at least this key (spec §3).
func (e *Event) WorkspaceHash() string {
	if e.Metadata == nil {
		return ""
	}
	if v, ok := e.Metadata["workspace_hash"].(string); ok {
		return v
	}
	return ""
}

// SkewExceeded reports whether timestamp is more than tolerance after
// EnqueuedAt (spec §3: timestamp <= enqueued_at + skew_tolerance; a
// violation is logged but the event is still accepted).
func (e *Event) SkewExceeded(tolerance time.Duration) bool {
	return e.Timestamp.After(e.EnqueuedAt.Add(tolerance))
}
