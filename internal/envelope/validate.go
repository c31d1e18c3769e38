package envelope

import "fmt"

// DeadLetterReason enumerates the terminal causes a pipeline stage can
// attach to a DLQ entry (spec §4.1, §4.9, §4.7).
type DeadLetterReason string

const (
	ReasonSchemaViolation     DeadLetterReason = "schema_violation"
	ReasonPayloadTooLarge     DeadLetterReason = "payload_too_large"
	ReasonWorkerExhausted     DeadLetterReason = "worker_exhausted"
	ReasonCursorElementBad    DeadLetterReason = "cursor_element_malformed"
)

// ValidationError reports why an event failed decode/validation.
type ValidationError struct {
	Reason  DeadLetterReason
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// MaxPayloadBytes is the default limit from spec §3; callers may override
// via config.Config.MaxPayloadBytes.
const MaxPayloadBytes = 1 << 20

// Validate checks required fields and the event_type enum. It does not
// check payload size — that is checked against serialized bytes by the
// codec, since the limit is "after serialization" per spec §3.
func Validate(e *Event) error {
	if e.EventID == "" {
		return &ValidationError{Reason: ReasonSchemaViolation, Message: "missing event_id"}
	}
	if !e.Platform.Valid() {
		return &ValidationError{Reason: ReasonSchemaViolation, Message: fmt.Sprintf("unknown platform %q", e.Platform)}
	}
	if e.ExternalSessionID == "" {
		return &ValidationError{Reason: ReasonSchemaViolation, Message: "missing external_session_id"}
	}
	if !e.EventType.Valid() {
		return &ValidationError{Reason: ReasonSchemaViolation, Message: fmt.Sprintf("unknown event_type %q", e.EventType)}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Reason: ReasonSchemaViolation, Message: "missing timestamp"}
	}
	if e.Metadata == nil || e.WorkspaceHash() == "" {
		return &ValidationError{Reason: ReasonSchemaViolation, Message: "missing metadata.workspace_hash"}
	}
	return nil
}
