package stream

import (
	"context"
	"time"

	"github.com/blueplane/telemetry-core/internal/envelope"
)

// Dead-letter wire field names (spec §6).
const (
	DLQFieldOriginalEventID  = "original_event_id"
	DLQFieldOriginalStreamID = "original_stream_id"
	DLQFieldErrorType        = "error_type"
	DLQFieldErrorMessage     = "error_message"
	DLQFieldErrorStack       = "error_stack"
	DLQFieldAttemptedAt      = "attempted_at"
	DLQFieldRetryCount       = "retry_count"
	DLQFieldDLQQueuedAt      = "dlq_queued_at"
	DLQFieldCanRetry         = "can_retry"
	DLQFieldSuggestedAction  = "suggested_action"
)

// retryableReasons are dispositions where a future replay of the source
// event might succeed (e.g. once the store recovers).
var retryableReasons = map[envelope.DeadLetterReason]bool{
	envelope.ReasonSchemaViolation:  false,
	envelope.ReasonPayloadTooLarge:  false,
	envelope.ReasonWorkerExhausted:  true,
	envelope.ReasonCursorElementBad: false,
}

// DeadLetter appends an entry to dlqStream describing why originalStreamID
// (which carried the wire fields in sourceFields) could not be processed.
func (c *Client) DeadLetter(ctx context.Context, dlqStream, originalStreamID string, reason envelope.DeadLetterReason, errMsg string, sourceFields map[string]string) (string, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	fields := map[string]string{
		DLQFieldOriginalEventID:  sourceFields[envelope.FieldEventID],
		DLQFieldOriginalStreamID: originalStreamID,
		DLQFieldErrorType:        string(reason),
		DLQFieldErrorMessage:     errMsg,
		DLQFieldErrorStack:       "",
		DLQFieldAttemptedAt:      now,
		DLQFieldRetryCount:       sourceFields[envelope.FieldRetryCount],
		DLQFieldDLQQueuedAt:      now,
		DLQFieldSuggestedAction:  suggestedAction(reason),
	}
	if retryableReasons[reason] {
		fields[DLQFieldCanRetry] = "true"
	} else {
		fields[DLQFieldCanRetry] = "false"
	}
	for k, v := range sourceFields {
		if _, exists := fields[k]; !exists {
			fields[k] = v
		}
	}
	return c.Append(ctx, dlqStream, fields, 0)
}

func suggestedAction(reason envelope.DeadLetterReason) string {
	switch reason {
	case envelope.ReasonSchemaViolation:
		return "fix producer payload shape; event_type or required field invalid"
	case envelope.ReasonPayloadTooLarge:
		return "reduce payload size below 1 MiB before retrying"
	case envelope.ReasonWorkerExhausted:
		return "inspect worker logs; raw trace remains available for manual reprocessing"
	case envelope.ReasonCursorElementBad:
		return "inspect the malformed Cursor database element"
	default:
		return "manual review"
	}
}
