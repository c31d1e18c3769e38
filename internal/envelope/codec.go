package envelope

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Wire field names (spec §6).
const (
	FieldEventID           = "event_id"
	FieldEnqueuedAt        = "enqueued_at"
	FieldRetryCount        = "retry_count"
	FieldPlatform          = "platform"
	FieldExternalSessionID = "external_session_id"
	FieldHookType          = "hook_type"
	FieldEventType         = "event_type"
	FieldTimestamp         = "timestamp"
	FieldPayload           = "payload"
	FieldMetadata          = "metadata"
)

// EncodeBytes serializes an Event to its lossless JSON form — this is
// what gets compressed into a raw trace's event_data blob (spec §3).
func EncodeBytes(e *Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

// DecodeBytes is the inverse of EncodeBytes.
func DecodeBytes(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, &ValidationError{Reason: ReasonSchemaViolation, Message: "malformed event JSON: " + err.Error()}
	}
	return &e, nil
}

// ToWireFields flattens an Event into the flat key->string mapping used on
// the durable stream (spec §6): payload and metadata are JSON-encoded
// strings, everything else is a scalar. This flattening is hidden from
// callers of the stream client, which deal only in Event values.
func ToWireFields(e *Event) (map[string]string, error) {
	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	metadataJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return map[string]string{
		FieldEventID:           e.EventID,
		FieldEnqueuedAt:        e.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		FieldRetryCount:        strconv.Itoa(e.RetryCount),
		FieldPlatform:          string(e.Platform),
		FieldExternalSessionID: e.ExternalSessionID,
		FieldHookType:          e.HookType,
		FieldEventType:         string(e.EventType),
		FieldTimestamp:         e.Timestamp.UTC().Format(time.RFC3339Nano),
		FieldPayload:           string(payloadJSON),
		FieldMetadata:          string(metadataJSON),
	}, nil
}

// FromWireFields is the inverse of ToWireFields, reconstructing an Event
// from the flat mapping a stream read returns. It does not validate the
// event — call Validate separately so callers can distinguish "malformed
// wire form" from "well-formed but schema-invalid."
func FromWireFields(fields map[string]string) (*Event, error) {
	e := &Event{
		EventID:           fields[FieldEventID],
		Platform:          Platform(fields[FieldPlatform]),
		ExternalSessionID: fields[FieldExternalSessionID],
		HookType:          fields[FieldHookType],
		EventType:         EventType(fields[FieldEventType]),
	}

	if v := fields[FieldRetryCount]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, &ValidationError{Reason: ReasonSchemaViolation, Message: "bad retry_count: " + err.Error()}
		}
		e.RetryCount = n
	}

	if v := fields[FieldEnqueuedAt]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, &ValidationError{Reason: ReasonSchemaViolation, Message: "bad enqueued_at: " + err.Error()}
		}
		e.EnqueuedAt = t
	}
	if v := fields[FieldTimestamp]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, &ValidationError{Reason: ReasonSchemaViolation, Message: "bad timestamp: " + err.Error()}
		}
		e.Timestamp = t
	}

	if v := fields[FieldPayload]; v != "" {
		if err := json.Unmarshal([]byte(v), &e.Payload); err != nil {
			return nil, &ValidationError{Reason: ReasonSchemaViolation, Message: "bad payload JSON: " + err.Error()}
		}
	}
	if v := fields[FieldMetadata]; v != "" {
		if err := json.Unmarshal([]byte(v), &e.Metadata); err != nil {
			return nil, &ValidationError{Reason: ReasonSchemaViolation, Message: "bad metadata JSON: " + err.Error()}
		}
	}

	return e, nil
}

// Encode produces the wire form and checks the 1 MiB payload-after-
// serialization limit from spec §3, returning a ValidationError tagged
// payload_too_large when exceeded.
func Encode(e *Event, maxPayloadBytes int64) (map[string]string, error) {
	fields, err := ToWireFields(e)
	if err != nil {
		return nil, err
	}
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = MaxPayloadBytes
	}
	if int64(len(fields[FieldPayload])) > maxPayloadBytes {
		return nil, &ValidationError{Reason: ReasonPayloadTooLarge, Message: "payload exceeds size limit after serialization"}
	}
	return fields, nil
}

// Decode reconstructs and validates an Event from its wire form, enforcing
// the same payload-after-serialization size limit Encode checks on the
// producing side (spec §3/§7: an externally-produced event arriving on the
// ingestion path is dead-lettered payload_too_large, not just rejected at
// the point a local producer tries to encode it). maxPayloadBytes <= 0
// falls back to MaxPayloadBytes.
func Decode(fields map[string]string, maxPayloadBytes int64) (*Event, error) {
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = MaxPayloadBytes
	}
	if int64(len(fields[FieldPayload])) > maxPayloadBytes {
		return nil, &ValidationError{Reason: ReasonPayloadTooLarge, Message: "payload exceeds size limit after serialization"}
	}
	e, err := FromWireFields(fields)
	if err != nil {
		return nil, err
	}
	if err := Validate(e); err != nil {
		return nil, err
	}
	return e, nil
}
