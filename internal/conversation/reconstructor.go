// Package conversation implements conversation reconstruction (C8): the
// state machine that folds the flat stream of ingested events into
// sessions, conversations, turns, and code changes.
package conversation

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/blueplane/telemetry-core/internal/envelope"
	"github.com/blueplane/telemetry-core/internal/tracestore"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// store is the subset of tracestore.Store the reconstructor needs, narrowed
// to an interface so it can be exercised with a fake in unit tests without
// a real SQLite file for every case.
type store interface {
	UpsertWorkspace(ctx context.Context, workspaceHash, workspacePath, workspaceName string, seenAt time.Time) error
	UpsertSession(ctx context.Context, id, externalSessionID, workspaceHash, workspacePath string, startedAt time.Time) error
	SessionIDByExternal(ctx context.Context, externalSessionID string) (string, error)
	CloseSession(ctx context.Context, id string, endedAt time.Time) error
	EnsureConversation(ctx context.Context, id string, sessionID sql.NullString, externalID, platform, workspaceHash string, startedAt time.Time) error
	ConversationIDByExternal(ctx context.Context, platform, externalID string) (string, error)
	EndConversation(ctx context.Context, id string, endedAt time.Time) error
	InsertTurn(ctx context.Context, conversationID string, in tracestore.TurnInput) (int, bool, error)
	InsertCodeChange(ctx context.Context, conversationID string, in tracestore.CodeChangeInput) error
	ApplyAcceptanceDecision(ctx context.Context, conversationID, changeKey string, accepted bool, decidedAt time.Time) (bool, error)
	RecordToolUse(ctx context.Context, conversationID, toolName string) error
}

// Reconstructor applies ingested events to conversation/session state.
type Reconstructor struct {
	store         store
	sessions      *identityCache
	conversations *identityCache
	logger        zerolog.Logger
}

// New constructs a Reconstructor backed by store, with identity caches
// sized cacheSize (spec §9's bounded-LRU design note).
func New(backingStore store, cacheSize int, logger zerolog.Logger) *Reconstructor {
	return &Reconstructor{
		store:         backingStore,
		sessions:      newIdentityCache(cacheSize),
		conversations: newIdentityCache(cacheSize),
		logger:        logger.With().Str("component", "conversation").Logger(),
	}
}

// Apply folds one event into conversation/session state. It is the single
// entry point the conversation worker calls per dispatched event.
func (r *Reconstructor) Apply(ctx context.Context, ev *envelope.Event) error {
	if err := r.store.UpsertWorkspace(ctx, ev.WorkspaceHash(), workspacePath(ev), workspaceName(ev), ev.Timestamp); err != nil {
		return fmt.Errorf("upsert workspace: %w", err)
	}

	switch ev.EventType {
	case envelope.EventSessionStart:
		return r.handleSessionStart(ctx, ev)
	case envelope.EventSessionEnd:
		return r.handleSessionEnd(ctx, ev)
	case envelope.EventUserPrompt:
		return r.handleTurn(ctx, ev, "user_prompt")
	case envelope.EventAssistantResponse:
		return r.handleTurn(ctx, ev, "assistant_response")
	case envelope.EventToolUse:
		return r.handleToolUse(ctx, ev)
	case envelope.EventCompletion:
		return r.handleTurn(ctx, ev, "completion")
	case envelope.EventCodeChange:
		return r.handleCodeChange(ctx, ev)
	case envelope.EventAcceptanceDecision:
		return r.handleAcceptanceDecision(ctx, ev)
	case envelope.EventPerformance, envelope.EventDatabaseTrace:
		// Diagnostic-only event types carry no conversation state of their
		// own; they are recorded in the raw trace store by the fast path
		// and surfaced through the metrics worker instead.
		return nil
	default:
		return fmt.Errorf("conversation reconstruction: unhandled event type %q", ev.EventType)
	}
}

func (r *Reconstructor) handleSessionStart(ctx context.Context, ev *envelope.Event) error {
	if id, ok := r.sessions.Get(ev.ExternalSessionID); ok {
		_ = id
		return nil
	}
	existing, err := r.store.SessionIDByExternal(ctx, ev.ExternalSessionID)
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	if existing != "" {
		r.sessions.Set(ev.ExternalSessionID, existing)
		return nil
	}
	id := uuid.NewString()
	if err := r.store.UpsertSession(ctx, id, ev.ExternalSessionID, ev.WorkspaceHash(), workspacePath(ev), ev.Timestamp); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	r.sessions.Set(ev.ExternalSessionID, id)
	return nil
}

func (r *Reconstructor) handleSessionEnd(ctx context.Context, ev *envelope.Event) error {
	// Claude Code has no separate session/conversation distinction: one
	// hook session is one conversation thread, so session_end also closes
	// the conversation. Cursor's session outlives many conversations, so
	// its session_end (when a producer ever emits one) only closes the
	// editor session and leaves its conversations open; the idle sweeper
	// likewise closes sessions, not conversations.
	if ev.Platform == envelope.PlatformClaudeCode {
		convID, err := r.ensureConversation(ctx, ev)
		if err != nil {
			return err
		}
		if err := r.store.EndConversation(ctx, convID, ev.Timestamp); err != nil {
			return fmt.Errorf("end conversation: %w", err)
		}
		return nil
	}

	id, err := r.resolveSession(ctx, ev)
	if err != nil {
		return err
	}
	if id == "" {
		return nil
	}
	return r.store.CloseSession(ctx, id, ev.Timestamp)
}

func (r *Reconstructor) resolveSession(ctx context.Context, ev *envelope.Event) (string, error) {
	if id, ok := r.sessions.Get(ev.ExternalSessionID); ok {
		return id, nil
	}
	id, err := r.store.SessionIDByExternal(ctx, ev.ExternalSessionID)
	if err != nil {
		return "", fmt.Errorf("lookup session: %w", err)
	}
	if id != "" {
		r.sessions.Set(ev.ExternalSessionID, id)
	}
	return id, nil
}

// conversationKey groups turns into a conversation: Claude Code sessions
// are themselves one conversation (one hook session == one conversation
// thread); Cursor associates many short-lived conversations with one
// longer-running editor session, so Cursor events key off their own
// conversation identifier when the producer supplies one, falling back to
// the external session id otherwise.
func conversationKey(ev *envelope.Event) string {
	if ev.Platform == envelope.PlatformCursor {
		if v, ok := ev.Payload["composer_id"].(string); ok && v != "" {
			return v
		}
		if v, ok := ev.Payload["bubble_id"].(string); ok && v != "" {
			return v
		}
	}
	return ev.ExternalSessionID
}

func (r *Reconstructor) ensureConversation(ctx context.Context, ev *envelope.Event) (string, error) {
	key := string(ev.Platform) + ":" + conversationKey(ev)
	if id, ok := r.conversations.Get(key); ok {
		return id, nil
	}

	id, err := r.store.ConversationIDByExternal(ctx, string(ev.Platform), conversationKey(ev))
	if err != nil {
		return "", fmt.Errorf("lookup conversation: %w", err)
	}
	if id != "" {
		r.conversations.Set(key, id)
		return id, nil
	}

	var sessionID sql.NullString
	if ev.Platform == envelope.PlatformCursor {
		if sid, sErr := r.resolveSession(ctx, ev); sErr == nil && sid != "" {
			sessionID = sql.NullString{String: sid, Valid: true}
		}
	}

	id = uuid.NewString()
	if err := r.store.EnsureConversation(ctx, id, sessionID, conversationKey(ev), string(ev.Platform), ev.WorkspaceHash(), ev.Timestamp); err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	// EnsureConversation is itself idempotent (ON CONFLICT DO NOTHING); if
	// another worker won the race, fetch the id it actually created.
	actual, err := r.store.ConversationIDByExternal(ctx, string(ev.Platform), conversationKey(ev))
	if err != nil {
		return "", fmt.Errorf("resolve conversation after create: %w", err)
	}
	r.conversations.Set(key, actual)
	return actual, nil
}

func (r *Reconstructor) handleTurn(ctx context.Context, ev *envelope.Event, turnType string) error {
	convID, err := r.ensureConversation(ctx, ev)
	if err != nil {
		return err
	}

	var tokens sql.NullInt64
	if v, ok := numeric(ev.Payload["tokens_used"]); ok {
		tokens = sql.NullInt64{Int64: v, Valid: true}
	}
	var latency sql.NullInt64
	if v, ok := numeric(ev.Payload["duration_ms"]); ok {
		latency = sql.NullInt64{Int64: v, Valid: true}
	}

	_, _, err = r.store.InsertTurn(ctx, convID, tracestore.TurnInput{
		ID:          uuid.NewString(),
		TurnType:    turnType,
		ContentHash: contentHash(ev),
		EventID:     ev.EventID,
		Timestamp:   ev.Timestamp,
		TokensUsed:  tokens,
		LatencyMS:   latency,
	})
	if err != nil {
		return fmt.Errorf("insert %s turn: %w", turnType, err)
	}
	return nil
}

func (r *Reconstructor) handleToolUse(ctx context.Context, ev *envelope.Event) error {
	convID, err := r.ensureConversation(ctx, ev)
	if err != nil {
		return err
	}

	var latency sql.NullInt64
	if v, ok := numeric(ev.Payload["duration_ms"]); ok {
		latency = sql.NullInt64{Int64: v, Valid: true}
	}
	toolName, _ := ev.Payload["tool_name"].(string)

	_, _, err = r.store.InsertTurn(ctx, convID, tracestore.TurnInput{
		ID:          uuid.NewString(),
		TurnType:    "tool_use",
		ContentHash: contentHash(ev),
		EventID:     ev.EventID,
		Timestamp:   ev.Timestamp,
		LatencyMS:   latency,
		ToolsCalled: nonEmpty(toolName),
	})
	if err != nil {
		return fmt.Errorf("insert tool_use turn: %w", err)
	}
	if toolName != "" {
		if err := r.store.RecordToolUse(ctx, convID, toolName); err != nil {
			return fmt.Errorf("record tool use: %w", err)
		}
	}
	return nil
}

func (r *Reconstructor) handleCodeChange(ctx context.Context, ev *envelope.Event) error {
	convID, err := r.ensureConversation(ctx, ev)
	if err != nil {
		return err
	}

	turnNumber, _, err := r.store.InsertTurn(ctx, convID, tracestore.TurnInput{
		ID:          ev.EventID,
		TurnType:    "code_change",
		ContentHash: contentHash(ev),
		EventID:     ev.EventID,
		Timestamp:   ev.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("insert code_change turn: %w", err)
	}
	_ = turnNumber

	operation, _ := ev.Payload["operation"].(string)
	if operation == "" {
		operation = "edit"
	}
	var fileExt sql.NullString
	if ext := fileExtension(ev); ext != "" {
		fileExt = sql.NullString{String: ext, Valid: true}
	}
	linesAdded, _ := numeric(ev.Payload["lines_added"])
	linesRemoved, _ := numeric(ev.Payload["lines_removed"])

	return r.store.InsertCodeChange(ctx, convID, tracestore.CodeChangeInput{
		ID:            uuid.NewString(),
		TurnID:        ev.EventID, // the code_change turn above uses the event id as its row id
		EventID:       ev.EventID,
		ChangeKey:     changeKey(ev),
		Timestamp:     ev.Timestamp,
		FileExtension: fileExt,
		Operation:     operation,
		LinesAdded:    linesAdded,
		LinesRemoved:  linesRemoved,
	})
}

func (r *Reconstructor) handleAcceptanceDecision(ctx context.Context, ev *envelope.Event) error {
	convID, err := r.ensureConversation(ctx, ev)
	if err != nil {
		return err
	}
	accepted, _ := ev.Payload["accepted"].(bool)
	matched, err := r.store.ApplyAcceptanceDecision(ctx, convID, changeKey(ev), accepted, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("apply acceptance decision: %w", err)
	}
	if !matched {
		r.logger.Warn().Str("event_id", ev.EventID).Str("change_key", changeKey(ev)).Msg("acceptance decision had no matching pending code change")
	}
	return nil
}

// changeKey derives the matching key between a code_change and the
// acceptance_decision that later resolves it: the file path plus
// workspace, since Cursor and Claude Code both identify an edit by the
// file it touched within one workspace (spec §4.8's matching rule).
func changeKey(ev *envelope.Event) string {
	if v, ok := ev.Payload["change_key"].(string); ok && v != "" {
		return v
	}
	filePath, _ := ev.Payload["file_path"].(string)
	return ev.WorkspaceHash() + ":" + filePath
}

func fileExtension(ev *envelope.Event) string {
	filePath, _ := ev.Payload["file_path"].(string)
	for i := len(filePath) - 1; i >= 0; i-- {
		if filePath[i] == '.' {
			return filePath[i+1:]
		}
		if filePath[i] == '/' {
			break
		}
	}
	return ""
}

func contentHash(ev *envelope.Event) string {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		data = []byte(ev.EventID)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func workspacePath(ev *envelope.Event) string {
	if v, ok := ev.Metadata["workspace_path"].(string); ok {
		return v
	}
	return ""
}

func workspaceName(ev *envelope.Event) string {
	if v, ok := ev.Metadata["workspace_name"].(string); ok {
		return v
	}
	return ""
}

func numeric(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
