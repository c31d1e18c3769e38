package tracestore

// requiredSchemaVersion is the schema_version this build expects. Schema
// migration itself is an external operation (spec §1); Open only verifies
// that an existing database's schema_version row is not older than this.
const requiredSchemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL,
	applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS workspaces (
	workspace_hash TEXT PRIMARY KEY,
	workspace_path TEXT NOT NULL,
	workspace_name TEXT,
	first_seen_at TIMESTAMP NOT NULL,
	last_seen_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS cursor_sessions (
	id TEXT PRIMARY KEY,
	external_session_id TEXT NOT NULL UNIQUE,
	workspace_hash TEXT NOT NULL,
	workspace_path TEXT,
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_cursor_sessions_ended_at ON cursor_sessions(ended_at);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	session_id TEXT REFERENCES cursor_sessions(id),
	external_id TEXT NOT NULL,
	platform TEXT NOT NULL,
	workspace_hash TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP,
	interaction_count INTEGER NOT NULL DEFAULT 0,
	acceptance_rate REAL NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	total_changes INTEGER NOT NULL DEFAULT 0,
	tool_sequence TEXT NOT NULL DEFAULT '[]',
	acceptance_decisions TEXT NOT NULL DEFAULT '[]',
	metadata TEXT,
	context TEXT,
	UNIQUE(external_id, platform)
);
CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id);
CREATE INDEX IF NOT EXISTS idx_conversations_workspace ON conversations(workspace_hash);

CREATE TABLE IF NOT EXISTS conversation_turns (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	turn_number INTEGER NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	turn_type TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	tokens_used INTEGER,
	latency_ms INTEGER,
	tools_called TEXT NOT NULL DEFAULT '[]',
	event_id TEXT NOT NULL,
	out_of_order BOOLEAN NOT NULL DEFAULT 0,
	UNIQUE(conversation_id, turn_number),
	UNIQUE(conversation_id, event_id)
);
CREATE INDEX IF NOT EXISTS idx_turns_conversation ON conversation_turns(conversation_id);

CREATE TABLE IF NOT EXISTS code_changes (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	turn_id TEXT NOT NULL REFERENCES conversation_turns(id),
	timestamp TIMESTAMP NOT NULL,
	file_extension TEXT,
	operation TEXT NOT NULL,
	lines_added INTEGER NOT NULL DEFAULT 0,
	lines_removed INTEGER NOT NULL DEFAULT 0,
	accepted BOOLEAN,
	acceptance_delay_ms INTEGER,
	revision_count INTEGER NOT NULL DEFAULT 0,
	event_id TEXT NOT NULL,
	change_key TEXT NOT NULL,
	UNIQUE(conversation_id, event_id)
);
CREATE INDEX IF NOT EXISTS idx_changes_conversation ON code_changes(conversation_id);
CREATE INDEX IF NOT EXISTS idx_changes_key ON code_changes(change_key);

CREATE TABLE IF NOT EXISTS worker_retry_counters (
	worker_type TEXT NOT NULL,
	cdc_id TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (worker_type, cdc_id)
);

CREATE TABLE IF NOT EXISTS dlq_mirror (
	stream_id TEXT PRIMARY KEY,
	stream TEXT NOT NULL,
	original_event_id TEXT,
	error_type TEXT NOT NULL,
	error_message TEXT,
	queued_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dlq_mirror_queued_at ON dlq_mirror(queued_at);

CREATE TABLE IF NOT EXISTS cdc_backfill_checkpoints (
	platform TEXT PRIMARY KEY,
	last_sequence INTEGER NOT NULL DEFAULT 0
);
`

// rawTraceSchema returns the DDL for the per-platform raw trace table. Both
// platforms share the common scalar columns from spec §3; platform-specific
// correlation keys are added as nullable columns on the same table, which
// keeps batch_insert_traces a single prepared statement shape per platform
// without a third join table.
func rawTraceSchema(table string) string {
	return `
CREATE TABLE IF NOT EXISTS ` + table + ` (
	sequence INTEGER PRIMARY KEY AUTOINCREMENT,
	ingested_at TIMESTAMP NOT NULL,
	event_id TEXT NOT NULL UNIQUE,
	external_session_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	workspace_hash TEXT NOT NULL,
	generation_uuid TEXT,
	composer_id TEXT,
	bubble_id TEXT,
	tool_name TEXT,
	model TEXT,
	duration_ms INTEGER,
	tokens_used INTEGER,
	lines_added INTEGER,
	lines_removed INTEGER,
	event_data BLOB NOT NULL,
	event_date TEXT NOT NULL,
	event_hour INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_` + table + `_session ON ` + table + `(external_session_id);
CREATE INDEX IF NOT EXISTS idx_` + table + `_event_date ON ` + table + `(event_date);
CREATE INDEX IF NOT EXISTS idx_` + table + `_workspace ON ` + table + `(workspace_hash);
`
}

const (
	cursorRawTracesTable = "cursor_raw_traces"
	claudeRawTracesTable = "claude_raw_traces"
)

// tableForPlatform maps a platform string to its raw-trace table name.
func tableForPlatform(platform string) (string, bool) {
	switch platform {
	case "cursor":
		return cursorRawTracesTable, true
	case "claude_code":
		return claudeRawTracesTable, true
	default:
		return "", false
	}
}
