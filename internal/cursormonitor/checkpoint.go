package cursormonitor

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// checkpoint tracks, per Cursor ItemTable key, the newest element
// timestamp (in epoch milliseconds) the monitor has already emitted —
// "{workspace: last_seen_timestamp}" per spec §6, generalized to one
// entry per polled key rather than per workspace since this monitor
// watches a single configured database.
type checkpoint map[string]int64

// loadCheckpoint reads path, returning an empty checkpoint if the file
// does not yet exist (first run).
func loadCheckpoint(path string) (checkpoint, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return checkpoint{}, nil
	}
	if err != nil {
		return nil, err
	}
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	if cp == nil {
		cp = checkpoint{}
	}
	return cp, nil
}

// save persists cp to path atomically (write to a temp file in the same
// directory, then rename) so a crash mid-write never leaves a truncated
// checkpoint that would replay already-emitted elements.
func (cp checkpoint) save(path string) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
