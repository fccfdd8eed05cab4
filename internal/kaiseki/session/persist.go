package session

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

// StatePath returns the state file for a session key inside dir. Keys are
// opaque strings supplied by callers, so they are path-escaped before being
// used as a file name.
func StatePath(dir, key string) string {
	return filepath.Join(dir, url.PathEscape(key)+".json")
}

// writeState persists st to the session's state file atomically: the
// document is written to a temp file in the same directory and renamed over
// the target, so a crash mid-write never leaves a torn snapshot.
func writeState(dir, key string, st PersistedState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	target := StatePath(dir, key)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write session state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename session state: %w", err)
	}
	return nil
}

// ReadState loads the persisted snapshot for a session key. Returns
// ErrNotFound when no snapshot exists.
func ReadState(dir, key string) (PersistedState, error) {
	data, err := os.ReadFile(StatePath(dir, key))
	if err != nil {
		if os.IsNotExist(err) {
			return PersistedState{}, fmt.Errorf("session %q state: %w", key, ErrNotFound)
		}
		return PersistedState{}, fmt.Errorf("read session state: %w", err)
	}
	var st PersistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return PersistedState{}, fmt.Errorf("decode session state: %w", err)
	}
	return st, nil
}
