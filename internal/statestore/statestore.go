// Package statestore persists the `{ jmap_state, notmuch_revision }`
// watermark tuple between runs and guards a maildir against concurrent
// sync processes.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/yzzyx/nm-jmap-sync/internal/model"
)

// Load reads the persisted state file. A missing file is not an error:
// it returns a zero-value PersistedState, which forces full rediscovery.
func Load(path string) (*model.PersistedState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &model.PersistedState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("statestore: read %q: %w", path, err)
	}
	var st model.PersistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("statestore: parse %q: %w", path, err)
	}
	return &st, nil
}

// Save writes the persisted state file atomically: write to a temp file
// in the same directory, then rename over the target. This is the COMMIT
// step of the sync state machine and must only be called once every
// other step has succeeded.
func Save(path string, st *model.PersistedState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: marshal state: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".mujmap.state.*.tmp")
	if err != nil {
		return fmt.Errorf("statestore: create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("statestore: write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("statestore: sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("statestore: close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("statestore: rename into place: %w", err)
	}
	return nil
}

// LockHeldError is returned by Lock when another process already holds
// the maildir's lock. It maps to CLI exit code 3.
type LockHeldError struct {
	Path string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("statestore: lock file %q already held by another process", e.Path)
}

// Lock is an exclusively-created lock file for the LOCKED step. It is
// never auto-reaped: a stale lock left by a killed process must be
// removed by hand, since crash-only lock recovery is out of scope.
type Lock struct {
	path string
	file *os.File
}

// Acquire creates path exclusively, failing with *LockHeldError if it
// already exists.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, &LockHeldError{Path: path}
		}
		return nil, fmt.Errorf("statestore: create lock file %q: %w", path, err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return &Lock{path: path, file: f}, nil
}

// Release closes and removes the lock file (the DONE step).
func (l *Lock) Release() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("statestore: close lock file: %w", err)
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("statestore: remove lock file: %w", err)
	}
	return nil
}
