package statestore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/yzzyx/nm-jmap-sync/internal/model"
)

func TestLoadMissingFileIsZeroValue(t *testing.T) {
	st, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("missing state file should not be an error: %s", err)
	}
	if st.JMAPState != nil || st.NotmuchRevision != nil {
		t.Fatalf("expected zero-value state, got %+v", st)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	state := "abc123"
	rev := uint64(42)
	if err := Save(path, &model.PersistedState{JMAPState: &state, NotmuchRevision: &rev}); err != nil {
		t.Fatalf("Save: %s", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %s", err)
	}
	if got.JMAPState == nil || *got.JMAPState != state {
		t.Fatalf("jmap_state mismatch: %+v", got)
	}
	if got.NotmuchRevision == nil || *got.NotmuchRevision != rev {
		t.Fatalf("notmuch_revision mismatch: %+v", got)
	}
}

func TestSaveLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := Save(path, &model.PersistedState{}); err != nil {
		t.Fatalf("Save: %s", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %s", err)
	}
	if len(entries) != 1 || entries[0].Name() != "state.json" {
		t.Fatalf("expected only the final state file, got %v", entries)
	}
}

func TestLockContention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mujmap.lock")

	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %s", err)
	}

	_, err = Acquire(path)
	var lockErr *LockHeldError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockHeldError while held, got %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %s", err)
	}

	lock2, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire after release should succeed: %s", err)
	}
	_ = lock2.Release()
}

func TestReleaseToleratesAlreadyRemovedLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mujmap.lock")
	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %s", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("pre-remove: %s", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release should tolerate a lock file removed out from under it: %s", err)
	}
}
