package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/yzzyx/nm-jmap-sync/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "cache"), filepath.Join(dir, "mail"))
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	return s
}

func TestPromoteMovesFromCacheToMaildir(t *testing.T) {
	s := newTestStore(t)
	id, blob := model.MessageID("m1"), model.BlobID("b1")

	if err := os.WriteFile(s.cachePath(id, blob), []byte("hello"), 0600); err != nil {
		t.Fatalf("seed cache: %s", err)
	}

	path, err := s.Promote(id, blob, "S")
	if err != nil {
		t.Fatalf("Promote: %s", err)
	}
	if filepath.Base(path) != "m1.b1:2,S" {
		t.Fatalf("unexpected promoted filename: %s", path)
	}
	if _, err := os.Stat(s.cachePath(id, blob)); !os.IsNotExist(err) {
		t.Fatalf("cache file should be gone after promote")
	}
}

func TestPromoteIsIdempotentWhenAlreadyInMaildir(t *testing.T) {
	s := newTestStore(t)
	id, blob := model.MessageID("m1"), model.BlobID("b1")

	existing := filepath.Join(s.MailDir, "cur", model.Filename(id, blob, "S"))
	if err := os.WriteFile(existing, []byte("hello"), 0600); err != nil {
		t.Fatalf("seed maildir: %s", err)
	}

	path, err := s.Promote(id, blob, "S")
	if err != nil {
		t.Fatalf("Promote: %s", err)
	}
	if path != existing {
		t.Fatalf("expected the existing path back, got %s", path)
	}
}

func TestRenameUpdatesFlagsOnly(t *testing.T) {
	s := newTestStore(t)
	id, blob := model.MessageID("m1"), model.BlobID("b1")
	old := filepath.Join(s.MailDir, "cur", model.Filename(id, blob, "S"))
	if err := os.WriteFile(old, []byte("hello"), 0600); err != nil {
		t.Fatalf("seed: %s", err)
	}

	newPath, err := s.Rename(id, blob, old, "FS")
	if err != nil {
		t.Fatalf("Rename: %s", err)
	}
	if filepath.Base(newPath) != "m1.b1:2,FS" {
		t.Fatalf("unexpected renamed filename: %s", newPath)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("old file should be gone")
	}
}

func TestListMaildirSkipsUnmanagedFiles(t *testing.T) {
	s := newTestStore(t)
	curDir := filepath.Join(s.MailDir, "cur")
	if err := os.WriteFile(filepath.Join(curDir, "m1.b1:2,S"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(curDir, ".DS_Store"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	out, err := s.ListMaildir()
	if err != nil {
		t.Fatalf("ListMaildir: %s", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected exactly 1 managed file, got %v", out)
	}
	if _, ok := out["m1"]; !ok {
		t.Fatalf("expected message id m1 in result")
	}
}

func TestNormalizeLineEndingsConvertsCRLFToLF(t *testing.T) {
	s := newTestStore(t)
	id, blob := model.MessageID("m1"), model.BlobID("b1")
	path := s.cachePath(id, blob)
	if err := os.WriteFile(path, []byte("a\r\nb\r\nc"), 0600); err != nil {
		t.Fatal(err)
	}

	if err := s.NormalizeLineEndings(id, blob); err != nil {
		t.Fatalf("NormalizeLineEndings: %s", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "a\nb\nc" {
		t.Fatalf("expected LF-only content, got %q", got)
	}
}

func TestNormalizeLineEndingsIsNoOpWithoutCRLF(t *testing.T) {
	s := newTestStore(t)
	id, blob := model.MessageID("m1"), model.BlobID("b1")
	path := s.cachePath(id, blob)
	if err := os.WriteFile(path, []byte("a\nb\nc"), 0600); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	mtime := info.ModTime()

	if err := s.NormalizeLineEndings(id, blob); err != nil {
		t.Fatalf("NormalizeLineEndings: %s", err)
	}
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info2.ModTime() != mtime {
		t.Fatalf("file should not be rewritten when there is no CRLF to convert")
	}
}

func TestHasBlobFindsCachedBlob(t *testing.T) {
	s := newTestStore(t)
	id, blob := model.MessageID("m1"), model.BlobID("b1")

	has, err := s.HasBlob(id, blob)
	if err != nil {
		t.Fatalf("HasBlob: %s", err)
	}
	if has {
		t.Fatalf("expected false when blob is nowhere")
	}

	if err := os.WriteFile(s.cachePath(id, blob), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	has, err = s.HasBlob(id, blob)
	if err != nil || !has {
		t.Fatalf("expected true once cached, got has=%v err=%v", has, err)
	}
}
