// Package store owns the cache directory and the maildir: atomic publish
// of a downloaded blob into the maildir, and name-based lookup across
// both.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/yzzyx/nm-jmap-sync/internal/model"
)

// Store owns a cache directory (partially-processed downloads) and a
// maildir (cur/new/tmp at its root, per classic single-maildir layout;
// mailbox membership is represented only via tags, never via directory
// location, so there is exactly one maildir per account).
type Store struct {
	CacheDir string
	MailDir  string
}

// CrossDeviceError is returned when promoting a cache file into the
// maildir would require a cross-filesystem copy. Running the cache and
// maildir on different filesystems is unsupported, so this is fatal.
type CrossDeviceError struct {
	From, To string
}

func (e *CrossDeviceError) Error() string {
	return fmt.Sprintf("store: cache %q and maildir %q are on different filesystems; atomic rename requires the same filesystem", e.From, e.To)
}

// New ensures the cache and maildir directory structure exists.
func New(cacheDir, mailDir string) (*Store, error) {
	for _, dir := range []string{cacheDir, filepath.Join(mailDir, "tmp"), filepath.Join(mailDir, "cur"), filepath.Join(mailDir, "new")} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("store: create %q: %w", dir, err)
		}
	}
	return &Store{CacheDir: cacheDir, MailDir: mailDir}, nil
}

func (s *Store) partPath(id model.MessageID, blob model.BlobID) string {
	return filepath.Join(s.CacheDir, model.PartFilename(id, blob))
}

func (s *Store) cachePath(id model.MessageID, blob model.BlobID) string {
	return filepath.Join(s.CacheDir, model.CacheFilename(id, blob))
}

// OpenPart creates the temporary ".part" file a download writes into,
// implementing jmapclient.BlobSink.
func (s *Store) OpenPart(id model.MessageID, blob model.BlobID) (io.WriteCloser, error) {
	return os.Create(s.partPath(id, blob))
}

// CommitPart renames a completed ".part" download into the cache under
// its final name, implementing jmapclient.BlobSink.
func (s *Store) CommitPart(id model.MessageID, blob model.BlobID) error {
	return os.Rename(s.partPath(id, blob), s.cachePath(id, blob))
}

// AbortPart removes a partially-written download, implementing
// jmapclient.BlobSink.
func (s *Store) AbortPart(id model.MessageID, blob model.BlobID) error {
	err := os.Remove(s.partPath(id, blob))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// CleanPartials removes any stray ".part" files left behind by a killed
// process.
func (s *Store) CleanPartials() error {
	entries, err := os.ReadDir(s.CacheDir)
	if err != nil {
		return fmt.Errorf("store: list cache dir: %w", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".part") {
			if err := os.Remove(filepath.Join(s.CacheDir, e.Name())); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("store: remove stray partial %q: %w", e.Name(), err)
			}
		}
	}
	return nil
}

// HasBlob reports whether (id, blob) is already present in the maildir
// or the cache, checking the maildir first.
func (s *Store) HasBlob(id model.MessageID, blob model.BlobID) (bool, error) {
	if found, _, err := s.FindInMaildir(id); err != nil {
		return false, err
	} else if found != "" {
		_, existingBlob, _, ok := model.ParseFilename(filepath.Base(found))
		if ok && existingBlob == blob {
			return true, nil
		}
	}
	if _, err := os.Stat(s.cachePath(id, blob)); err == nil {
		return true, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}
	return false, nil
}

// FindInMaildir looks up a message by id in the maildir's cur directory,
// returning its full path and flag suffix if present.
func (s *Store) FindInMaildir(id model.MessageID) (path string, flags string, err error) {
	curDir := filepath.Join(s.MailDir, "cur")
	entries, err := os.ReadDir(curDir)
	if err != nil {
		return "", "", fmt.Errorf("store: list maildir cur: %w", err)
	}
	for _, e := range entries {
		gotID, _, gotFlags, ok := model.ParseFilename(e.Name())
		if !ok || gotID != id {
			continue
		}
		return filepath.Join(curDir, e.Name()), gotFlags, nil
	}
	return "", "", nil
}

// NormalizeLineEndings rewrites a cached blob's CRLF line endings to LF
// in place. Applied only at ingest of a new message when configured.
func (s *Store) NormalizeLineEndings(id model.MessageID, blob model.BlobID) error {
	path := s.cachePath(id, blob)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("store: read cached blob %q: %w", path, err)
	}
	converted := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	if len(converted) == len(data) {
		return nil
	}
	if err := os.WriteFile(path, converted, 0600); err != nil {
		return fmt.Errorf("store: write normalized blob %q: %w", path, err)
	}
	return nil
}

// Promote atomically moves a cached blob into the maildir under its
// final filename, appending the maildir flag suffix. It is a no-op if
// the message is already present in the maildir.
func (s *Store) Promote(id model.MessageID, blob model.BlobID, flags string) (string, error) {
	if existing, _, err := s.FindInMaildir(id); err != nil {
		return "", err
	} else if existing != "" {
		return existing, nil
	}

	src := s.cachePath(id, blob)
	dst := filepath.Join(s.MailDir, "cur", model.Filename(id, blob, flags))

	if err := os.Rename(src, dst); err != nil {
		var linkErr *os.LinkError
		if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
			return "", &CrossDeviceError{From: src, To: dst}
		}
		return "", fmt.Errorf("store: promote %q: %w", src, err)
	}
	return dst, nil
}

// Remove deletes a message's maildir file.
func (s *Store) Remove(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Discard removes any leftover cache entry for (id, blob) that was never
// needed this run.
func (s *Store) Discard(id model.MessageID, blob model.BlobID) error {
	err := os.Remove(s.cachePath(id, blob))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Rename updates a maildir file's flag suffix in place (flags changed,
// identifiers did not).
func (s *Store) Rename(id model.MessageID, blob model.BlobID, oldPath, newFlags string) (string, error) {
	newPath := filepath.Join(s.MailDir, "cur", model.Filename(id, blob, newFlags))
	if oldPath == newPath {
		return oldPath, nil
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return "", fmt.Errorf("store: rename %q: %w", oldPath, err)
	}
	return newPath, nil
}

// ListMaildir enumerates every managed (parseable) file under cur/,
// skipping anything that doesn't match the filename wire format.
func (s *Store) ListMaildir() (map[model.MessageID]string, error) {
	curDir := filepath.Join(s.MailDir, "cur")
	entries, err := os.ReadDir(curDir)
	if err != nil {
		return nil, fmt.Errorf("store: list maildir cur: %w", err)
	}
	out := make(map[model.MessageID]string)
	for _, e := range entries {
		id, _, _, ok := model.ParseFilename(e.Name())
		if !ok {
			continue
		}
		out[id] = filepath.Join(curDir, e.Name())
	}
	return out, nil
}
