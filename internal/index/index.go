// Package index is a thin facade over the local mail-index library
// (notmuch): current revision, enumeration of messages past a watermark,
// tag reads/writes, and per-file add/remove. Apart from Wrap and WrapRW,
// which hand a raw *notmuch.DB to a callback, its methods keep notmuch
// types out of their signatures.
package index

import (
	"errors"
	"fmt"
	"strings"

	notmuch "github.com/zenhack/go.notmuch"
)

// DB wraps a notmuch database, following the same read/write split as
// the teacher's nm.DB: a long-lived read-only handle is cheap to reopen
// per call, a read-write handle is exclusive and short-lived.
type DB struct {
	path string
}

// Record describes one message as seen by the local index.
type Record struct {
	Filename string
	Tags     []string
}

var (
	// ErrNotFound is returned when a message cannot be located by id or filename.
	ErrNotFound = errors.New("index: message not found")
)

// Error wraps a failure to open, upgrade, or otherwise reach the local
// index. It is a distinct failure class from a transport or config
// problem (the mail is on disk, but the index that catalogs it could not
// be reached); the CLI maps it to the generic exit code 1.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("index: %s: %s", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Open opens (creating and/or upgrading as necessary) the notmuch
// database at path.
func Open(path string) (*DB, error) {
	db := &DB{path: path}
	if err := db.createOrUpgrade(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) createOrUpgrade() error {
	nmdb, err := notmuch.Open(db.path, notmuch.DBReadWrite)
	if err != nil && errors.Is(err, notmuch.ErrFileError) {
		nmdb, err = notmuch.Create(db.path)
	}
	if err != nil {
		return &Error{Op: fmt.Sprintf("open %q", db.path), Err: err}
	}
	defer nmdb.Close()

	if nmdb.NeedsUpgrade() {
		if err := nmdb.Upgrade(); err != nil {
			return &Error{Op: fmt.Sprintf("upgrade %q", db.path), Err: err}
		}
	}
	return nil
}

// Wrap opens a read-only connection and runs fn with it.
func (db *DB) Wrap(fn func(*notmuch.DB) error) error {
	return db.wrap(notmuch.DBReadOnly, fn)
}

// WrapRW opens a read-write connection and runs fn with it. A read-write
// connection is exclusive; callers must not hold one across a blocking
// operation that could itself want the index (e.g. a network call).
func (db *DB) WrapRW(fn func(*notmuch.DB) error) error {
	return db.wrap(notmuch.DBReadWrite, fn)
}

func (db *DB) wrap(mode notmuch.DBMode, fn func(*notmuch.DB) error) error {
	nmdb, err := notmuch.Open(db.path, mode)
	if err != nil {
		return fmt.Errorf("index: open %q: %w", db.path, err)
	}
	defer nmdb.Close()
	return fn(nmdb)
}

// Revision returns the database's current global revision counter. The
// revision only ever increases; it is compared against the persisted
// watermark to classify messages as locally-modified.
func (db *DB) Revision() (uint64, error) {
	var rev uint64
	err := db.Wrap(func(nmdb *notmuch.DB) error {
		r, _ := nmdb.Revision()
		rev = r
		return nil
	})
	return rev, err
}

// MessagesSince returns every message whose index revision exceeds
// watermark, i.e. every message the index considers to have been
// modified locally since the previous sync.
func (db *DB) MessagesSince(watermark uint64) ([]Record, error) {
	var records []Record
	err := db.Wrap(func(nmdb *notmuch.DB) error {
		q := nmdb.NewQuery(fmt.Sprintf("lastmod:%d..", watermark+1))
		defer q.Close()

		msgs, err := q.Messages()
		if err != nil {
			return fmt.Errorf("index: query lastmod: %w", err)
		}
		defer msgs.Close()

		msg := &notmuch.Message{}
		for msgs.Next(&msg) {
			rec, err := recordFromMessage(msg)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

// TagsByFilename returns the tag set of the message stored at filename.
func (db *DB) TagsByFilename(filename string) ([]string, error) {
	var tags []string
	err := db.Wrap(func(nmdb *notmuch.DB) error {
		msg, err := nmdb.FindMessageByFilename(filename)
		if err != nil {
			if errors.Is(err, notmuch.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		defer msg.Close()
		tags, err = tagsOf(msg)
		return err
	})
	return tags, err
}

// SetTags overwrites the tag set of the message stored at filename,
// adding and removing only what differs from its current tags.
func (db *DB) SetTags(filename string, wanted []string) error {
	return db.WrapRW(func(nmdb *notmuch.DB) error {
		msg, err := nmdb.FindMessageByFilename(filename)
		if err != nil {
			return err
		}
		defer msg.Close()

		current, err := tagsOf(msg)
		if err != nil {
			return err
		}
		currentSet := toSet(current)
		wantedSet := toSet(wanted)

		for tag := range wantedSet {
			if !currentSet[tag] {
				if err := msg.AddTag(tag); err != nil {
					return fmt.Errorf("index: add tag %q: %w", tag, err)
				}
			}
		}
		for tag := range currentSet {
			if !wantedSet[tag] {
				if err := msg.RemoveTag(tag); err != nil {
					return fmt.Errorf("index: remove tag %q: %w", tag, err)
				}
			}
		}
		return nil
	})
}

// AddFile adds filename to the index, returning the assigned message id.
// A duplicate message id (the content was already indexed under another
// filename) is not an error; the existing id is returned.
func (db *DB) AddFile(filename string, tags []string) (string, error) {
	var id string
	err := db.WrapRW(func(nmdb *notmuch.DB) error {
		msg, err := nmdb.AddMessage(filename)
		if err != nil {
			if errors.Is(err, notmuch.ErrDuplicateMessageID) && msg != nil {
				id = msg.ID()
				return nil
			}
			return fmt.Errorf("index: add file %q: %w", filename, err)
		}
		defer msg.Close()
		id = msg.ID()
		for _, tag := range tags {
			if err := msg.AddTag(tag); err != nil {
				return fmt.Errorf("index: add tag %q: %w", tag, err)
			}
		}
		return nil
	})
	return id, err
}

// RemoveFile removes filename from the index.
func (db *DB) RemoveFile(filename string) error {
	return db.WrapRW(func(nmdb *notmuch.DB) error {
		if err := nmdb.RemoveMessage(filename); err != nil {
			if errors.Is(err, notmuch.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("index: remove file %q: %w", filename, err)
		}
		return nil
	})
}

// HasFilename reports whether filename is known to the index.
func (db *DB) HasFilename(filename string) (bool, error) {
	found := false
	err := db.Wrap(func(nmdb *notmuch.DB) error {
		msg, err := nmdb.FindMessageByFilename(filename)
		if err != nil {
			if errors.Is(err, notmuch.ErrNotFound) {
				return nil
			}
			return err
		}
		defer msg.Close()
		found = true
		return nil
	})
	return found, err
}

func recordFromMessage(msg *notmuch.Message) (Record, error) {
	tags, err := tagsOf(msg)
	if err != nil {
		return Record{}, err
	}
	return Record{Filename: msg.Filename(), Tags: tags}, nil
}

func tagsOf(msg *notmuch.Message) ([]string, error) {
	var out []string
	tags := msg.Tags()
	tag := &notmuch.Tag{}
	for tags.Next(&tag) {
		out = append(out, tag.Value)
	}
	if err := tags.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func toSet(tags []string) map[string]bool {
	m := make(map[string]bool, len(tags))
	for _, t := range tags {
		m[strings.TrimSpace(t)] = true
	}
	return m
}
