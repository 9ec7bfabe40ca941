// Package syncengine drives the sync state machine:
// LOCKED → PULL → MERGE → PUSH → APPLY → COMMIT, plus the dry-run and
// push-only variants. It is the only package that calls jmapclient,
// store, and index together; each of those stays ignorant of the
// others.
package syncengine

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"

	"github.com/yzzyx/nm-jmap-sync/internal/config"
	"github.com/yzzyx/nm-jmap-sync/internal/index"
	"github.com/yzzyx/nm-jmap-sync/internal/jmapclient"
	"github.com/yzzyx/nm-jmap-sync/internal/model"
	"github.com/yzzyx/nm-jmap-sync/internal/statestore"
	"github.com/yzzyx/nm-jmap-sync/internal/store"
	"github.com/yzzyx/nm-jmap-sync/internal/tagmap"
)

// Client is the subset of *jmapclient.Client the engine depends on,
// narrowed to an interface so tests can supply a fake.
type Client interface {
	Changes(ctx context.Context, since string) (jmapclient.Changes, error)
	QueryAll(ctx context.Context) ([]model.MessageID, error)
	Get(ctx context.Context, ids []model.MessageID) (jmapclient.GetResult, error)
	Mailboxes(ctx context.Context) ([]model.Mailbox, error)
	DownloadAll(ctx context.Context, tasks []jmapclient.DownloadTask, sink jmapclient.BlobSink) error
	SetEmail(ctx context.Context, updates map[model.MessageID]jmapclient.EmailPatch) (map[model.MessageID]error, error)
	CreateMailbox(ctx context.Context, name string, parent model.MailboxID) (model.MailboxID, error)
}

// Index is the subset of *index.DB the engine depends on.
type Index interface {
	Revision() (uint64, error)
	MessagesSince(watermark uint64) ([]index.Record, error)
	TagsByFilename(filename string) ([]string, error)
	SetTags(filename string, wanted []string) error
	AddFile(filename string, tags []string) (string, error)
	RemoveFile(filename string) error
}

// Engine bundles the four collaborators and the config needed to run
// the sync state machine once.
type Engine struct {
	Config *config.Config
	Client Client
	Store  *store.Store
	Index  Index
	Logger *log.Logger

	mapper *tagmap.Mapper
}

// Result summarizes one run, used for both logging and tests (e.g. to
// assert a dry run makes zero Email/set calls).
type Result struct {
	Created, Updated, Destroyed int
	EmailSetCalls                int
	RejectedMessages             map[model.MessageID]error
	JMAPState                    string
	NotmuchRevision              uint64
}

// New constructs an Engine.
func New(cfg *config.Config, client Client, idx Index, st *store.Store, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{Config: cfg, Client: client, Store: st, Index: idx, Logger: logger}
}

// Run executes LOCKED → PULL → MERGE → PUSH → APPLY → COMMIT, or stops
// before PUSH when dryRun is set.
func (e *Engine) Run(ctx context.Context, dryRun bool) (*Result, error) {
	lock, err := statestore.Acquire(e.Config.LockFilePath())
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			e.Logger.Printf("syncengine: release lock: %s", err)
		}
	}()

	if err := e.Store.CleanPartials(); err != nil {
		e.Logger.Printf("syncengine: clean stray partial downloads: %s", err)
	}

	persisted, err := statestore.Load(e.Config.StateFilePath())
	if err != nil {
		return nil, err
	}

	modified, err := e.locallyModifiedRecords(persisted)
	if err != nil {
		return nil, err
	}
	extraIDs := make([]model.MessageID, 0, len(modified))
	for id := range modified {
		extraIDs = append(extraIDs, id)
	}

	pulled, err := e.pull(ctx, persisted, extraIDs)
	if err != nil {
		return nil, err
	}

	mailboxes, err := e.Client.Mailboxes(ctx)
	if err != nil {
		return nil, fmt.Errorf("syncengine: fetch mailboxes: %w", err)
	}
	e.mapper = tagmap.New(e.Config.Tags, mailboxes)

	p, err := e.merge(pulled, modified)
	if err != nil {
		return nil, err
	}

	result := &Result{JMAPState: pulled.firstState}

	if dryRun {
		e.logPlan(p)
		return result, nil
	}

	pushed, rejected, err := e.push(ctx, p)
	if err != nil {
		return nil, err
	}
	if pushed > 0 {
		result.EmailSetCalls = 1
	}
	result.RejectedMessages = rejected

	if err := e.apply(p, pulled.destroyed, rejected); err != nil {
		return nil, err
	}
	result.Created = p.created
	result.Updated = p.updated
	result.Destroyed = p.destroyedCount

	rev, err := e.Index.Revision()
	if err != nil {
		return nil, fmt.Errorf("syncengine: read post-apply revision: %w", err)
	}
	result.NotmuchRevision = rev

	firstState := pulled.firstState
	if err := statestore.Save(e.Config.StateFilePath(), &model.PersistedState{
		JMAPState:       &firstState,
		NotmuchRevision: &rev,
	}); err != nil {
		return nil, err
	}

	return result, nil
}

// RunPushOnly never calls Email/changes or Email/get, and therefore
// has no server-observed baseline to diff
// against. Mailbox/keyword removals are never emitted in this mode —
// only additions for what the local tag set asks for — since there is
// no "current" snapshot to safely diff a removal against (see
// DESIGN.md's push-only entry).
func (e *Engine) RunPushOnly(ctx context.Context) (*Result, error) {
	lock, err := statestore.Acquire(e.Config.LockFilePath())
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			e.Logger.Printf("syncengine: release lock: %s", err)
		}
	}()

	persisted, err := statestore.Load(e.Config.StateFilePath())
	if err != nil {
		return nil, err
	}

	mailboxes, err := e.Client.Mailboxes(ctx)
	if err != nil {
		return nil, fmt.Errorf("syncengine: fetch mailboxes: %w", err)
	}
	e.mapper = tagmap.New(e.Config.Tags, mailboxes)

	records, err := e.locallyModifiedRecords(persisted)
	if err != nil {
		return nil, err
	}

	updates := make(map[model.MessageID]jmapclient.EmailPatch, len(records))
	var bar *progressbar.ProgressBar
	if len(records) > 0 {
		bar = newProgressBar(len(records), "pushing")
	}
	for id, rec := range records {
		if bar != nil {
			_ = bar.Add(1)
		}
		flags := flagsFromFilename(rec.Filename)
		localTags := append(filterNonAutomatic(rec.Tags), tagmap.TagsFromFlags(flags)...)
		e.ensureAutoCreatedMailboxes(ctx, localTags)
		delta := e.mapper.LocalToRemote(localTags, model.RemoteSnapshot{})
		if delta.IsEmpty() {
			continue
		}
		// There is no fetched snapshot to use as a whole-object baseline
		// here (push-only mode never calls Email/get), so the
		// whole-object fallback can only assert what the local tags add,
		// consistent with this mode never emitting removes either.
		updates[id] = newEmailPatch(model.RemoteSnapshot{}, delta)
	}

	result := &Result{JMAPState: valueOrEmpty(persisted.JMAPState)}
	if len(updates) == 0 {
		return result, nil
	}

	rejected, err := e.Client.SetEmail(ctx, updates)
	if err != nil {
		return nil, fmt.Errorf("syncengine: push-only: %w", err)
	}
	result.Updated = len(updates)
	result.EmailSetCalls = 1
	result.RejectedMessages = rejected
	return result, nil
}

func (e *Engine) ensureAutoCreatedMailboxes(ctx context.Context, localTags []string) {
	for _, tag := range localTags {
		if tagmap.IsAutomatic(tag) {
			continue
		}
		if tag == e.Config.Tags.Spam || tag == e.Config.Tags.Important || tag == e.Config.Tags.Phishing {
			continue
		}
		if _, ok := e.mapper.MailboxForTag(tag); ok {
			continue
		}
		if !e.Config.AutoCreateMailboxes {
			continue
		}
		if _, err := e.ensureMailboxForTag(ctx, tag); err != nil {
			e.Logger.Printf("syncengine: auto-create mailbox for tag %q: %s", tag, err)
		}
	}
}

// ensureMailboxForTag creates the mailbox chain implied by a tree-path
// tag name, binding each created mailbox into the mapper so later
// lookups (and LocalToRemote's tagOf scan) see it without a re-fetch.
func (e *Engine) ensureMailboxForTag(ctx context.Context, tag string) (model.MailboxID, error) {
	if id, ok := e.mapper.MailboxForTag(tag); ok {
		return id, nil
	}
	sep := e.Config.Tags.Separator()
	parts := strings.Split(tag, sep)

	var parentID model.MailboxID
	var built string
	for i, part := range parts {
		if i == 0 {
			built = part
		} else {
			built = built + sep + part
		}
		if id, ok := e.mapper.MailboxForTag(built); ok {
			parentID = id
			continue
		}
		newID, err := e.Client.CreateMailbox(ctx, part, parentID)
		if err != nil {
			return "", fmt.Errorf("create mailbox %q: %w", built, err)
		}
		e.mapper.Bind(newID, built)
		parentID = newID
	}
	return parentID, nil
}

func (e *Engine) logPlan(p *plan) {
	e.Logger.Printf("dry-run: %d new, %d unmodified-refresh, %d locally-modified, %d destroyed",
		p.created, p.updated, p.locallyModified, p.destroyedCount)
}

func newProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(log.Writer()),
		progressbar.OptionClearOnFinish(),
	)
}

func idFromFilename(filename string) (model.MessageID, bool) {
	id, _, _, ok := model.ParseFilename(filepath.Base(filename))
	return id, ok
}

func flagsFromFilename(filename string) string {
	_, _, flags, _ := model.ParseFilename(filepath.Base(filename))
	return flags
}

func filterNonAutomatic(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if !tagmap.IsAutomatic(t) {
			out = append(out, t)
		}
	}
	return out
}

func valueOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// newEmailPatch builds the full jmapclient.EmailPatch for one message:
// the path-style add/remove deltas for the ordinary case, plus the
// complete desired keyword/mailbox sets (baseline snapshot with the
// same delta applied) for when the server has forced whole-object
// compatibility mode. Without the latter, a mid-run switch to
// whole-object mode would replace the message's keywords/mailboxes with
// only the Add sets, wiping everything else server-side.
func newEmailPatch(snapshot model.RemoteSnapshot, delta tagmap.Delta) jmapclient.EmailPatch {
	keywords := make(map[model.Keyword]bool, len(snapshot.Keywords))
	for kw, v := range snapshot.Keywords {
		if v {
			keywords[kw] = true
		}
	}
	for _, kw := range delta.RemoveKeywords {
		delete(keywords, kw)
	}
	for _, kw := range delta.AddKeywords {
		keywords[kw] = true
	}

	mailboxes := make(map[model.MailboxID]bool, len(snapshot.Mailboxes))
	for mb, v := range snapshot.Mailboxes {
		if v {
			mailboxes[mb] = true
		}
	}
	for _, mb := range delta.RemoveMailboxes {
		delete(mailboxes, mb)
	}
	for _, mb := range delta.AddMailboxes {
		mailboxes[mb] = true
	}

	return jmapclient.EmailPatch{
		AddKeywords:     delta.AddKeywords,
		RemoveKeywords:  delta.RemoveKeywords,
		AddMailboxes:    delta.AddMailboxes,
		RemoveMailboxes: delta.RemoveMailboxes,
		Keywords:        keywords,
		Mailboxes:       mailboxes,
	}
}
