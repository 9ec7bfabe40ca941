package syncengine

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/yzzyx/nm-jmap-sync/internal/config"
	"github.com/yzzyx/nm-jmap-sync/internal/jmapclient"
	"github.com/yzzyx/nm-jmap-sync/internal/model"
	"github.com/yzzyx/nm-jmap-sync/internal/store"
)

func testSetup(t *testing.T) (*config.Config, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		CacheDir: filepath.Join(dir, "cache"),
		MailDir:  filepath.Join(dir, "mail"),
		StateDir: dir,
		Tags: config.TagConfig{
			Inbox: "inbox", Sent: "sent", Deleted: "trash",
			Archive: "archive", Drafts: "drafts",
			Spam: "spam", Important: "important", Phishing: "phishing",
		},
	}
	st, err := store.New(cfg.CacheDir, cfg.MailDir)
	if err != nil {
		t.Fatalf("store.New: %s", err)
	}
	return cfg, st
}

func newTestEngine(cfg *config.Config, client Client, idx Index, st *store.Store) *Engine {
	return New(cfg, client, idx, st, log.New(os.Stderr, "", 0))
}

// Scenario: cold start — no persisted state, one message on the server,
// nothing local. Expect a full query, one download, one new message.
func TestScenarioColdStart(t *testing.T) {
	cfg, st := testSetup(t)
	idx := newFakeIndex()
	client := &fakeClient{
		snapshots: map[model.MessageID]model.RemoteSnapshot{
			"msg1": {BlobID: "b1", Mailboxes: map[model.MailboxID]bool{}, Keywords: map[model.Keyword]bool{model.KeywordSeen: true}},
		},
	}

	eng := newTestEngine(cfg, client, idx, st)
	result, err := eng.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %s", err)
	}
	if result.Created != 1 {
		t.Fatalf("expected 1 created message, got %+v", result)
	}
	if len(idx.added) != 1 {
		t.Fatalf("expected the new message to be indexed, got %v", idx.added)
	}
	if len(client.setCalls) != 0 {
		t.Fatalf("a cold start with no local state must never call Email/set, got %v", client.setCalls)
	}
}

// Scenario: remote-only change — the message already exists locally and
// unmodified since the watermark, but its remote tags changed (here it
// lost $Seen, i.e. became unread). Expect APPLY to overwrite local tags,
// never PUSH.
func TestScenarioRemoteOnlyChange(t *testing.T) {
	cfg, st := testSetup(t)
	idx := newFakeIndex()

	// Seed an existing, unmodified maildir message.
	id, blob := model.MessageID("msg1"), model.BlobID("b1")
	path := filepath.Join(st.MailDir, "cur", model.Filename(id, blob, "S"))
	if err := os.WriteFile(path, []byte("body"), 0600); err != nil {
		t.Fatal(err)
	}
	idx.records[id] = indexRecord(path, nil)

	state := "state-0"
	rev := uint64(5)
	writeState(t, cfg, state, rev)
	idx.revision = rev // nothing modified since watermark

	client := &fakeClient{
		snapshots: map[model.MessageID]model.RemoteSnapshot{
			id: {BlobID: blob, Mailboxes: map[model.MailboxID]bool{}, Keywords: map[model.Keyword]bool{}}, // now unseen/unread
		},
		changes: &jmapclient.Changes{Updated: []model.MessageID{id}, NewState: "state-1"},
	}

	eng := newTestEngine(cfg, client, idx, st)
	result, err := eng.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %s", err)
	}
	if result.Updated != 1 {
		t.Fatalf("expected 1 remote-driven update, got %+v", result)
	}
	if len(client.setCalls) != 0 {
		t.Fatalf("a remote-only change must never push, got %v", client.setCalls)
	}
}

// Scenario: local-only change — the index's revision watermark shows the
// message was retagged locally since the last sync, with no remote
// change. Expect exactly one Email/set call and no local tag overwrite.
func TestScenarioLocalOnlyChange(t *testing.T) {
	cfg, st := testSetup(t)
	idx := newFakeIndex()

	id, blob := model.MessageID("msg1"), model.BlobID("b1")
	path := filepath.Join(st.MailDir, "cur", model.Filename(id, blob, "S"))
	if err := os.WriteFile(path, []byte("body"), 0600); err != nil {
		t.Fatal(err)
	}
	idx.records[id] = indexRecord(path, []string{"work"})
	idx.modified = map[model.MessageID]bool{id: true}

	writeState(t, cfg, "state-0", 5)
	idx.revision = 6

	client := &fakeClient{
		mailboxes: []model.Mailbox{{ID: "work-mb", Name: "work"}},
		snapshots: map[model.MessageID]model.RemoteSnapshot{
			id: {BlobID: blob, Mailboxes: map[model.MailboxID]bool{}, Keywords: map[model.Keyword]bool{}},
		},
		changes: &jmapclient.Changes{NewState: "state-0"},
	}

	eng := newTestEngine(cfg, client, idx, st)
	result, err := eng.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %s", err)
	}
	if result.EmailSetCalls == 0 {
		t.Fatalf("expected at least one Email/set call for a local-only change")
	}
	if len(client.setCalls) != 1 {
		t.Fatalf("expected exactly one Email/set invocation, got %d", len(client.setCalls))
	}
}

// Scenario: conflicting change — a spam filter moved the message into
// Junk remotely (observed this pull), while the user also touched an
// unrelated tag locally. Pushing the unrelated tag edit must not remove
// the Junk mailbox membership.
func TestScenarioConflictingChange(t *testing.T) {
	cfg, st := testSetup(t)
	idx := newFakeIndex()

	id, blob := model.MessageID("msg1"), model.BlobID("b1")
	path := filepath.Join(st.MailDir, "cur", model.Filename(id, blob, "S"))
	if err := os.WriteFile(path, []byte("body"), 0600); err != nil {
		t.Fatal(err)
	}
	idx.records[id] = indexRecord(path, []string{"work"})
	idx.modified = map[model.MessageID]bool{id: true}

	writeState(t, cfg, "state-0", 5)
	idx.revision = 6

	client := &fakeClient{
		mailboxes: []model.Mailbox{{ID: "junk-mb", Name: "Junk", Role: model.RoleJunk}},
		snapshots: map[model.MessageID]model.RemoteSnapshot{
			id: {BlobID: blob, Mailboxes: map[model.MailboxID]bool{"junk-mb": true}, Keywords: map[model.Keyword]bool{}},
		},
		changes: &jmapclient.Changes{NewState: "state-0"},
	}

	eng := newTestEngine(cfg, client, idx, st)
	if _, err := eng.Run(context.Background(), false); err != nil {
		t.Fatalf("Run: %s", err)
	}
	if len(client.setCalls) != 1 {
		t.Fatalf("expected one Email/set call, got %d", len(client.setCalls))
	}
	patch := client.setCalls[0][id]
	for _, mb := range patch.RemoveMailboxes {
		if mb == "junk-mb" {
			t.Fatalf("pushing an unrelated tag change must never remove the Junk mailbox")
		}
	}
}

// Scenario: expired state — Changes reports the watermark can no longer
// be diffed from; the engine must fall back to a full query instead of
// failing the run.
func TestScenarioExpiredState(t *testing.T) {
	cfg, st := testSetup(t)
	idx := newFakeIndex()
	writeState(t, cfg, "stale-state", 0)

	client := &fakeClient{
		snapshots: map[model.MessageID]model.RemoteSnapshot{
			"msg1": {BlobID: "b1", Mailboxes: map[model.MailboxID]bool{}, Keywords: map[model.Keyword]bool{model.KeywordSeen: true}},
		},
		changesErr: &jmapclient.StateExpiredError{Since: "stale-state"},
	}

	eng := newTestEngine(cfg, client, idx, st)
	result, err := eng.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run should recover from an expired state via full query: %s", err)
	}
	if result.Created != 1 {
		t.Fatalf("expected the fallback full query to discover msg1, got %+v", result)
	}
}

// Scenario: interrupted mid-push — the server rejects one message's
// patch. That message must be excluded from APPLY (its file and tags
// are left untouched) without failing the whole run.
func TestScenarioInterruptedMidPush(t *testing.T) {
	cfg, st := testSetup(t)
	idx := newFakeIndex()

	id, blob := model.MessageID("msg1"), model.BlobID("b1")
	path := filepath.Join(st.MailDir, "cur", model.Filename(id, blob, "S"))
	if err := os.WriteFile(path, []byte("body"), 0600); err != nil {
		t.Fatal(err)
	}
	idx.records[id] = indexRecord(path, []string{"work"})
	idx.modified = map[model.MessageID]bool{id: true}

	writeState(t, cfg, "state-0", 5)
	idx.revision = 6

	client := &fakeClient{
		mailboxes: []model.Mailbox{{ID: "work-mb", Name: "work"}},
		snapshots: map[model.MessageID]model.RemoteSnapshot{
			id: {BlobID: blob, Mailboxes: map[model.MailboxID]bool{}, Keywords: map[model.Keyword]bool{}},
		},
		changes:  &jmapclient.Changes{NewState: "state-0"},
		rejected: map[model.MessageID]error{id: errReject},
	}

	eng := newTestEngine(cfg, client, idx, st)
	result, err := eng.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %s", err)
	}
	if len(result.RejectedMessages) != 1 {
		t.Fatalf("expected 1 rejected message, got %v", result.RejectedMessages)
	}
	if len(idx.added) != 0 {
		t.Fatalf("a rejected message must not be re-indexed: %v", idx.added)
	}
	if tags, ok := idx.tags[path]; ok && !sameSetUnordered(tags, []string{"work"}) {
		t.Fatalf("a rejected message's tags must be left untouched, got %v", tags)
	}
}

func sameSetUnordered(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := map[string]bool{}
	for _, x := range a {
		seen[x] = true
	}
	for _, x := range b {
		if !seen[x] {
			return false
		}
	}
	return true
}
