package tagmap

import (
	"testing"

	"github.com/yzzyx/nm-jmap-sync/internal/config"
	"github.com/yzzyx/nm-jmap-sync/internal/model"
)

func testConfig() config.TagConfig {
	return config.TagConfig{
		Inbox:     "inbox",
		Sent:      "sent",
		Deleted:   "trash",
		Archive:   "archive",
		Drafts:    "drafts",
		Spam:      "spam",
		Important: "important",
		Phishing:  "phishing",
	}
}

func TestRoundTripTreeMailbox(t *testing.T) {
	mailboxes := []model.Mailbox{
		{ID: "1", Name: "Work", Role: ""},
		{ID: "2", Name: "Projects", Role: "", ParentID: "1"},
	}
	m := New(testConfig(), mailboxes)

	snap := model.RemoteSnapshot{
		Mailboxes: map[model.MailboxID]bool{"2": true},
		Keywords:  map[model.Keyword]bool{model.KeywordSeen: true},
	}
	local := m.RemoteToLocal(snap)
	if !contains(local, "Work/Projects") {
		t.Fatalf("expected tree tag Work/Projects, got %v", local)
	}

	delta := m.LocalToRemote(local, snap)
	if !delta.IsEmpty() {
		t.Fatalf("round trip should produce an empty delta, got %+v", delta)
	}
}

func TestIgnoredSubtreePropagates(t *testing.T) {
	cfg := testConfig()
	cfg.Archive = "" // ignore Archive and its descendants
	mailboxes := []model.Mailbox{
		{ID: "1", Name: "Archive", Role: model.RoleArchive},
		{ID: "2", Name: "2023", Role: "", ParentID: "1"},
	}
	m := New(cfg, mailboxes)

	if _, ok := m.TagForMailbox("1"); ok {
		t.Fatalf("archive mailbox should be ignored")
	}
	if _, ok := m.TagForMailbox("2"); ok {
		t.Fatalf("descendant of an ignored role mailbox should be ignored")
	}
}

func TestSpamPushIsAddOnlyForMailbox(t *testing.T) {
	cfg := testConfig()
	mailboxes := []model.Mailbox{
		{ID: "junk", Name: "Junk", Role: model.RoleJunk},
	}
	m := New(cfg, mailboxes)

	// Current remote state: message is in Junk (e.g. a spam filter just
	// moved it there) but local tags don't mention "spam" at all, because
	// the user only touched an unrelated tag this run.
	current := model.RemoteSnapshot{
		Mailboxes: map[model.MailboxID]bool{"junk": true},
		Keywords:  map[model.Keyword]bool{},
	}
	delta := m.LocalToRemote([]string{"unrelated"}, current)

	for _, id := range delta.RemoveMailboxes {
		if id == "junk" {
			t.Fatalf("push must never remove the Junk mailbox membership")
		}
	}
}

func TestSpamPushAddsMailboxWhenLocalTagPresent(t *testing.T) {
	cfg := testConfig()
	mailboxes := []model.Mailbox{
		{ID: "junk", Name: "Junk", Role: model.RoleJunk},
	}
	m := New(cfg, mailboxes)

	current := model.RemoteSnapshot{Mailboxes: map[model.MailboxID]bool{}, Keywords: map[model.Keyword]bool{}}
	delta := m.LocalToRemote([]string{"spam"}, current)

	if !contains(idsToStrings(delta.AddMailboxes), "junk") {
		t.Fatalf("expected spam tag to add the Junk mailbox, got %+v", delta)
	}
}

func TestBindMakesNewMailboxVisibleImmediately(t *testing.T) {
	m := New(testConfig(), nil)
	if _, ok := m.MailboxForTag("Projects"); ok {
		t.Fatalf("tag should not resolve before Bind")
	}
	m.Bind("new-id", "Projects")
	id, ok := m.MailboxForTag("Projects")
	if !ok || id != "new-id" {
		t.Fatalf("Bind should make the tag resolve to the bound id")
	}
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func idsToStrings(ids []model.MailboxID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
