// Package tagmap is the pure, deterministic bidirectional translation
// between local index tags and JMAP keyword sets / mailbox-id sets.
// It never performs I/O; callers own the mailbox list and the config
// that parameterize it.
package tagmap

import (
	"sort"
	"strings"

	"github.com/yzzyx/nm-jmap-sync/internal/config"
	"github.com/yzzyx/nm-jmap-sync/internal/model"
)

// Mapper is built once per sync run from the account's current mailbox
// list and the configured [tags] table.
type Mapper struct {
	cfg config.TagConfig

	tagOf map[model.MailboxID]string // mailbox id -> local tag name ("" entries are absent, not stored)

	junkMailboxID      model.MailboxID
	importantMailboxID model.MailboxID
}

// New builds a Mapper from the account's mailbox list and the tag config.
func New(cfg config.TagConfig, mailboxes []model.Mailbox) *Mapper {
	m := &Mapper{cfg: cfg, tagOf: make(map[model.MailboxID]string)}

	byID := make(map[model.MailboxID]model.Mailbox, len(mailboxes))
	children := make(map[model.MailboxID][]model.MailboxID)
	for _, mb := range mailboxes {
		byID[mb.ID] = mb
		if mb.ParentID != "" {
			children[mb.ParentID] = append(children[mb.ParentID], mb.ID)
		}
		switch mb.Role {
		case model.RoleJunk:
			m.junkMailboxID = mb.ID
		case model.RoleImportant:
			m.importantMailboxID = mb.ID
		}
	}

	roleTag := map[string]string{
		model.RoleInbox:     cfg.Inbox,
		model.RoleSent:      cfg.Sent,
		model.RoleTrash:     cfg.Deleted,
		model.RoleArchive:   cfg.Archive,
		model.RoleDrafts:    cfg.Drafts,
		model.RoleJunk:      cfg.Spam,
		model.RoleImportant: cfg.Important,
	}

	ignored := make(map[model.MailboxID]bool)
	for _, mb := range mailboxes {
		if tag, tracked := roleTag[mb.Role]; tracked && tag == "" {
			markIgnored(mb.ID, children, ignored)
		}
	}

	for _, mb := range mailboxes {
		if ignored[mb.ID] {
			continue
		}
		if tag, tracked := roleTag[mb.Role]; tracked {
			m.tagOf[mb.ID] = tag
			continue
		}
		m.tagOf[mb.ID] = m.pathTag(mb, byID)
	}

	return m
}

func markIgnored(id model.MailboxID, children map[model.MailboxID][]model.MailboxID, ignored map[model.MailboxID]bool) {
	if ignored[id] {
		return
	}
	ignored[id] = true
	for _, child := range children[id] {
		markIgnored(child, children, ignored)
	}
}

// pathTag computes a non-role mailbox's tag as the path of its ancestors'
// names joined by the configured separator, optionally lowercased.
func (m *Mapper) pathTag(mb model.Mailbox, byID map[model.MailboxID]model.Mailbox) string {
	var parts []string
	cur := mb
	for {
		parts = append([]string{cur.Name}, parts...)
		if cur.ParentID == "" {
			break
		}
		parent, ok := byID[cur.ParentID]
		if !ok {
			break
		}
		cur = parent
	}
	tag := strings.Join(parts, m.cfg.Separator())
	if m.cfg.Lowercase {
		tag = strings.ToLower(tag)
	}
	return tag
}

// RemoteToLocal computes the local tag set a remote snapshot maps to.
func (m *Mapper) RemoteToLocal(snap model.RemoteSnapshot) []string {
	tags := make(map[string]bool)

	for mbID := range snap.Mailboxes {
		if tag, ok := m.tagOf[mbID]; ok && tag != "" {
			tags[tag] = true
		}
	}

	if m.cfg.Spam != "" && m.junkMailboxID == "" {
		if snap.Keywords[model.KeywordJunk] && !snap.Keywords[model.KeywordNotJunk] {
			tags[m.cfg.Spam] = true
		}
	}
	if m.cfg.Important != "" && m.importantMailboxID == "" {
		if snap.Keywords[model.KeywordImportant] {
			tags[m.cfg.Important] = true
		}
	}
	if m.cfg.Phishing != "" && snap.Keywords[model.KeywordPhishing] {
		tags[m.cfg.Phishing] = true
	}

	if !snap.Keywords[model.KeywordSeen] {
		tags[config.TagUnread] = true
	}
	if snap.Keywords[model.KeywordFlagged] {
		tags[config.TagFlagged] = true
	}
	if snap.Keywords[model.KeywordDraft] {
		tags[config.TagDraft] = true
	}
	if snap.Keywords[model.KeywordForwarded] {
		tags[config.TagPassed] = true
	}
	if snap.Keywords[model.KeywordAnswered] {
		tags[config.TagReplied] = true
	}

	out := make([]string, 0, len(tags))
	for t := range tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Delta is the result of LocalToRemote: the independent add/remove sets
// for keywords and mailboxes that together express a local tag set as
// a JMAP patch.
type Delta struct {
	AddKeywords     []model.Keyword
	RemoveKeywords  []model.Keyword
	AddMailboxes    []model.MailboxID
	RemoveMailboxes []model.MailboxID
}

// IsEmpty reports whether this delta has nothing to push.
func (d Delta) IsEmpty() bool {
	return len(d.AddKeywords) == 0 && len(d.RemoveKeywords) == 0 &&
		len(d.AddMailboxes) == 0 && len(d.RemoveMailboxes) == 0
}

// LocalToRemote computes the JMAP patch that would bring current (the
// remote snapshot observed this pull) in line with localTags, without
// ever touching a mailbox or keyword the local tag set has no opinion
// about.
//
// Dual-sourced mailboxes (Junk, Important) are handled asymmetrically:
// their mailbox membership is only ever added, never removed, by this
// path. $Important is diffed normally; $Junk and $NotJunk are set
// together, and only when the local spam tag disagrees with the spam
// state RemoteToLocal derives from current. A spam filter or
// another client's Junk-mailbox assignment observed during this same
// pull must survive a push that only touched an unrelated tag — see
// DESIGN.md's "Conflicting change" entry for why.
func (m *Mapper) LocalToRemote(localTags []string, current model.RemoteSnapshot) Delta {
	local := make(map[string]bool, len(localTags))
	for _, t := range localTags {
		local[strings.TrimSpace(t)] = true
	}

	var d Delta

	for mbID, tag := range m.tagOf {
		if tag == "" || mbID == m.junkMailboxID || mbID == m.importantMailboxID {
			continue
		}
		desired := local[tag]
		_, present := current.Mailboxes[mbID]
		if desired && !present {
			d.AddMailboxes = append(d.AddMailboxes, mbID)
		} else if !desired && present {
			d.RemoveMailboxes = append(d.RemoveMailboxes, mbID)
		}
	}

	if m.cfg.Phishing != "" {
		diffKeyword(&d, local[m.cfg.Phishing], current.Keywords[model.KeywordPhishing], model.KeywordPhishing)
	}

	if m.cfg.Spam != "" {
		desired := local[m.cfg.Spam]
		// remoteSpam is the spam state RemoteToLocal derives from current.
		remoteSpam := current.Keywords[model.KeywordJunk] && !current.Keywords[model.KeywordNotJunk]
		if m.junkMailboxID != "" {
			_, remoteSpam = current.Mailboxes[m.junkMailboxID]
		}
		if desired != remoteSpam {
			diffKeyword(&d, desired, current.Keywords[model.KeywordJunk], model.KeywordJunk)
			diffKeyword(&d, !desired, current.Keywords[model.KeywordNotJunk], model.KeywordNotJunk)
		}
		if desired && m.junkMailboxID != "" {
			if _, present := current.Mailboxes[m.junkMailboxID]; !present {
				d.AddMailboxes = append(d.AddMailboxes, m.junkMailboxID)
			}
		}
	}

	if m.cfg.Important != "" {
		desired := local[m.cfg.Important]
		diffKeyword(&d, desired, current.Keywords[model.KeywordImportant], model.KeywordImportant)
		if desired && m.importantMailboxID != "" {
			if _, present := current.Mailboxes[m.importantMailboxID]; !present {
				d.AddMailboxes = append(d.AddMailboxes, m.importantMailboxID)
			}
		}
	}

	// Automatic tags follow their IANA keywords; $Seen is the inverse of unread.
	diffKeyword(&d, !local[config.TagUnread], current.Keywords[model.KeywordSeen], model.KeywordSeen)
	diffKeyword(&d, local[config.TagFlagged], current.Keywords[model.KeywordFlagged], model.KeywordFlagged)
	diffKeyword(&d, local[config.TagDraft], current.Keywords[model.KeywordDraft], model.KeywordDraft)
	diffKeyword(&d, local[config.TagPassed], current.Keywords[model.KeywordForwarded], model.KeywordForwarded)
	diffKeyword(&d, local[config.TagReplied], current.Keywords[model.KeywordAnswered], model.KeywordAnswered)

	return d
}

func diffKeyword(d *Delta, desired, present bool, kw model.Keyword) {
	if desired && !present {
		d.AddKeywords = append(d.AddKeywords, kw)
	} else if !desired && present {
		d.RemoveKeywords = append(d.RemoveKeywords, kw)
	}
}

// TagForMailbox returns the local tag a mailbox id maps to, if any.
func (m *Mapper) TagForMailbox(id model.MailboxID) (string, bool) {
	tag, ok := m.tagOf[id]
	return tag, ok && tag != ""
}

// Bind records that mailbox id now maps to tag, used by the engine right
// after it creates a mailbox for a tag that had none, so the rest of
// the same run sees it without a refetch.
func (m *Mapper) Bind(id model.MailboxID, tag string) {
	m.tagOf[id] = tag
}

// MailboxForTag returns the first mailbox id that maps to tag, used by
// the engine to decide whether auto-creation is needed.
func (m *Mapper) MailboxForTag(tag string) (model.MailboxID, bool) {
	for id, t := range m.tagOf {
		if t == tag {
			return id, true
		}
	}
	return "", false
}
