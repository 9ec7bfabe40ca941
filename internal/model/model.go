// Package model holds the data types shared across the sync engine's
// components: opaque JMAP identifiers, the maildir filename wire format,
// and the small structs that cross component boundaries.
package model

import (
	"fmt"
	"strings"
)

// MessageID is an opaque server identifier, stable within an account.
type MessageID string

// BlobID is an opaque server identifier for message body bytes. It
// changes if the message's canonical bytes change.
type BlobID string

// MailboxID is an opaque server identifier for a mailbox.
type MailboxID string

// Keyword is an IANA message keyword ($Seen, $Flagged, ...) or an
// arbitrary user keyword.
type Keyword string

// Well-known IANA keywords.
const (
	KeywordSeen      Keyword = "$Seen"
	KeywordFlagged   Keyword = "$Flagged"
	KeywordAnswered  Keyword = "$Answered"
	KeywordDraft     Keyword = "$Draft"
	KeywordForwarded Keyword = "$Forwarded"
	KeywordJunk      Keyword = "$Junk"
	KeywordNotJunk   Keyword = "$NotJunk"
	KeywordImportant Keyword = "$Important"
	KeywordPhishing  Keyword = "$Phishing"
)

// Well-known mailbox roles.
const (
	RoleInbox     = "Inbox"
	RoleSent      = "Sent"
	RoleTrash     = "Trash"
	RoleJunk      = "Junk"
	RoleDrafts    = "Drafts"
	RoleArchive   = "Archive"
	RoleImportant = "Important"
)

// Mailbox is the locally-relevant subset of a JMAP mailbox object: its
// id, role, and parent reference (forming a tree), plus its own name.
type Mailbox struct {
	ID       MailboxID
	Name     string
	Role     string
	ParentID MailboxID
}

// RemoteSnapshot is, for one MessageID, the properties observed during
// one sync: the BlobID and the sets of mailboxes/keywords.
type RemoteSnapshot struct {
	BlobID    BlobID
	Mailboxes map[MailboxID]bool
	Keywords  map[Keyword]bool
}

// PersistedState is the `{ jmap_state, notmuch_revision }` tuple written
// to mujmap.state.json. Either field may be nil independently, which
// triggers partial or full rediscovery.
type PersistedState struct {
	JMAPState       *string `json:"jmap_state"`
	NotmuchRevision *uint64 `json:"notmuch_revision"`
}

// Filename builds the maildir wire-format name for a message:
// {MessageID}.{BlobID}:2,{flags}
func Filename(id MessageID, blob BlobID, flags string) string {
	return fmt.Sprintf("%s.%s:2,%s", id, blob, flags)
}

// CacheFilename builds the cache-directory name for a blob:
// {MessageID}.{BlobID} (no maildir flag suffix)
func CacheFilename(id MessageID, blob BlobID) string {
	return fmt.Sprintf("%s.%s", id, blob)
}

// PartFilename is the temporary name a blob download is written under
// before it is renamed into place.
func PartFilename(id MessageID, blob BlobID) string {
	return CacheFilename(id, blob) + ".part"
}

// ParseFilename parses a maildir filename (bare, without directory
// components) into its MessageID, BlobID, and maildir flag suffix.
// Deviation from the `{MessageID}.{BlobID}:2,{flags}` format means the
// file is unmanaged; ok is false and the reverse lookup should ignore it.
func ParseFilename(name string) (id MessageID, blob BlobID, flags string, ok bool) {
	base := name
	if idx := strings.Index(base, ":2,"); idx >= 0 {
		flags = base[idx+3:]
		base = base[:idx]
	} else {
		// No recognized maildir info separator; treat as unmanaged.
		return "", "", "", false
	}

	dot := strings.LastIndexByte(base, '.')
	if dot <= 0 || dot == len(base)-1 {
		return "", "", "", false
	}
	return MessageID(base[:dot]), BlobID(base[dot+1:]), flags, true
}
