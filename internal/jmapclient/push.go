package jmapclient

import (
	"context"
	"fmt"

	jmap "git.sr.ht/~rockorager/go-jmap"
	"git.sr.ht/~rockorager/go-jmap/mail/email"
	"git.sr.ht/~rockorager/go-jmap/mail/mailbox"

	"github.com/yzzyx/nm-jmap-sync/internal/model"
)

// EmailPatch is the set of path-style keyword/mailbox set/unset
// operations to apply to one message. Additions and removals of
// unmentioned keys are independent, so concurrent third-party edits to
// keys this patch doesn't touch are preserved.
type EmailPatch struct {
	AddKeywords     []model.Keyword
	RemoveKeywords  []model.Keyword
	AddMailboxes    []model.MailboxID
	RemoveMailboxes []model.MailboxID

	// Keywords and Mailboxes hold the *complete* desired set, used only
	// when the client has fallen back to whole-object replacement mode.
	Keywords  map[model.Keyword]bool
	Mailboxes map[model.MailboxID]bool
}

// IsEmpty reports whether this patch has nothing to push.
func (p EmailPatch) IsEmpty() bool {
	return len(p.AddKeywords) == 0 && len(p.RemoveKeywords) == 0 &&
		len(p.AddMailboxes) == 0 && len(p.RemoveMailboxes) == 0
}

func (p EmailPatch) toJMAPPatch() jmap.Patch {
	patch := jmap.Patch{}
	for _, kw := range p.AddKeywords {
		patch["keywords/"+string(kw)] = true
	}
	for _, kw := range p.RemoveKeywords {
		patch["keywords/"+string(kw)] = nil
	}
	for _, mb := range p.AddMailboxes {
		patch["mailboxIds/"+string(mb)] = true
	}
	for _, mb := range p.RemoveMailboxes {
		patch["mailboxIds/"+string(mb)] = nil
	}
	return patch
}

func (p EmailPatch) toWholeObject() *email.Email {
	e := &email.Email{
		Keywords:   make(map[string]bool, len(p.Keywords)),
		MailboxIDs: make(map[jmap.ID]bool, len(p.Mailboxes)),
	}
	for kw, v := range p.Keywords {
		if v {
			e.Keywords[string(kw)] = true
		}
	}
	for mb, v := range p.Mailboxes {
		if v {
			e.MailboxIDs[jmap.ID(mb)] = true
		}
	}
	return e
}

// SetEmail pushes one patch per message in updates via Email/set. It
// returns the ids that the server rejected, each with the reason. A
// server that rejects path-style patches causes the client to switch to
// whole-object replacement mode for the remainder of this run and this
// call. A per-message failure excludes only that message.
func (c *Client) SetEmail(ctx context.Context, updates map[model.MessageID]EmailPatch) (map[model.MessageID]error, error) {
	if len(updates) == 0 {
		return nil, nil
	}

	rejected := map[model.MessageID]error{}
	// patchRejected holds the ids the server rejected as invalidPatch
	// while this call was still sending path-style patches.
	var patchRejected []model.MessageID
	err := c.withRetry(ctx, "Email/set", func(ctx context.Context) error {
		req := &jmap.Request{Context: ctx}
		set := &email.Set{Account: c.accountID}

		if c.compatMode {
			set.Update = make(map[jmap.ID]jmap.Patch, len(updates))
			for id, p := range updates {
				// Whole-object mode is expressed as an Email/set update
				// whose patch maps bare property names (no path) to the
				// complete desired value, rather than path-style keys.
				whole := p.toWholeObject()
				set.Update[jmap.ID(id)] = jmap.Patch{
					"keywords":   whole.Keywords,
					"mailboxIds": whole.MailboxIDs,
				}
			}
		} else {
			set.Update = make(map[jmap.ID]jmap.Patch, len(updates))
			for id, p := range updates {
				set.Update[jmap.ID(id)] = p.toJMAPPatch()
			}
		}
		req.Invoke(set)

		resp, err := c.jc.Do(req)
		if err != nil {
			return &TransportError{Op: "Email/set", Err: err}
		}
		if len(resp.Responses) == 0 {
			return &TransportError{Op: "Email/set", Err: fmt.Errorf("empty response")}
		}

		switch args := resp.Responses[0].Args.(type) {
		case *email.SetResponse:
			for id, setErr := range args.NotUpdated {
				rejected[model.MessageID(id)] = fmt.Errorf("%s: %s", setErr.Type, setErr.Description)
				if !c.compatMode && setErr.Type == "invalidPatch" {
					patchRejected = append(patchRejected, model.MessageID(id))
				}
			}
			if len(patchRejected) > 0 {
				c.compatMode = true
			}
			return nil
		case *jmap.MethodError:
			return &TransportError{Op: "Email/set", Err: fmt.Errorf("%s", args.Type)}
		default:
			return &TransportError{Op: "Email/set", Err: fmt.Errorf("unexpected response type %T", args)}
		}
	})
	if err != nil {
		return nil, err
	}
	if len(patchRejected) > 0 {
		// Retry each message the server rejected as invalidPatch once
		// more under whole-object mode, in a second Email/set request.
		retry := map[model.MessageID]EmailPatch{}
		for _, id := range patchRejected {
			if p, ok := updates[id]; ok {
				retry[id] = p
			}
		}
		if len(retry) > 0 {
			more, err := c.SetEmail(ctx, retry)
			if err != nil {
				return nil, err
			}
			for id := range retry {
				if _, stillRejected := more[id]; !stillRejected {
					delete(rejected, id)
				}
			}
		}
	}
	return rejected, nil
}

// CreateMailbox creates a single mailbox via Mailbox/set, used when
// auto-creation is enabled and a local tag maps to no existing mailbox.
func (c *Client) CreateMailbox(ctx context.Context, name string, parent model.MailboxID) (model.MailboxID, error) {
	var created model.MailboxID
	err := c.withRetry(ctx, "Mailbox/set", func(ctx context.Context) error {
		req := &jmap.Request{Context: ctx}
		mb := &mailbox.Mailbox{Name: name}
		if parent != "" {
			mb.ParentID = jmap.ID(parent)
		}
		req.Invoke(&mailbox.Set{
			Account: c.accountID,
			Create:  map[jmap.ID]*mailbox.Mailbox{"new": mb},
		})

		resp, err := c.jc.Do(req)
		if err != nil {
			return &TransportError{Op: "Mailbox/set", Err: err}
		}
		if len(resp.Responses) == 0 {
			return &TransportError{Op: "Mailbox/set", Err: fmt.Errorf("empty response")}
		}

		switch args := resp.Responses[0].Args.(type) {
		case *mailbox.SetResponse:
			if newMB, ok := args.Created["new"]; ok {
				created = model.MailboxID(newMB.ID)
				return nil
			}
			if setErr, ok := args.NotCreated["new"]; ok {
				return fmt.Errorf("mailbox/set: %s: %s", setErr.Type, setErr.Description)
			}
			return fmt.Errorf("mailbox/set: mailbox %q was not created", name)
		case *jmap.MethodError:
			return &TransportError{Op: "Mailbox/set", Err: fmt.Errorf("%s", args.Type)}
		default:
			return &TransportError{Op: "Mailbox/set", Err: fmt.Errorf("unexpected response type %T", args)}
		}
	})
	return created, err
}
