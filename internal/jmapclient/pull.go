package jmapclient

import (
	"context"
	"fmt"

	jmap "git.sr.ht/~rockorager/go-jmap"
	"git.sr.ht/~rockorager/go-jmap/mail/email"
	"git.sr.ht/~rockorager/go-jmap/mail/mailbox"

	"github.com/yzzyx/nm-jmap-sync/internal/model"
)

// getProperties is the fixed property set requested on every Email/get
// call during pull.
var getProperties = []string{"id", "blobId", "keywords", "mailboxIds"}

// Changes is the result of one Email/changes call.
type Changes struct {
	Created   []model.MessageID
	Updated   []model.MessageID
	Destroyed []model.MessageID
	NewState  string
	HasMore   bool
}

// Changes calls Email/changes(since). A server that has expired the
// given state returns a *StateExpiredError, which the engine treats as a
// full-sync trigger.
func (c *Client) Changes(ctx context.Context, since string) (Changes, error) {
	var out Changes
	err := c.withRetry(ctx, "Email/changes", func(ctx context.Context) error {
		req := &jmap.Request{Context: ctx}
		req.Invoke(&email.Changes{
			Account:    c.accountID,
			SinceState: since,
		})

		resp, err := c.jc.Do(req)
		if err != nil {
			return &TransportError{Op: "Email/changes", Err: err}
		}
		if len(resp.Responses) == 0 {
			return &TransportError{Op: "Email/changes", Err: fmt.Errorf("empty response")}
		}

		switch args := resp.Responses[0].Args.(type) {
		case *email.ChangesResponse:
			out = Changes{
				Created:   toMessageIDs(args.Created),
				Updated:   toMessageIDs(args.Updated),
				Destroyed: toMessageIDs(args.Destroyed),
				NewState:  args.NewState,
				HasMore:   args.HasMoreChanges,
			}
			return nil
		case *jmap.MethodError:
			if args.Type == "cannotCalculateChanges" {
				return &StateExpiredError{Since: since}
			}
			return &TransportError{Op: "Email/changes", Err: fmt.Errorf("%s", args.Type)}
		default:
			return &TransportError{Op: "Email/changes", Err: fmt.Errorf("unexpected response type %T", args)}
		}
	})
	return out, err
}

// QueryAll returns every MessageID visible to the account, used on full
// (state-less) sync.
func (c *Client) QueryAll(ctx context.Context) ([]model.MessageID, error) {
	var out []model.MessageID
	err := c.withRetry(ctx, "Email/query", func(ctx context.Context) error {
		req := &jmap.Request{Context: ctx}
		req.Invoke(&email.Query{
			Account: c.accountID,
		})

		resp, err := c.jc.Do(req)
		if err != nil {
			return &TransportError{Op: "Email/query", Err: err}
		}
		if len(resp.Responses) == 0 {
			return &TransportError{Op: "Email/query", Err: fmt.Errorf("empty response")}
		}

		switch args := resp.Responses[0].Args.(type) {
		case *email.QueryResponse:
			out = toMessageIDs(args.IDs)
			return nil
		case *jmap.MethodError:
			return &TransportError{Op: "Email/query", Err: fmt.Errorf("%s", args.Type)}
		default:
			return &TransportError{Op: "Email/query", Err: fmt.Errorf("unexpected response type %T", args)}
		}
	})
	return out, err
}

// GetResult is the outcome of one Email/get batch.
type GetResult struct {
	Snapshots map[model.MessageID]model.RemoteSnapshot
	NewState  string
}

// Get fetches {id, blobId, keywords, mailboxIds} for the given ids.
func (c *Client) Get(ctx context.Context, ids []model.MessageID) (GetResult, error) {
	var out GetResult
	err := c.withRetry(ctx, "Email/get", func(ctx context.Context) error {
		req := &jmap.Request{Context: ctx}
		req.Invoke(&email.Get{
			Account:    c.accountID,
			IDs:        toJMAPIDs(ids),
			Properties: getProperties,
		})

		resp, err := c.jc.Do(req)
		if err != nil {
			return &TransportError{Op: "Email/get", Err: err}
		}
		if len(resp.Responses) == 0 {
			return &TransportError{Op: "Email/get", Err: fmt.Errorf("empty response")}
		}

		switch args := resp.Responses[0].Args.(type) {
		case *email.GetResponse:
			out.NewState = args.State
			out.Snapshots = make(map[model.MessageID]model.RemoteSnapshot, len(args.List))
			for _, e := range args.List {
				out.Snapshots[model.MessageID(e.ID)] = snapshotFromEmail(e)
			}
			return nil
		case *jmap.MethodError:
			return &TransportError{Op: "Email/get", Err: fmt.Errorf("%s", args.Type)}
		default:
			return &TransportError{Op: "Email/get", Err: fmt.Errorf("unexpected response type %T", args)}
		}
	})
	return out, err
}

// Mailboxes fetches the complete mailbox list for the account.
func (c *Client) Mailboxes(ctx context.Context) ([]model.Mailbox, error) {
	var out []model.Mailbox
	err := c.withRetry(ctx, "Mailbox/get", func(ctx context.Context) error {
		req := &jmap.Request{Context: ctx}
		req.Invoke(&mailbox.Get{
			Account: c.accountID,
		})

		resp, err := c.jc.Do(req)
		if err != nil {
			return &TransportError{Op: "Mailbox/get", Err: err}
		}
		if len(resp.Responses) == 0 {
			return &TransportError{Op: "Mailbox/get", Err: fmt.Errorf("empty response")}
		}

		switch args := resp.Responses[0].Args.(type) {
		case *mailbox.GetResponse:
			out = make([]model.Mailbox, 0, len(args.List))
			for _, mb := range args.List {
				out = append(out, model.Mailbox{
					ID:       model.MailboxID(mb.ID),
					Name:     mb.Name,
					Role:     string(mb.Role),
					ParentID: model.MailboxID(mb.ParentID),
				})
			}
			return nil
		case *jmap.MethodError:
			return &TransportError{Op: "Mailbox/get", Err: fmt.Errorf("%s", args.Type)}
		default:
			return &TransportError{Op: "Mailbox/get", Err: fmt.Errorf("unexpected response type %T", args)}
		}
	})
	return out, err
}

func snapshotFromEmail(e *email.Email) model.RemoteSnapshot {
	snap := model.RemoteSnapshot{
		BlobID:    model.BlobID(e.BlobID),
		Mailboxes: make(map[model.MailboxID]bool, len(e.MailboxIDs)),
		Keywords:  make(map[model.Keyword]bool, len(e.Keywords)),
	}
	for id, v := range e.MailboxIDs {
		if v {
			snap.Mailboxes[model.MailboxID(id)] = true
		}
	}
	for kw, v := range e.Keywords {
		if v {
			snap.Keywords[model.Keyword(kw)] = true
		}
	}
	return snap
}

func toMessageIDs(ids []jmap.ID) []model.MessageID {
	out := make([]model.MessageID, len(ids))
	for i, id := range ids {
		out[i] = model.MessageID(id)
	}
	return out
}

func toJMAPIDs(ids []model.MessageID) []jmap.ID {
	out := make([]jmap.ID, len(ids))
	for i, id := range ids {
		out[i] = jmap.ID(id)
	}
	return out
}
