package jmapclient

import (
	"context"
	"fmt"
	"io"
	"net/mail"

	jmap "git.sr.ht/~rockorager/go-jmap"
	jmapmail "git.sr.ht/~rockorager/go-jmap/mail"
	"git.sr.ht/~rockorager/go-jmap/mail/email"
	"git.sr.ht/~rockorager/go-jmap/mail/emailsubmission"
)

// Submit reads an RFC 5322 message from r and submits it for delivery
// (the `send` subcommand). This is outside the sync core's scope: it
// never touches the local index or maildir.
func (c *Client) Submit(ctx context.Context, r io.Reader) error {
	msg, err := mail.ReadMessage(r)
	if err != nil {
		return fmt.Errorf("jmapclient: parse message: %w", err)
	}
	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return fmt.Errorf("jmapclient: read message body: %w", err)
	}

	from, err := parseAddressList(msg.Header.Get("From"))
	if err != nil {
		return fmt.Errorf("jmapclient: parse From: %w", err)
	}
	to, err := parseAddressList(msg.Header.Get("To"))
	if err != nil {
		return fmt.Errorf("jmapclient: parse To: %w", err)
	}
	if len(from) == 0 {
		return fmt.Errorf("jmapclient: message has no From address")
	}
	if len(to) == 0 {
		return fmt.Errorf("jmapclient: message has no To address")
	}

	draftID := jmap.ID("draft-0")
	emailObj := &email.Email{
		From:    from,
		To:      to,
		Subject: msg.Header.Get("Subject"),
		BodyStructure: &email.BodyPart{
			PartID: "text",
			Type:   "text/plain",
		},
		BodyValues: map[string]*email.BodyValue{
			"text": {Value: string(body)},
		},
		Keywords: map[string]bool{"$draft": true},
	}

	submitID := jmap.ID("submit-0")
	envelope := &emailsubmission.Envelope{
		MailFrom: &emailsubmission.Address{Email: from[0].Email},
	}
	for _, addr := range to {
		envelope.RcptTo = append(envelope.RcptTo, &emailsubmission.Address{Email: addr.Email})
	}

	return c.withRetry(ctx, "EmailSubmission/set", func(ctx context.Context) error {
		req := &jmap.Request{Context: ctx}
		req.Invoke(&email.Set{
			Account: c.accountID,
			Create: map[jmap.ID]*email.Email{
				draftID: emailObj,
			},
		})
		req.Invoke(&emailsubmission.Set{
			Account: c.accountID,
			Create: map[jmap.ID]*emailsubmission.EmailSubmission{
				submitID: {
					EmailID:  jmap.ID("#" + string(draftID)),
					Envelope: envelope,
				},
			},
		})

		resp, err := c.jc.Do(req)
		if err != nil {
			return &TransportError{Op: "EmailSubmission/set", Err: err}
		}
		for _, inv := range resp.Responses {
			switch args := inv.Args.(type) {
			case *jmap.MethodError:
				return fmt.Errorf("jmapclient: %s: %s", inv.Name, args.Type)
			case *email.SetResponse:
				if len(args.NotCreated) > 0 {
					return fmt.Errorf("jmapclient: could not create draft: %v", args.NotCreated)
				}
			case *emailsubmission.SetResponse:
				if len(args.NotCreated) > 0 {
					return fmt.Errorf("jmapclient: could not submit message: %v", args.NotCreated)
				}
			}
		}
		return nil
	})
}

func parseAddressList(header string) ([]*jmapmail.Address, error) {
	if header == "" {
		return nil, nil
	}
	addrs, err := mail.ParseAddressList(header)
	if err != nil {
		return nil, err
	}
	out := make([]*jmapmail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &jmapmail.Address{Name: a.Name, Email: a.Address})
	}
	return out, nil
}
