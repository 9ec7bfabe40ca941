package syncengine

import (
	"context"
	"fmt"

	"github.com/schollz/progressbar/v3"

	"github.com/yzzyx/nm-jmap-sync/internal/jmapclient"
	"github.com/yzzyx/nm-jmap-sync/internal/model"
)

// push issues one Email/set invocation carrying every
// locally-modified message's patch. A per-message rejection excludes
// only that message from APPLY and is returned, not treated as a
// run-wide failure.
func (e *Engine) push(ctx context.Context, p *plan) (updated int, rejected map[model.MessageID]error, err error) {
	updates := make(map[model.MessageID]jmapclient.EmailPatch)

	var bar *progressbar.ProgressBar
	if p.locallyModified > 0 {
		bar = newProgressBar(p.locallyModified, "pushing")
	}

	for _, msg := range p.entries {
		if msg.class != classLocallyModified {
			continue
		}
		if bar != nil {
			_ = bar.Add(1)
		}
		e.ensureAutoCreatedMailboxes(ctx, msg.tags)
		delta := e.mapper.LocalToRemote(msg.tags, msg.snapshot)
		if delta.IsEmpty() {
			continue
		}
		updates[msg.id] = newEmailPatch(msg.snapshot, delta)
	}

	if len(updates) == 0 {
		return 0, nil, nil
	}

	rejected, err = e.Client.SetEmail(ctx, updates)
	if err != nil {
		return 0, nil, fmt.Errorf("syncengine: push: %w", err)
	}
	for id, rejErr := range rejected {
		e.Logger.Printf("syncengine: server rejected update for %s: %s", id, rejErr)
	}
	return len(updates), rejected, nil
}
