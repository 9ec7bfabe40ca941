package syncengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/schollz/progressbar/v3"

	"github.com/yzzyx/nm-jmap-sync/internal/jmapclient"
	"github.com/yzzyx/nm-jmap-sync/internal/model"
)

// progressSink wraps a jmapclient.BlobSink to advance a progress bar as
// downloads complete.
type progressSink struct {
	jmapclient.BlobSink
	bar *progressbar.ProgressBar
}

func (s *progressSink) CommitPart(id model.MessageID, blob model.BlobID) error {
	err := s.BlobSink.CommitPart(id, blob)
	_ = s.bar.Add(1)
	return err
}

func (s *progressSink) AbortPart(id model.MessageID, blob model.BlobID) error {
	err := s.BlobSink.AbortPart(id, blob)
	_ = s.bar.Add(1)
	return err
}

// pullResult is PULL's output: the snapshots to merge, the ids
// destroyed server-side, and the jmap_state persisted at COMMIT: the
// state this pull's Email/changes round trips converged on, or, for a
// full Email/query rediscovery, the state of the first Email/get
// response.
type pullResult struct {
	firstState string
	snapshots  map[model.MessageID]model.RemoteSnapshot
	destroyed  []model.MessageID
}

// pull runs the PULL step: incremental via Email/changes when
// a jmap_state watermark is present, otherwise a full Email/query
// rediscovery; either way it drains into a batched Email/get and then
// schedules blob downloads for anything not already cached.
//
// extraIDs names messages MERGE will need a remote baseline for even
// though Changes/QueryAll didn't report them as changed — every
// locally-modified message, so PUSH has something to diff against even
// when the remote side is untouched.
func (e *Engine) pull(ctx context.Context, persisted *model.PersistedState, extraIDs []model.MessageID) (*pullResult, error) {
	var queue []model.MessageID
	var destroyed []model.MessageID
	var firstState string

	existing, err := e.Store.ListMaildir()
	if err != nil {
		return nil, fmt.Errorf("syncengine: list maildir: %w", err)
	}

	fullRediscovery := persisted.JMAPState == nil

	if !fullRediscovery {
		since := *persisted.JMAPState
		for {
			changes, err := e.Client.Changes(ctx, since)
			if err != nil {
				var expired *jmapclient.StateExpiredError
				if errors.As(err, &expired) {
					// The server has expired our watermark; fall back to a
					// full Email/query rediscovery instead of
					// failing the run.
					e.Logger.Printf("syncengine: jmap state %q expired, falling back to full query", since)
					fullRediscovery = true
					queue = nil
					destroyed = nil
					break
				}
				return nil, fmt.Errorf("syncengine: pull changes: %w", err)
			}
			queue = append(queue, changes.Created...)
			queue = append(queue, changes.Updated...)
			destroyed = append(destroyed, changes.Destroyed...)
			since = changes.NewState
			if !changes.HasMore {
				break
			}
		}
		if !fullRediscovery {
			// The loop converged normally (no expired-state fallback):
			// persist the state the server settled on, not the one we
			// started from, so the next run's Changes call advances.
			firstState = since
		}
	}

	if fullRediscovery {
		ids, err := e.Client.QueryAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("syncengine: pull query: %w", err)
		}
		queue = ids
		present := make(map[model.MessageID]bool, len(ids))
		for _, id := range ids {
			present[id] = true
		}
		for id := range existing {
			if !present[id] {
				destroyed = append(destroyed, id)
			}
		}
	}

	queued := make(map[model.MessageID]bool, len(queue))
	for _, id := range queue {
		queued[id] = true
	}
	for _, id := range extraIDs {
		if !queued[id] {
			queue = append(queue, id)
			queued[id] = true
		}
	}

	snapshots := make(map[model.MessageID]model.RemoteSnapshot, len(queue))
	const batchSize = 256
	for start := 0; start < len(queue); start += batchSize {
		end := start + batchSize
		if end > len(queue) {
			end = len(queue)
		}
		batch := queue[start:end]

		result, err := e.Client.Get(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("syncengine: pull get: %w", err)
		}
		for id, snap := range result.Snapshots {
			snapshots[id] = snap
		}

		if firstState == "" {
			// A state-less (full query) pull has no natural "since"
			// state of its own; the state observed on the first get()
			// response becomes the one persisted at COMMIT.
			firstState = result.NewState
		}
	}

	var tasks []jmapclient.DownloadTask
	for id, snap := range snapshots {
		has, err := e.Store.HasBlob(id, snap.BlobID)
		if err != nil {
			return nil, fmt.Errorf("syncengine: check cached blob for %s: %w", id, err)
		}
		if !has {
			tasks = append(tasks, jmapclient.DownloadTask{MessageID: id, BlobID: snap.BlobID})
		}
	}
	if len(tasks) > 0 {
		bar := newProgressBar(len(tasks), "downloading")
		sink := &progressSink{BlobSink: e.Store, bar: bar}
		if err := e.Client.DownloadAll(ctx, tasks, sink); err != nil {
			return nil, fmt.Errorf("syncengine: download blobs: %w", err)
		}
	}

	return &pullResult{firstState: firstState, snapshots: snapshots, destroyed: destroyed}, nil
}
