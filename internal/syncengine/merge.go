package syncengine

import (
	"fmt"

	"github.com/yzzyx/nm-jmap-sync/internal/index"
	"github.com/yzzyx/nm-jmap-sync/internal/model"
	"github.com/yzzyx/nm-jmap-sync/internal/tagmap"
)

// classification is a message's MERGE-time disposition.
type classification int

const (
	classNew classification = iota
	classUnmodified
	classLocallyModified
)

// mergedMessage is one updated snapshot's MERGE outcome.
type mergedMessage struct {
	id           model.MessageID
	class        classification
	snapshot     model.RemoteSnapshot
	tags         []string // remote-derived (New/Unmodified) or current local (LocallyModified)
	existingPath string   // "" for classNew
}

// plan is MERGE's output: every updated message classified, plus the
// destroyed count carried through for logging.
type plan struct {
	entries        []mergedMessage
	created        int
	updated        int
	locallyModified int
	destroyedCount int
}

// merge classifies every updated snapshot as
// New, Unmodified, or Locally-modified by comparing the index's current
// revision-tracked state against the persisted watermark. modified is
// every message the index considers changed since that watermark,
// computed once by the caller and reused both to decide PULL's extra
// fetch targets and MERGE's classification.
func (e *Engine) merge(pulled *pullResult, modified map[model.MessageID]index.Record) (*plan, error) {
	existing, err := e.Store.ListMaildir()
	if err != nil {
		return nil, fmt.Errorf("syncengine: list maildir: %w", err)
	}

	p := &plan{destroyedCount: len(pulled.destroyed)}

	for id, snap := range pulled.snapshots {
		if rec, ok := modified[id]; ok {
			flags := flagsFromFilename(rec.Filename)
			localTags := append(filterNonAutomatic(rec.Tags), tagmap.TagsFromFlags(flags)...)
			p.entries = append(p.entries, mergedMessage{
				id: id, class: classLocallyModified, snapshot: snap,
				tags: localTags, existingPath: rec.Filename,
			})
			p.locallyModified++
			continue
		}

		remoteTags := e.mapper.RemoteToLocal(snap)
		path, isExisting := existing[id]
		if !isExisting {
			p.entries = append(p.entries, mergedMessage{
				id: id, class: classNew, snapshot: snap, tags: remoteTags,
			})
			p.created++
		} else {
			p.entries = append(p.entries, mergedMessage{
				id: id, class: classUnmodified, snapshot: snap, tags: remoteTags, existingPath: path,
			})
			p.updated++
		}
	}

	return p, nil
}

// locallyModifiedRecords returns every message the local index considers
// modified since the persisted watermark. A missing watermark means
// every indexed message qualifies (e.g. after a config change that
// widens which tags are tracked).
func (e *Engine) locallyModifiedRecords(persisted *model.PersistedState) (map[model.MessageID]index.Record, error) {
	out := map[model.MessageID]index.Record{}

	if persisted.NotmuchRevision == nil {
		records, err := e.Index.MessagesSince(0)
		if err != nil {
			return nil, fmt.Errorf("syncengine: list all indexed messages: %w", err)
		}
		for _, rec := range records {
			if id, ok := idFromFilename(rec.Filename); ok {
				out[id] = rec
			}
		}
		return out, nil
	}

	records, err := e.Index.MessagesSince(*persisted.NotmuchRevision)
	if err != nil {
		return nil, fmt.Errorf("syncengine: list messages since watermark: %w", err)
	}
	for _, rec := range records {
		if id, ok := idFromFilename(rec.Filename); ok {
			out[id] = rec
		}
	}
	return out, nil
}
