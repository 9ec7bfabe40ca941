package syncengine

import (
	"fmt"
	"path/filepath"

	"github.com/yzzyx/nm-jmap-sync/internal/model"
	"github.com/yzzyx/nm-jmap-sync/internal/tagmap"
)

// apply runs strictly after push: for each updated message, promote its
// cached blob, index it if new, and write its merged tag set; for each
// destroyed message, remove its file and index entry. A message whose
// push was rejected is skipped entirely: its maildir file and index tags
// are left as they were. COMMIT still advances the revision watermark
// past it, so the next run does not push it again unless it is modified
// again.
func (e *Engine) apply(p *plan, destroyed []model.MessageID, rejected map[model.MessageID]error) error {
	for _, msg := range p.entries {
		if _, wasRejected := rejected[msg.id]; wasRejected {
			continue
		}
		if err := e.applyMessage(msg); err != nil {
			return fmt.Errorf("syncengine: apply %s: %w", msg.id, err)
		}
	}

	for _, id := range destroyed {
		if err := e.applyDestroyed(id); err != nil {
			return fmt.Errorf("syncengine: apply destroy %s: %w", id, err)
		}
	}

	return nil
}

func (e *Engine) applyMessage(msg mergedMessage) error {
	switch msg.class {
	case classLocallyModified:
		// Never overwrite a locally-modified message's tags with the
		// remote-derived set. If the remote blob id also changed (the
		// message's content was replaced server-side while we retagged
		// it locally), PULL already downloaded it into the cache on the
		// chance it was needed; since the locally-modified tag set wins
		// and the old maildir file is kept as-is, that cached blob was
		// never needed and would sit there forever otherwise.
		if err := e.Store.Discard(msg.id, msg.snapshot.BlobID); err != nil {
			return fmt.Errorf("discard unneeded cached blob: %w", err)
		}
		return nil

	case classNew:
		if e.Config.ConvertDOSToUnix {
			if err := e.Store.NormalizeLineEndings(msg.id, msg.snapshot.BlobID); err != nil {
				e.Logger.Printf("syncengine: normalize line endings for %s: %s", msg.id, err)
			}
		}
		flags := tagmap.FlagsForTags(msg.tags)
		path, err := e.Store.Promote(msg.id, msg.snapshot.BlobID, flags)
		if err != nil {
			return fmt.Errorf("promote: %w", err)
		}
		if _, err := e.Index.AddFile(path, filterNonAutomatic(msg.tags)); err != nil {
			return fmt.Errorf("add to index: %w", err)
		}
		return nil

	case classUnmodified:
		return e.applyUnmodified(msg)

	default:
		return fmt.Errorf("unknown classification %d", msg.class)
	}
}

func (e *Engine) applyUnmodified(msg mergedMessage) error {
	_, curBlob, curFlags, ok := model.ParseFilename(filepath.Base(msg.existingPath))
	if !ok {
		return fmt.Errorf("unmanaged filename %q", msg.existingPath)
	}

	if curBlob != msg.snapshot.BlobID {
		// The message's canonical bytes changed server-side; the old
		// file is replaced outright rather than renamed in place.
		if err := e.Index.RemoveFile(msg.existingPath); err != nil {
			return fmt.Errorf("remove stale index entry: %w", err)
		}
		if err := e.Store.Remove(msg.existingPath); err != nil {
			return fmt.Errorf("remove stale file: %w", err)
		}
		flags := tagmap.FlagsForTags(msg.tags)
		path, err := e.Store.Promote(msg.id, msg.snapshot.BlobID, flags)
		if err != nil {
			return fmt.Errorf("promote replacement: %w", err)
		}
		if _, err := e.Index.AddFile(path, filterNonAutomatic(msg.tags)); err != nil {
			return fmt.Errorf("add replacement to index: %w", err)
		}
		return nil
	}

	desiredFlags := tagmap.FlagsForTags(msg.tags)
	path := msg.existingPath
	if curFlags != desiredFlags {
		newPath, err := e.Store.Rename(msg.id, msg.snapshot.BlobID, msg.existingPath, desiredFlags)
		if err != nil {
			return fmt.Errorf("rename for flag update: %w", err)
		}
		path = newPath
	}
	if err := e.Index.SetTags(path, filterNonAutomatic(msg.tags)); err != nil {
		return fmt.Errorf("overwrite tags: %w", err)
	}
	return nil
}

func (e *Engine) applyDestroyed(id model.MessageID) error {
	path, flags, err := e.Store.FindInMaildir(id)
	if err != nil {
		return fmt.Errorf("find destroyed message: %w", err)
	}
	_ = flags
	if path == "" {
		return nil
	}
	if err := e.Index.RemoveFile(path); err != nil {
		return fmt.Errorf("remove from index: %w", err)
	}
	if err := e.Store.Remove(path); err != nil {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}
