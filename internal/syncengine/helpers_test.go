package syncengine

import (
	"errors"
	"testing"

	"github.com/yzzyx/nm-jmap-sync/internal/config"
	"github.com/yzzyx/nm-jmap-sync/internal/index"
	"github.com/yzzyx/nm-jmap-sync/internal/model"
	"github.com/yzzyx/nm-jmap-sync/internal/statestore"
)

var errReject = errors.New("server rejected this patch")

func indexRecord(filename string, tags []string) index.Record {
	return index.Record{Filename: filename, Tags: tags}
}

func writeState(t *testing.T, cfg *config.Config, jmapState string, revision uint64) {
	t.Helper()
	if err := statestore.Save(cfg.StateFilePath(), &model.PersistedState{
		JMAPState:       &jmapState,
		NotmuchRevision: &revision,
	}); err != nil {
		t.Fatalf("writeState: %s", err)
	}
}
