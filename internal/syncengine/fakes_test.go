package syncengine

import (
	"context"
	"fmt"
	"sort"

	"github.com/yzzyx/nm-jmap-sync/internal/index"
	"github.com/yzzyx/nm-jmap-sync/internal/jmapclient"
	"github.com/yzzyx/nm-jmap-sync/internal/model"
)

// fakeClient is an in-memory stand-in for Client, driven entirely by the
// scenario each test sets up.
type fakeClient struct {
	mailboxes []model.Mailbox
	snapshots map[model.MessageID]model.RemoteSnapshot
	destroyed []model.MessageID

	// changes, if non-nil, is returned verbatim by every Changes call.
	changes    *jmapclient.Changes
	changesErr error

	setCalls []map[model.MessageID]jmapclient.EmailPatch
	rejected map[model.MessageID]error
	setErr   error

	createdMailboxes []string
	nextMailboxID    int
}

func (f *fakeClient) Changes(ctx context.Context, since string) (jmapclient.Changes, error) {
	if f.changesErr != nil {
		return jmapclient.Changes{}, f.changesErr
	}
	if f.changes != nil {
		return *f.changes, nil
	}
	return jmapclient.Changes{}, nil
}

func (f *fakeClient) QueryAll(ctx context.Context) ([]model.MessageID, error) {
	ids := make([]model.MessageID, 0, len(f.snapshots))
	for id := range f.snapshots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *fakeClient) Get(ctx context.Context, ids []model.MessageID) (jmapclient.GetResult, error) {
	out := jmapclient.GetResult{Snapshots: make(map[model.MessageID]model.RemoteSnapshot, len(ids)), NewState: "state-1"}
	for _, id := range ids {
		if snap, ok := f.snapshots[id]; ok {
			out.Snapshots[id] = snap
		}
	}
	return out, nil
}

func (f *fakeClient) Mailboxes(ctx context.Context) ([]model.Mailbox, error) {
	return f.mailboxes, nil
}

func (f *fakeClient) DownloadAll(ctx context.Context, tasks []jmapclient.DownloadTask, sink jmapclient.BlobSink) error {
	for _, task := range tasks {
		w, err := sink.OpenPart(task.MessageID, task.BlobID)
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte("From: a@example.com\r\nTo: b@example.com\r\n\r\nbody")); err != nil {
			_ = w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
		if err := sink.CommitPart(task.MessageID, task.BlobID); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeClient) SetEmail(ctx context.Context, updates map[model.MessageID]jmapclient.EmailPatch) (map[model.MessageID]error, error) {
	f.setCalls = append(f.setCalls, updates)
	if f.setErr != nil {
		return nil, f.setErr
	}
	return f.rejected, nil
}

func (f *fakeClient) CreateMailbox(ctx context.Context, name string, parent model.MailboxID) (model.MailboxID, error) {
	f.nextMailboxID++
	id := model.MailboxID(fmt.Sprintf("created-%d", f.nextMailboxID))
	f.createdMailboxes = append(f.createdMailboxes, name)
	f.mailboxes = append(f.mailboxes, model.Mailbox{ID: id, Name: name, ParentID: parent})
	return id, nil
}

// fakeIndex is an in-memory stand-in for Index.
type fakeIndex struct {
	revision  uint64
	records   map[model.MessageID]index.Record // by filename-derived id
	tags      map[string][]string              // filename -> tags
	modified  map[model.MessageID]bool
	added     []string
	removed   []string
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		records: map[model.MessageID]index.Record{},
		tags:    map[string][]string{},
	}
}

func (f *fakeIndex) Revision() (uint64, error) { return f.revision, nil }

func (f *fakeIndex) MessagesSince(watermark uint64) ([]index.Record, error) {
	var out []index.Record
	for id, rec := range f.records {
		if f.modified[id] || watermark == 0 {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeIndex) TagsByFilename(filename string) ([]string, error) {
	return f.tags[filename], nil
}

func (f *fakeIndex) SetTags(filename string, wanted []string) error {
	f.tags[filename] = append([]string{}, wanted...)
	return nil
}

func (f *fakeIndex) AddFile(filename string, tags []string) (string, error) {
	f.added = append(f.added, filename)
	f.tags[filename] = append([]string{}, tags...)
	return filename, nil
}

func (f *fakeIndex) RemoveFile(filename string) error {
	f.removed = append(f.removed, filename)
	return nil
}
