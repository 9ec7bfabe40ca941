package jmapclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/yzzyx/nm-jmap-sync/internal/model"
)

// BlobSink is implemented by the cache/maildir store: it hands back a
// writer for a blob's temporary (".part") name and is told to commit or
// abort once the download finishes.
type BlobSink interface {
	OpenPart(id model.MessageID, blob model.BlobID) (io.WriteCloser, error)
	CommitPart(id model.MessageID, blob model.BlobID) error
	AbortPart(id model.MessageID, blob model.BlobID) error
}

// DownloadTask names one blob to fetch.
type DownloadTask struct {
	MessageID model.MessageID
	BlobID    model.BlobID
}

// DownloadAll fetches every task's blob into sink, using a worker pool
// bounded by the client's configured concurrency (default 8). It
// blocks until every download completes or the first unretryable error
// occurs, matching the join-barrier the engine waits on after PULL's
// download phase.
func (c *Client) DownloadAll(ctx context.Context, tasks []DownloadTask, sink BlobSink) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for _, task := range tasks {
		task := task
		g.Go(func() error {
			return c.downloadOne(gctx, task, sink)
		})
	}
	return g.Wait()
}

func (c *Client) downloadOne(ctx context.Context, task DownloadTask, sink BlobSink) error {
	return c.withRetry(ctx, "blob download", func(ctx context.Context) error {
		w, err := sink.OpenPart(task.MessageID, task.BlobID)
		if err != nil {
			return fmt.Errorf("jmapclient: open part file: %w", err)
		}

		err = c.downloadInto(ctx, task.BlobID, w)
		closeErr := w.Close()
		if err != nil {
			_ = sink.AbortPart(task.MessageID, task.BlobID)
			return err
		}
		if closeErr != nil {
			_ = sink.AbortPart(task.MessageID, task.BlobID)
			return &TransportError{Op: "blob download", Err: closeErr}
		}
		if err := sink.CommitPart(task.MessageID, task.BlobID); err != nil {
			return fmt.Errorf("jmapclient: commit downloaded blob: %w", err)
		}
		return nil
	})
}

// downloadInto streams one blob's bytes from the session's download URL
// template into w. The template is RFC 6570 level-1: each `{name}`
// placeholder is a literal substring substitution.
func (c *Client) downloadInto(ctx context.Context, blob model.BlobID, w io.Writer) error {
	url := expandDownloadURL(c.jc.Session.DownloadURL, map[string]string{
		"accountId": string(c.accountID),
		"blobId":    string(blob),
		"type":      "application/octet-stream",
		"name":      string(blob),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &TransportError{Op: "blob download", Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: "blob download", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return &AuthError{Err: fmt.Errorf("blob download: status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return &TransportError{Op: "blob download", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return &TransportError{Op: "blob download", Err: err}
	}
	return nil
}

func expandDownloadURL(template string, vars map[string]string) string {
	out := template
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}
