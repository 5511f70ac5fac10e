package wt

import (
	"context"
	"io"

	"worktrace/internal/model"
)

// Remote is the remote service receiving batches of rows.
type Remote interface {
	// InsertBatch uploads rows to the remote table in one request. A nil
	// error means every row was accepted. Non-2xx responses are returned as
	// *RemoteError. Re-sending an accepted row must be harmless.
	InsertBatch(ctx context.Context, table Table, rows []model.Row) error
}

// MediaObject describes a media file being uploaded.
type MediaObject struct {
	Key         string // owner/id.ext, stable across retries
	ContentType string
	Size        int64
	Checksum    string
}

// MediaStore stores screenshot media remotely.
type MediaStore interface {
	// Put uploads size bytes read from r and returns the remote path the
	// media is reachable under. Uploading the same key twice overwrites.
	Put(ctx context.Context, obj MediaObject, r io.Reader) (string, error)
}
