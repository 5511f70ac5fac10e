package wt

import (
	"context"
	"time"

	"worktrace/internal/model"
)

// Store is the durable local store. It is the only authority on whether a
// record has been captured. Every mutating method runs in its own
// transaction; write errors are returned to the caller and never retried.
type Store interface {
	// InsertTimeEntry, InsertActivityLog, InsertScreenshot and InsertAppUsage
	// persist a new unsynced row. An empty ID is filled in locally.
	InsertTimeEntry(ctx context.Context, e *model.TimeEntry) error
	InsertActivityLog(ctx context.Context, l *model.ActivityLog) error
	InsertScreenshot(ctx context.Context, s *model.Screenshot) error
	InsertAppUsage(ctx context.Context, u *model.AppUsage) error

	// CompleteTimeEntry closes an active entry, setting end_time once and
	// duration to end_time - start_time. Returns ErrAlreadyCompleted when
	// the entry was already closed.
	CompleteTimeEntry(ctx context.Context, id string, end time.Time) (*model.TimeEntry, error)

	// GetTimeEntry returns nil, nil when the entry does not exist.
	GetTimeEntry(ctx context.Context, id string) (*model.TimeEntry, error)

	// ListUnsynced returns up to limit unsynced, non-dead-lettered rows of a
	// table, oldest insertion first. A negative limit returns every eligible
	// row. Active time entries are not eligible.
	ListUnsynced(ctx context.Context, table Table, limit int) ([]model.Row, error)

	// MarkSynced flips synced for the given ids, all or nothing, and returns
	// the number of rows that changed.
	MarkSynced(ctx context.Context, table Table, ids []string) (int64, error)

	// MarkRejected counts a permanent rejection against each id. Rows that
	// reach deadLetterAfter rejections are dead-lettered; the number of
	// newly dead-lettered rows is returned. deadLetterAfter <= 0 disables
	// dead-lettering.
	MarkRejected(ctx context.Context, table Table, ids []string, deadLetterAfter int) (int64, error)

	// ListDeadLettered returns dead-lettered rows of a table.
	ListDeadLettered(ctx context.Context, table Table) ([]model.DeadLetter, error)

	// Requeue clears the dead-letter state of every row in a table so it is
	// retried on the next cycle.
	Requeue(ctx context.Context, table Table) (int64, error)

	// Delete removes a row. Returns ErrNotFound when no row matched.
	Delete(ctx context.Context, table Table, id string) error

	// GetScreenshot returns nil, nil when the screenshot does not exist.
	GetScreenshot(ctx context.Context, id string) (*model.Screenshot, error)

	// ListScreenshotFiles returns screenshots that still reference a local
	// file, ordered by capture time then insertion order.
	ListScreenshotFiles(ctx context.Context) ([]*model.Screenshot, error)

	// SetScreenshotRemotePath records where the media was stored remotely.
	SetScreenshotRemotePath(ctx context.Context, id, remotePath string) error

	// ClearScreenshotLocalPath detaches a screenshot from its local file.
	ClearScreenshotLocalPath(ctx context.Context, id string) error

	// PruneSynced deletes synced rows older than before: activity logs, app
	// usage, completed time entries and screenshots without a local file.
	PruneSynced(ctx context.Context, before time.Time) (map[Table]int64, error)

	// CountPending returns unsynced and dead-lettered counts per table.
	CountPending(ctx context.Context) (map[Table]model.Pending, error)

	// GetSetting returns the value and whether the key exists.
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error

	// BackupTo writes a consistent snapshot of the store to path.
	BackupTo(path string) error

	Close() error
}
