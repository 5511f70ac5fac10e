package model

import "time"

// Row is a record that can be uploaded in a batch. Its JSON encoding is the
// object sent to the remote table; local bookkeeping fields are excluded.
type Row interface {
	RowID() string
}

// TimeEntryStatus is the lifecycle state of a TimeEntry.
type TimeEntryStatus string

const (
	TimeEntryActive    TimeEntryStatus = "active"
	TimeEntryCompleted TimeEntryStatus = "completed"
)

// ActivityKind classifies an ActivityLog sample.
type ActivityKind string

const (
	ActivityKeyboard    ActivityKind = "keyboard"
	ActivityMouse       ActivityKind = "mouse"
	ActivityWindowFocus ActivityKind = "window_focus"
	ActivityIdle        ActivityKind = "idle"
)

// Bookkeeping holds the local-only columns shared by every synced table.
type Bookkeeping struct {
	Seq            int64      `db:"seq" json:"-"`            // local insertion order
	Synced         bool       `db:"synced" json:"-"`         // set once the remote acknowledged the row
	RejectCount    int        `db:"reject_count" json:"-"`   // permanent rejections seen so far
	DeadLetteredAt *time.Time `db:"dead_lettered_at" json:"-"`
}

// TimeEntry is one tracked working session.
type TimeEntry struct {
	Bookkeeping
	ID        string          `db:"id" json:"id"`
	UserID    string          `db:"user_id" json:"user_id"`
	StartTime time.Time       `db:"start_time" json:"start_time"`
	EndTime   *time.Time      `db:"end_time" json:"end_time"`
	Duration  *int64          `db:"duration" json:"duration"` // seconds, end_time - start_time
	Status    TimeEntryStatus `db:"status" json:"status"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

func (e *TimeEntry) RowID() string { return e.ID }

// ActivityLog is an append-only input activity sample.
type ActivityLog struct {
	Bookkeeping
	ID             string       `db:"id" json:"id"`
	UserID         string       `db:"user_id" json:"user_id"`
	TimeEntryID    string       `db:"time_entry_id" json:"time_entry_id,omitempty"`
	AppName        string       `db:"app_name" json:"app_name"`
	WindowTitle    string       `db:"window_title" json:"window_title,omitempty"`
	ActivityKind   ActivityKind `db:"activity_kind" json:"activity_type"`
	KeystrokeCount int          `db:"keystroke_count" json:"keystroke_count"`
	MouseEvents    int          `db:"mouse_events" json:"mouse_events"`
	IdleDuration   int64        `db:"idle_duration" json:"idle_duration"` // seconds
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
}

func (l *ActivityLog) RowID() string { return l.ID }

// Screenshot is a captured media file. LocalPath is empty once the file has
// been evicted or purged after upload; RemotePath is then the only reference.
type Screenshot struct {
	Bookkeeping
	ID          string    `db:"id" json:"id"`
	UserID      string    `db:"user_id" json:"user_id"`
	TimeEntryID string    `db:"time_entry_id" json:"time_entry_id,omitempty"`
	LocalPath   string    `db:"local_path" json:"-"`
	RemotePath  string    `db:"remote_path" json:"storage_path"`
	FileSize    int64     `db:"file_size" json:"file_size"`
	Checksum    string    `db:"checksum" json:"checksum,omitempty"` // blake3, hex
	CapturedAt  time.Time `db:"captured_at" json:"captured_at"`
}

func (s *Screenshot) RowID() string { return s.ID }

// AppUsage is an append-only application focus interval.
type AppUsage struct {
	Bookkeeping
	ID          string    `db:"id" json:"id"`
	UserID      string    `db:"user_id" json:"user_id"`
	AppName     string    `db:"app_name" json:"app_name"`
	WindowTitle string    `db:"window_title" json:"window_title,omitempty"`
	StartedAt   time.Time `db:"started_at" json:"started_at"`
	Duration    int64     `db:"duration" json:"duration"` // seconds
}

func (u *AppUsage) RowID() string { return u.ID }

// DeadLetter describes a row that stopped being retried after repeated
// permanent rejections.
type DeadLetter struct {
	ID             string    `db:"id" json:"id"`
	RejectCount    int       `db:"reject_count" json:"reject_count"`
	DeadLetteredAt time.Time `db:"dead_lettered_at" json:"dead_lettered_at"`
}

// Pending counts rows awaiting upload in one table.
type Pending struct {
	Unsynced     int64 `db:"unsynced" json:"unsynced"`
	DeadLettered int64 `db:"dead_lettered" json:"dead_lettered"`
}
