package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/afero"

	"worktrace/internal/ingest"
	"worktrace/internal/model"
	"worktrace/internal/wt"
)

// Enforcer is the part of the quota enforcer the recorder triggers after
// storing new media.
type Enforcer interface {
	Enforce(ctx context.Context) (int, error)
}

// Options configures a Recorder.
type Options struct {
	UserID  string
	Quality int // JPEG quality for re-encoded screenshots; 0 keeps files as captured
}

// Recorder turns queued producer events into store rows. It also owns the
// active time entry that activity rows are attached to.
type Recorder struct {
	store    wt.Store
	fs       afero.Fs
	enforcer Enforcer
	clock    wt.Clock
	logger   wt.Logger
	opts     Options

	mu      sync.Mutex
	session *model.TimeEntry
}

// New creates a Recorder. enforcer may be nil.
func New(store wt.Store, fsys afero.Fs, enforcer Enforcer, opts Options, clock wt.Clock, logger wt.Logger) *Recorder {
	return &Recorder{
		store:    store,
		fs:       fsys,
		enforcer: enforcer,
		clock:    clock,
		logger:   logger.With("component", "recorder"),
		opts:     opts,
	}
}

// Register installs the recorder's handlers on q.
func (r *Recorder) Register(q *ingest.Queue) {
	q.Register(ingest.KindKeyboard, ingest.HandlerFunc(r.handleKeyboard))
	q.Register(ingest.KindMouse, ingest.HandlerFunc(r.handleMouse))
	q.Register(ingest.KindWindow, ingest.HandlerFunc(r.handleWindow))
	q.Register(ingest.KindScreenshotReady, ingest.HandlerFunc(r.handleScreenshot))
}

// StartSession opens an active time entry, or returns the one already open.
func (r *Recorder) StartSession(ctx context.Context) (*model.TimeEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session != nil {
		return r.session, nil
	}
	now := r.clock.Now()
	e := &model.TimeEntry{
		UserID:    r.opts.UserID,
		StartTime: now,
		Status:    model.TimeEntryActive,
		CreatedAt: now,
	}
	if err := r.store.InsertTimeEntry(ctx, e); err != nil {
		return nil, fmt.Errorf("starting session: %w", err)
	}
	r.session = e
	r.logger.Info("session started", "time_entry_id", e.ID)
	return e, nil
}

// StopSession completes the active time entry. It is a no-op when no
// session is open.
func (r *Recorder) StopSession(ctx context.Context) (*model.TimeEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session == nil {
		return nil, nil
	}
	done, err := r.store.CompleteTimeEntry(ctx, r.session.ID, r.clock.Now())
	if err != nil && !errors.Is(err, wt.ErrAlreadyCompleted) {
		return nil, fmt.Errorf("stopping session: %w", err)
	}
	r.session = nil
	if done != nil {
		r.logger.Info("session stopped", "time_entry_id", done.ID, "duration_s", *done.Duration)
	}
	return done, nil
}

// SessionID returns the id of the active time entry, or "".
func (r *Recorder) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return ""
	}
	return r.session.ID
}

func (r *Recorder) handleKeyboard(ctx context.Context, ev ingest.Event) error {
	s, ok := ev.Payload.(ingest.KeyboardSample)
	if !ok {
		return payloadError(ev)
	}
	return r.store.InsertActivityLog(ctx, &model.ActivityLog{
		UserID:         r.opts.UserID,
		TimeEntryID:    r.SessionID(),
		AppName:        s.AppName,
		WindowTitle:    s.WindowTitle,
		ActivityKind:   model.ActivityKeyboard,
		KeystrokeCount: s.Keystrokes,
		CreatedAt:      ev.At,
	})
}

func (r *Recorder) handleMouse(ctx context.Context, ev ingest.Event) error {
	s, ok := ev.Payload.(ingest.MouseSample)
	if !ok {
		return payloadError(ev)
	}
	kind := model.ActivityMouse
	if s.Events == 0 && s.Idle > 0 {
		kind = model.ActivityIdle
	}
	return r.store.InsertActivityLog(ctx, &model.ActivityLog{
		UserID:       r.opts.UserID,
		TimeEntryID:  r.SessionID(),
		AppName:      s.AppName,
		WindowTitle:  s.WindowTitle,
		ActivityKind: kind,
		MouseEvents:  s.Events,
		IdleDuration: int64(s.Idle / time.Second),
		CreatedAt:    ev.At,
	})
}

// handleWindow records the focus change as activity and the finished focus
// interval as app usage.
func (r *Recorder) handleWindow(ctx context.Context, ev ingest.Event) error {
	w, ok := ev.Payload.(ingest.WindowFocus)
	if !ok {
		return payloadError(ev)
	}
	if err := r.store.InsertActivityLog(ctx, &model.ActivityLog{
		UserID:       r.opts.UserID,
		TimeEntryID:  r.SessionID(),
		AppName:      w.AppName,
		WindowTitle:  w.WindowTitle,
		ActivityKind: model.ActivityWindowFocus,
		CreatedAt:    ev.At,
	}); err != nil {
		return err
	}
	if w.Duration <= 0 {
		return nil
	}
	started := w.Started
	if started.IsZero() {
		started = ev.At.Add(-w.Duration)
	}
	return r.store.InsertAppUsage(ctx, &model.AppUsage{
		UserID:      r.opts.UserID,
		AppName:     w.AppName,
		WindowTitle: w.WindowTitle,
		StartedAt:   started,
		Duration:    int64(w.Duration / time.Second),
	})
}

func payloadError(ev ingest.Event) error {
	return fmt.Errorf("unexpected payload %T for %s event", ev.Payload, ev.Kind)
}
