package ingest

import (
	"context"
	"time"
)

// Kind tags an event submitted by a producer.
type Kind string

const (
	KindKeyboard        Kind = "keyboard"
	KindMouse           Kind = "mouse"
	KindWindow          Kind = "window"
	KindScreenshotReady Kind = "screenshot-ready"
)

// Kinds lists every kind a producer may submit.
var Kinds = []Kind{KindKeyboard, KindMouse, KindWindow, KindScreenshotReady}

// Event is one queued item.
type Event struct {
	Kind    Kind
	At      time.Time
	Payload any
}

// KeyboardSample counts keystrokes in the focused application over a
// sampling window.
type KeyboardSample struct {
	AppName     string
	WindowTitle string
	Keystrokes  int
}

// MouseSample counts mouse events over a sampling window. Idle is the time
// without input preceding the sample.
type MouseSample struct {
	AppName     string
	WindowTitle string
	Events      int
	Idle        time.Duration
}

// WindowFocus reports that an application held focus for Duration starting
// at Started.
type WindowFocus struct {
	AppName     string
	WindowTitle string
	Started     time.Time
	Duration    time.Duration
}

// ScreenshotReady reports a captured file waiting to be recorded.
type ScreenshotReady struct {
	Path       string
	CapturedAt time.Time
}

// Handler processes events of the kinds it is registered for.
type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}
