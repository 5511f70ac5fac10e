package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// wireEvent is the JSON form accepted from out-of-process producers. Fields
// irrelevant to the kind are ignored.
type wireEvent struct {
	Kind            Kind      `json:"kind"`
	AppName         string    `json:"app_name"`
	WindowTitle     string    `json:"window_title"`
	Keystrokes      int       `json:"keystrokes"`
	Events          int       `json:"events"`
	IdleSeconds     float64   `json:"idle_seconds"`
	Started         time.Time `json:"started"`
	DurationSeconds float64   `json:"duration_seconds"`
	Path            string    `json:"path"`
	CapturedAt      time.Time `json:"captured_at"`
}

// DecodeEvent reads one JSON event and returns its kind and typed payload.
func DecodeEvent(r io.Reader) (Kind, any, error) {
	var w wireEvent
	if err := json.NewDecoder(r).Decode(&w); err != nil {
		return "", nil, fmt.Errorf("decoding event: %w", err)
	}

	switch w.Kind {
	case KindKeyboard:
		if w.Keystrokes < 0 {
			return "", nil, errors.New("keystrokes must not be negative")
		}
		return w.Kind, KeyboardSample{AppName: w.AppName, WindowTitle: w.WindowTitle, Keystrokes: w.Keystrokes}, nil
	case KindMouse:
		if w.Events < 0 || w.IdleSeconds < 0 {
			return "", nil, errors.New("mouse counts must not be negative")
		}
		return w.Kind, MouseSample{
			AppName:     w.AppName,
			WindowTitle: w.WindowTitle,
			Events:      w.Events,
			Idle:        seconds(w.IdleSeconds),
		}, nil
	case KindWindow:
		if w.AppName == "" {
			return "", nil, errors.New("window event requires app_name")
		}
		return w.Kind, WindowFocus{
			AppName:     w.AppName,
			WindowTitle: w.WindowTitle,
			Started:     w.Started,
			Duration:    seconds(w.DurationSeconds),
		}, nil
	case KindScreenshotReady:
		if w.Path == "" {
			return "", nil, errors.New("screenshot-ready event requires path")
		}
		return w.Kind, ScreenshotReady{Path: w.Path, CapturedAt: w.CapturedAt}, nil
	default:
		return "", nil, fmt.Errorf("unknown event kind %q", w.Kind)
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
