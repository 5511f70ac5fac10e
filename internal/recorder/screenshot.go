package recorder

import (
	"context"
	"encoding/hex"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"worktrace/internal/ingest"
	"worktrace/internal/model"
)

func (r *Recorder) handleScreenshot(ctx context.Context, ev ingest.Event) error {
	s, ok := ev.Payload.(ingest.ScreenshotReady)
	if !ok {
		return payloadError(ev)
	}
	captured := s.CapturedAt
	if captured.IsZero() {
		captured = ev.At
	}

	sc, err := r.RecordScreenshot(ctx, s.Path)
	if err != nil {
		return err
	}
	sc.CapturedAt = captured
	if err := r.store.InsertScreenshot(ctx, sc); err != nil {
		return err
	}

	if r.enforcer != nil {
		if _, err := r.enforcer.Enforce(ctx); err != nil {
			r.logger.Warn("quota enforcement after capture failed", "error", err)
		}
	}
	return nil
}

// RecordScreenshot prepares a captured file for storage: it re-encodes it
// as JPEG when a quality is configured, and checksums the result. The file
// must not change while it is read. The returned row is not yet inserted.
func (r *Recorder) RecordScreenshot(ctx context.Context, path string) (*model.Screenshot, error) {
	if _, err := r.fs.Stat(path); err != nil {
		return nil, fmt.Errorf("stat screenshot: %w", err)
	}

	if r.opts.Quality > 0 && !isJPEG(path) {
		converted, err := r.reencode(path)
		if err != nil {
			r.logger.Warn("keeping screenshot as captured", "path", path, "error", err)
		} else {
			path = converted
		}
	}

	before, err := r.fs.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat screenshot: %w", err)
	}
	sum, err := r.checksum(path)
	if err != nil {
		return nil, err
	}
	after, err := r.fs.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat screenshot: %w", err)
	}
	if after.Size() != before.Size() || !after.ModTime().Equal(before.ModTime()) {
		return nil, fmt.Errorf("screenshot %s changed while being recorded", path)
	}

	return &model.Screenshot{
		UserID:      r.opts.UserID,
		TimeEntryID: r.SessionID(),
		LocalPath:   path,
		FileSize:    after.Size(),
		Checksum:    sum,
	}, nil
}

func isJPEG(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return true
	}
	return false
}

// reencode writes path as a JPEG next to the original, removes the
// original and returns the new path.
func (r *Recorder) reencode(path string) (string, error) {
	src, err := r.fs.Open(path)
	if err != nil {
		return "", err
	}
	img, _, err := image.Decode(src)
	src.Close()
	if err != nil {
		return "", fmt.Errorf("decoding: %w", err)
	}

	dest := strings.TrimSuffix(path, filepath.Ext(path)) + ".jpg"
	out, err := r.fs.Create(dest)
	if err != nil {
		return "", err
	}
	if err := jpeg.Encode(out, img, &jpeg.Options{Quality: r.opts.Quality}); err != nil {
		out.Close()
		r.fs.Remove(dest)
		return "", fmt.Errorf("encoding: %w", err)
	}
	if err := out.Close(); err != nil {
		r.fs.Remove(dest)
		return "", err
	}
	if err := r.fs.Remove(path); err != nil {
		r.logger.Warn("removing original screenshot", "path", path, "error", err)
	}
	return dest, nil
}

func (r *Recorder) checksum(path string) (string, error) {
	f, err := r.fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening screenshot: %w", err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing screenshot: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
