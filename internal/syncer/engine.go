package syncer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/afero"

	"worktrace/internal/config"
	"worktrace/internal/metrics"
	"worktrace/internal/model"
	"worktrace/internal/wt"
)

// Options configures the sync engine.
type Options struct {
	BatchSize       int
	MaxAttempts     int // upload attempts per batch, including the first
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	AttemptTimeout  time.Duration
	DailyBudget     int
	DeadLetterAfter int
}

// OptionsFromConfig converts the sync section of the config file.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BatchSize:       cfg.Sync.BatchSize,
		MaxAttempts:     cfg.Sync.MaxAttempts,
		InitialBackoff:  cfg.Sync.InitialBackoff.Std(),
		MaxBackoff:      cfg.Sync.MaxBackoff.Std(),
		AttemptTimeout:  cfg.Remote.Timeout.Std(),
		DailyBudget:     cfg.Sync.DailyAPIBudget,
		DeadLetterAfter: cfg.Sync.DeadLetterAfter,
	}
}

// Engine reconciles the local store with the remote service. Rows are
// uploaded per table in insertion order, in batches of at most BatchSize,
// and marked synced only after the remote accepted their batch.
type Engine struct {
	store   wt.Store
	remote  wt.Remote
	media   wt.MediaStore
	fs      afero.Fs
	clock   wt.Clock
	logger  wt.Logger
	metrics *metrics.Metrics
	opts    Options
	budget  *budget

	// mu makes passes single-flight; a second caller waits for the first.
	mu sync.Mutex

	lastMu sync.Mutex
	last   *Result
}

// New creates an Engine. media may be nil when screenshot media is not
// uploaded; screenshot rows are then sent with their local metadata only.
func New(store wt.Store, remote wt.Remote, media wt.MediaStore, fsys afero.Fs, opts Options, clock wt.Clock, logger wt.Logger, m *metrics.Metrics) *Engine {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Engine{
		store:   store,
		remote:  remote,
		media:   media,
		fs:      fsys,
		clock:   clock,
		logger:  logger.With("component", "syncer"),
		metrics: m,
		opts:    opts,
		budget:  &budget{store: store, clock: clock, limit: opts.DailyBudget},
	}
}

// Run syncs once immediately and then every interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := e.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("sync pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ForceSync runs one pass outside the regular interval, typically at
// shutdown.
func (e *Engine) ForceSync(ctx context.Context) (*Result, error) {
	e.logger.Info("forced sync requested")
	return e.SyncOnce(ctx)
}

// LastResult returns the result of the most recent pass, or nil.
func (e *Engine) LastResult() *Result {
	e.lastMu.Lock()
	defer e.lastMu.Unlock()
	return e.last
}

// Budget reports today's request budget.
func (e *Engine) Budget(ctx context.Context) (BudgetStatus, error) {
	return e.budget.load(ctx)
}

// SyncOnce uploads every eligible row once. Failed batches stay unsynced
// and are retried on the next pass. The returned error is set for store
// faults and cancellation; remote failures are reported in the Result.
func (e *Engine) SyncOnce(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := newResult(e.clock.Now())
	err := e.syncTables(ctx, res)
	res.FinishedAt = e.clock.Now()

	e.lastMu.Lock()
	e.last = res
	e.lastMu.Unlock()

	e.metrics.SyncRun(err)
	e.recordPending(ctx)

	e.logger.Info("sync pass finished",
		"uploaded", res.Uploaded(),
		"failed", res.Failed(),
		"failures", len(res.Failures),
		"budget_exhausted", res.BudgetExhausted,
		"duration", res.FinishedAt.Sub(res.StartedAt),
	)
	return res, err
}

func (e *Engine) syncTables(ctx context.Context, res *Result) error {
	for _, table := range wt.Tables {
		rows, err := e.store.ListUnsynced(ctx, table, -1)
		if err != nil {
			return err
		}
		tr := res.Tables[table]

		for i, batch := range chunk(rows, e.opts.BatchSize) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !res.BudgetExhausted {
				exhausted, err := e.budget.exhausted(ctx)
				if err != nil {
					return err
				}
				res.BudgetExhausted = exhausted
			}
			if res.BudgetExhausted {
				tr.Skipped += len(batch)
				continue
			}

			tr.Batches++
			if err := e.syncBatch(ctx, table, i+1, batch, res); err != nil {
				return err
			}
		}
	}

	if res.BudgetExhausted {
		e.logger.Warn("daily api budget exhausted, remaining batches deferred", "limit", e.opts.DailyBudget)
	}
	return nil
}

func chunk(rows []model.Row, size int) [][]model.Row {
	var out [][]model.Row
	for len(rows) > 0 {
		n := min(size, len(rows))
		out = append(out, rows[:n])
		rows = rows[n:]
	}
	return out
}

// syncBatch uploads one batch and commits it. Only store faults and
// cancellation are returned; remote failures are recorded in res.
func (e *Engine) syncBatch(ctx context.Context, table wt.Table, n int, batch []model.Row, res *Result) error {
	tr := res.Tables[table]

	if table == wt.TableScreenshots && e.media != nil {
		var err error
		if batch, err = e.uploadMedia(ctx, n, batch, res); err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
	}

	ids := rowIDs(batch)
	attempts, err := e.retry(ctx, func(ctx context.Context) error {
		return e.remote.InsertBatch(ctx, table, batch)
	})
	if err != nil {
		var fault *storeFault
		if errors.As(err, &fault) {
			return fault.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return e.recordFailure(ctx, table, n, ids, attempts, err, res)
	}

	updated, err := e.store.MarkSynced(ctx, table, ids)
	if err != nil {
		return err
	}
	tr.Uploaded += int(updated)
	e.metrics.SyncRows(table.String(), metrics.OutcomeUploaded, int(updated))
	e.logger.Debug("batch uploaded", "table", table, "batch", n, "rows", len(ids), "attempts", attempts)

	if table == wt.TableScreenshots {
		e.purgeMedia(ctx, batch)
	}
	return nil
}

func (e *Engine) recordFailure(ctx context.Context, table wt.Table, n int, ids []string, attempts int, err error, res *Result) error {
	tr := res.Tables[table]

	if errors.Is(err, wt.ErrBudgetExhausted) {
		res.BudgetExhausted = true
		tr.Skipped += len(ids)
		tr.Batches--
		return nil
	}

	permanent := wt.IsPermanent(err)
	res.Failures = append(res.Failures, Failure{
		Table:     table,
		Batch:     n,
		IDs:       ids,
		Attempts:  attempts,
		Permanent: permanent,
		Error:     err.Error(),
	})
	tr.Failed += len(ids)
	e.metrics.SyncRows(table.String(), metrics.OutcomeFailed, len(ids))

	if !permanent {
		e.logger.Warn("batch abandoned for this pass", "table", table, "batch", n, "rows", len(ids), "attempts", attempts, "error", err)
		return nil
	}

	e.logger.Error("batch rejected by remote", "table", table, "batch", n, "rows", len(ids), "error", err)
	dead, merr := e.store.MarkRejected(ctx, table, ids, e.opts.DeadLetterAfter)
	if merr != nil {
		return merr
	}
	if dead > 0 {
		tr.DeadLettered += int(dead)
		e.metrics.SyncRows(table.String(), metrics.OutcomeDeadLettered, int(dead))
		e.logger.Warn("rows dead-lettered", "table", table, "rows", dead, "after_rejections", e.opts.DeadLetterAfter)
	}
	return nil
}

// retry runs op with exponential backoff until it succeeds, fails
// permanently or runs out of attempts. Every attempt costs one request from
// the daily budget and runs under its own timeout.
func (e *Engine) retry(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = e.opts.InitialBackoff
	eb.MaxInterval = e.opts.MaxBackoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(e.opts.MaxAttempts-1)), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		ok, err := e.budget.take(ctx)
		if err != nil {
			return backoff.Permanent(&storeFault{err: err})
		}
		if !ok {
			return backoff.Permanent(wt.ErrBudgetExhausted)
		}
		attempts++
		e.metrics.SyncRequest()

		attemptCtx := ctx
		if e.opts.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, e.opts.AttemptTimeout)
			defer cancel()
		}
		err = op(attemptCtx)
		if err != nil && wt.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	return attempts, err
}

// uploadMedia stores the media of screenshots that have not been uploaded
// yet and returns the rows that can be posted. Rows whose file vanished
// without a remote copy are deleted; rows whose upload failed are held back
// for the next pass. n is the batch number reported in failures.
func (e *Engine) uploadMedia(ctx context.Context, n int, batch []model.Row, res *Result) ([]model.Row, error) {
	tr := res.Tables[wt.TableScreenshots]
	ready := make([]model.Row, 0, len(batch))

	for _, row := range batch {
		sc := row.(*model.Screenshot)
		if sc.RemotePath != "" {
			ready = append(ready, sc)
			continue
		}

		if sc.LocalPath != "" {
			remotePath, attempts, err := e.putMedia(ctx, sc)
			switch {
			case err == nil:
				if err := e.store.SetScreenshotRemotePath(ctx, sc.ID, remotePath); err != nil {
					return nil, err
				}
				sc.RemotePath = remotePath
				ready = append(ready, sc)
				continue
			case errors.As(err, new(*storeFault)):
				return nil, errors.Unwrap(err)
			case ctx.Err() != nil:
				return nil, ctx.Err()
			case errors.Is(err, wt.ErrBudgetExhausted):
				res.BudgetExhausted = true
				tr.Skipped++
				continue
			case !errors.Is(err, fs.ErrNotExist):
				res.Failures = append(res.Failures, Failure{
					Table:     wt.TableScreenshots,
					Batch:     n,
					IDs:       []string{sc.ID},
					Attempts:  attempts,
					Permanent: wt.IsPermanent(err),
					Error:     err.Error(),
				})
				tr.Failed++
				e.metrics.SyncRows(wt.TableScreenshots.String(), metrics.OutcomeFailed, 1)
				e.logger.Warn("media upload failed", "id", sc.ID, "batch", n, "attempts", attempts, "error", err)
				if wt.IsPermanent(err) {
					dead, err := e.store.MarkRejected(ctx, wt.TableScreenshots, []string{sc.ID}, e.opts.DeadLetterAfter)
					if err != nil {
						return nil, err
					}
					tr.DeadLettered += int(dead)
				}
				continue
			}
		}

		e.logger.Warn("screenshot media missing, discarding record", "id", sc.ID, "path", sc.LocalPath)
		if err := e.store.Delete(ctx, wt.TableScreenshots, sc.ID); err != nil && !errors.Is(err, wt.ErrNotFound) {
			return nil, err
		}
		tr.Discarded++
	}
	return ready, nil
}

func (e *Engine) putMedia(ctx context.Context, sc *model.Screenshot) (string, int, error) {
	if _, err := e.fs.Stat(sc.LocalPath); err != nil {
		return "", 0, err
	}
	obj := wt.MediaObject{
		Key:         mediaKey(sc),
		ContentType: contentType(sc.LocalPath),
		Size:        sc.FileSize,
		Checksum:    sc.Checksum,
	}

	var remotePath string
	attempts, err := e.retry(ctx, func(ctx context.Context) error {
		f, err := e.fs.Open(sc.LocalPath)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer f.Close()
		remotePath, err = e.media.Put(ctx, obj, f)
		return err
	})
	return remotePath, attempts, err
}

// purgeMedia detaches uploaded screenshots from their local files and then
// deletes the files. A crash in between leaves an orphaned file, never a
// record pointing at a missing one.
func (e *Engine) purgeMedia(ctx context.Context, batch []model.Row) {
	for _, row := range batch {
		sc := row.(*model.Screenshot)
		if sc.LocalPath == "" || sc.RemotePath == "" {
			continue
		}
		if err := e.store.ClearScreenshotLocalPath(ctx, sc.ID); err != nil {
			e.logger.Warn("detaching uploaded screenshot", "id", sc.ID, "error", err)
			continue
		}
		if err := e.fs.Remove(sc.LocalPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			e.logger.Warn("removing uploaded screenshot", "path", sc.LocalPath, "error", err)
		}
	}
}

func (e *Engine) recordPending(ctx context.Context) {
	if e.metrics == nil || ctx.Err() != nil {
		return
	}
	pending, err := e.store.CountPending(ctx)
	if err != nil {
		e.logger.Warn("counting pending rows", "error", err)
		return
	}
	for table, p := range pending {
		e.metrics.SetPending(table.String(), p.Unsynced)
	}
}

// mediaKey is stable per screenshot so a retried upload overwrites.
func mediaKey(sc *model.Screenshot) string {
	return fmt.Sprintf("%s/%s%s", sc.UserID, sc.ID, strings.ToLower(filepath.Ext(sc.LocalPath)))
}

func contentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// storeFault marks a local store error raised while metering a request, so
// it is not mistaken for a remote failure.
type storeFault struct{ err error }

func (f *storeFault) Error() string { return f.err.Error() }
func (f *storeFault) Unwrap() error { return f.err }

func rowIDs(rows []model.Row) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.RowID()
	}
	return ids
}
