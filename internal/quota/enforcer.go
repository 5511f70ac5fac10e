package quota

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/spf13/afero"

	"worktrace/internal/config"
	"worktrace/internal/metrics"
	"worktrace/internal/model"
	"worktrace/internal/wt"
)

// Options bounds local media storage.
type Options struct {
	QuotaBytes   int64
	SoftRatio    float64 // eviction stops once usage is at or below QuotaBytes*SoftRatio
	MaxFileCount int     // 0 means unbounded

	MaxFileAge      time.Duration // used by Run; 0 disables the expiry sweep
	RecordRetention time.Duration // used by Run; 0 keeps synced records forever
}

// OptionsFromConfig converts the quota section of the config file.
func OptionsFromConfig(cfg config.QuotaConfig) Options {
	return Options{
		QuotaBytes:      cfg.QuotaBytes(),
		SoftRatio:       cfg.SoftRatio,
		MaxFileCount:    cfg.MaxFileCount,
		MaxFileAge:      cfg.MaxFileAge.Std(),
		RecordRetention: cfg.RecordRetention.Std(),
	}
}

// Usage is the space taken by media files the store still references.
type Usage struct {
	Bytes     int64 `json:"bytes"`
	FileCount int   `json:"file_count"`
}

// Enforcer evicts the oldest screenshots until local media fits the quota.
// Passes are serialized; each pass works on a snapshot of the store and
// re-reads every candidate before deleting it.
type Enforcer struct {
	store   wt.Store
	fs      afero.Fs
	opts    Options
	clock   wt.Clock
	logger  wt.Logger
	metrics *metrics.Metrics

	mu sync.Mutex
}

func NewEnforcer(store wt.Store, fsys afero.Fs, opts Options, clock wt.Clock, logger wt.Logger, m *metrics.Metrics) *Enforcer {
	if opts.SoftRatio <= 0 || opts.SoftRatio > 1 {
		opts.SoftRatio = 1
	}
	return &Enforcer{
		store:   store,
		fs:      fsys,
		opts:    opts,
		clock:   clock,
		logger:  logger.With("component", "quota"),
		metrics: m,
	}
}

func (e *Enforcer) softLimit() int64 {
	return int64(float64(e.opts.QuotaBytes) * e.opts.SoftRatio)
}

func (e *Enforcer) withinLimits(u Usage) bool {
	if u.Bytes > e.softLimit() {
		return false
	}
	return e.opts.MaxFileCount <= 0 || u.FileCount <= e.opts.MaxFileCount
}

// Usage sums the sizes of screenshots that still reference a local file.
func (e *Enforcer) Usage(ctx context.Context) (Usage, error) {
	files, err := e.store.ListScreenshotFiles(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("listing screenshot files: %w", err)
	}
	return usageOf(files), nil
}

func usageOf(files []*model.Screenshot) Usage {
	u := Usage{FileCount: len(files)}
	for _, f := range files {
		u.Bytes += f.FileSize
	}
	return u
}

// Enforce evicts oldest-first while usage is above the soft limit or the
// file count is above MaxFileCount. It returns the number of screenshots
// evicted.
func (e *Enforcer) Enforce(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	files, err := e.store.ListScreenshotFiles(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing screenshot files: %w", err)
	}
	usage := usageOf(files)
	if e.withinLimits(usage) {
		e.metrics.SetMediaUsage(usage.FileCount, usage.Bytes)
		return 0, nil
	}

	start := usage
	evicted := 0
	var freed int64
	for _, sc := range files {
		if e.withinLimits(usage) {
			break
		}
		if err := ctx.Err(); err != nil {
			return evicted, err
		}

		ok, err := e.evict(ctx, sc)
		if err != nil {
			e.logger.Warn("skipping eviction candidate", "id", sc.ID, "path", sc.LocalPath, "error", err)
			continue
		}
		usage.Bytes -= sc.FileSize
		usage.FileCount--
		if ok {
			evicted++
			freed += sc.FileSize
		}
	}

	e.metrics.Evicted(evicted, freed)
	e.metrics.SetMediaUsage(usage.FileCount, usage.Bytes)
	e.logger.Info("quota enforced",
		"evicted", evicted,
		"freed_bytes", freed,
		"before_bytes", start.Bytes,
		"after_bytes", usage.Bytes,
		"soft_limit_bytes", e.softLimit(),
	)
	return evicted, nil
}

// SweepExpired evicts every screenshot captured more than maxAge ago,
// whatever the quota state.
func (e *Enforcer) SweepExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	files, err := e.store.ListScreenshotFiles(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing screenshot files: %w", err)
	}

	cutoff := e.clock.Now().Add(-maxAge)
	evicted := 0
	var freed int64
	for _, sc := range files {
		if !sc.CapturedAt.Before(cutoff) {
			break
		}
		if err := ctx.Err(); err != nil {
			return evicted, err
		}
		ok, err := e.evict(ctx, sc)
		if err != nil {
			e.logger.Warn("skipping expired screenshot", "id", sc.ID, "path", sc.LocalPath, "error", err)
			continue
		}
		if ok {
			evicted++
			freed += sc.FileSize
		}
	}

	if evicted > 0 {
		e.metrics.Evicted(evicted, freed)
		e.logger.Info("expired screenshots swept", "evicted", evicted, "freed_bytes", freed, "max_age", maxAge)
	}
	return evicted, nil
}

// evict deletes the file of sc and then detaches or deletes its record.
// Screenshots whose media already reached the remote keep their row with
// only the remote path; the rest are deleted. It returns false without an
// error when the row changed or disappeared since the snapshot.
func (e *Enforcer) evict(ctx context.Context, sc *model.Screenshot) (bool, error) {
	cur, err := e.store.GetScreenshot(ctx, sc.ID)
	if err != nil {
		return false, err
	}
	if cur == nil || cur.LocalPath == "" || cur.LocalPath != sc.LocalPath {
		return false, nil
	}

	if err := e.fs.Remove(cur.LocalPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("removing %s: %w", cur.LocalPath, err)
	}

	if cur.RemotePath != "" {
		err = e.store.ClearScreenshotLocalPath(ctx, cur.ID)
	} else {
		err = e.store.Delete(ctx, wt.TableScreenshots, cur.ID)
	}
	if err != nil && !errors.Is(err, wt.ErrNotFound) {
		return false, fmt.Errorf("purging record %s: %w", cur.ID, err)
	}
	return true, nil
}

// PruneSynced deletes synced records older than retention.
func (e *Enforcer) PruneSynced(ctx context.Context, retention time.Duration) (map[wt.Table]int64, error) {
	pruned, err := e.store.PruneSynced(ctx, e.clock.Now().Add(-retention))
	if err != nil {
		return nil, fmt.Errorf("pruning synced records: %w", err)
	}
	var total int64
	for _, n := range pruned {
		total += n
	}
	if total > 0 {
		e.logger.Info("synced records pruned", "rows", total, "retention", retention)
	}
	return pruned, nil
}

// Run performs a full pass every interval until ctx is done: quota
// enforcement, the expiry sweep and record retention. Failures are logged
// and the loop carries on.
func (e *Enforcer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		e.pass(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Enforcer) pass(ctx context.Context) {
	if _, err := e.Enforce(ctx); err != nil && ctx.Err() == nil {
		e.logger.Error("quota enforcement failed", "error", err)
	}
	if e.opts.MaxFileAge > 0 {
		if _, err := e.SweepExpired(ctx, e.opts.MaxFileAge); err != nil && ctx.Err() == nil {
			e.logger.Error("expiry sweep failed", "error", err)
		}
	}
	if e.opts.RecordRetention > 0 {
		if _, err := e.PruneSynced(ctx, e.opts.RecordRetention); err != nil && ctx.Err() == nil {
			e.logger.Error("record retention failed", "error", err)
		}
	}
}
