package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"worktrace/internal/config"
	"worktrace/internal/database"
	"worktrace/internal/encryption"
	"worktrace/internal/ingest"
	"worktrace/internal/media"
	"worktrace/internal/metrics"
	"worktrace/internal/model"
	"worktrace/internal/quota"
	"worktrace/internal/recorder"
	"worktrace/internal/remote"
	"worktrace/internal/server"
	"worktrace/internal/syncer"
	"worktrace/internal/wt"
)

const (
	defaultDrainTimeout = 10 * time.Second
	defaultFinalSync    = 30 * time.Second
)

// Agent is the application layer between the CLI and the components. It
// constructs every dependency from config, runs the background loops and
// owns the store and log file lifecycles.
type Agent struct {
	cfg       *config.Config
	op        *Operation
	clock     wt.Clock
	logger    wt.Logger
	logFile   io.Closer
	store     *database.SQLiteStore
	registry  *prometheus.Registry
	queue     *ingest.Queue
	recorder  *recorder.Recorder
	enforcer  *quota.Enforcer
	syncer    *syncer.Engine
	server    *server.Server

	drainTimeout time.Duration
	finalSync    time.Duration
}

// NewAgent creates a fully wired Agent from the given config. command
// identifies the CLI command being run (e.g. "run", "sync"). The caller must
// call Close when done.
func NewAgent(ctx context.Context, cfg *config.Config, command string) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	clock := wt.RealClock{}
	op := NewOperation(command, clock)

	slogger, logFile, err := newLogger(cfg, op.ID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	a, err := newAgent(ctx, cfg, op, clock, logger)
	if err != nil {
		logFile.Close()
		return nil, err
	}
	a.logFile = logFile
	return a, nil
}

func newAgent(ctx context.Context, cfg *config.Config, op *Operation, clock wt.Clock, logger wt.Logger) (*Agent, error) {
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil && !errors.Is(err, encryption.ErrDisabled) {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	// Per-attempt deadlines come from the sync engine's contexts.
	httpClient := &http.Client{}

	rem, err := remote.NewRemoteFromConfig(cfg.Remote, httpClient)
	if err != nil {
		return nil, fmt.Errorf("creating remote: %w", err)
	}

	mediaStore, err := media.NewMediaStoreFromConfig(ctx, cfg, httpClient, enc)
	if err != nil {
		return nil, fmt.Errorf("creating media store: %w", err)
	}

	store, err := database.NewStoreFromConfig(cfg.Database, clock, wt.UUIDGenerator{})
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	if err := store.CheckMigrations(); err != nil {
		store.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(registry)

	fsys := afero.NewOsFs()
	enforcer := quota.NewEnforcer(store, fsys, quota.OptionsFromConfig(cfg.Quota), clock, logger, m)
	queue := ingest.New(cfg.Queue.Capacity, cfg.Queue.HighWater, clock, logger, m)
	rec := recorder.New(store, fsys, enforcer, recorder.Options{
		UserID:  cfg.UserID,
		Quality: cfg.Capture.Quality,
	}, clock, logger)
	rec.Register(queue)
	engine := syncer.New(store, rem, mediaStore, fsys, syncer.OptionsFromConfig(cfg), clock, logger, m)

	a := &Agent{
		cfg:          cfg,
		op:           op,
		clock:        clock,
		logger:       logger,
		store:        store,
		registry:     registry,
		queue:        queue,
		recorder:     rec,
		enforcer:     enforcer,
		syncer:       engine,
		drainTimeout: defaultDrainTimeout,
		finalSync:    defaultFinalSync,
	}
	a.server = server.New(a, queue, registry, cfg.Server.PushInterval.Std(), logger)
	return a, nil
}

// Run opens a session and runs the ingestion, quota, sync and server loops
// until ctx is done or one of them fails. On the way out it stops intake,
// drains queued events, completes the session and runs a last sync bounded
// by a timeout.
func (a *Agent) Run(ctx context.Context) error {
	if _, err := a.recorder.StartSession(ctx); err != nil {
		return err
	}

	// The queue outlives ctx so that events accepted before shutdown are
	// still recorded.
	queueCtx, cancelQueue := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelQueue()
	queueDone := make(chan error, 1)
	go func() { queueDone <- a.queue.Run(queueCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(a.enforcer.Run(gctx, a.cfg.Quota.Interval.Std()))
	})
	g.Go(func() error {
		return ignoreCanceled(a.syncer.Run(gctx, a.cfg.Sync.Interval.Std()))
	})
	if a.cfg.Server.Enabled {
		g.Go(func() error {
			return a.server.ListenAndServe(gctx, a.cfg.Server.Addr)
		})
	}
	a.logger.Info("agent running", "user_id", a.cfg.UserID, "server", a.cfg.Server.Enabled)

	loopErr := g.Wait()
	if loopErr != nil {
		a.logger.Error("agent loop failed", "error", loopErr)
	}
	a.logger.Info("shutting down")

	a.queue.Close()
	select {
	case <-queueDone:
	case <-time.After(a.drainTimeout):
		a.logger.Warn("queue drain timed out", "depth", a.queue.Stats().Depth)
		cancelQueue()
		<-queueDone
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.finalSync)
	defer cancel()

	if _, err := a.recorder.StopSession(shutdownCtx); err != nil {
		a.logger.Error("stopping session", "error", err)
	}
	if res, err := a.syncer.ForceSync(shutdownCtx); err != nil {
		a.logger.Warn("final sync incomplete", "error", err)
	} else {
		a.logger.Info("final sync finished", "uploaded", res.Uploaded(), "failed", res.Failed())
	}
	return loopErr
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Snapshot implements server.Source.
func (a *Agent) Snapshot(ctx context.Context) (*server.Snapshot, error) {
	usage, err := a.enforcer.Usage(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := a.store.CountPending(ctx)
	if err != nil {
		return nil, err
	}
	budget, err := a.syncer.Budget(ctx)
	if err != nil {
		return nil, err
	}
	return &server.Snapshot{
		Time:      a.clock.Now().UTC(),
		SessionID: a.recorder.SessionID(),
		Queue:     a.queue.Stats(),
		Storage:   usage,
		Pending:   pending,
		Budget:    budget,
		LastSync:  a.syncer.LastResult(),
	}, nil
}

// Submit hands a producer event to the ingestion queue.
func (a *Agent) Submit(kind ingest.Kind, payload any) bool {
	return a.queue.Submit(kind, payload)
}

// SyncOnce runs a single sync pass.
func (a *Agent) SyncOnce(ctx context.Context) (*syncer.Result, error) {
	return a.syncer.SyncOnce(ctx)
}

// EnforceQuota runs quota enforcement once and returns the number of files
// evicted.
func (a *Agent) EnforceQuota(ctx context.Context) (int, error) {
	return a.enforcer.Enforce(ctx)
}

// SweepExpired evicts media older than the configured max file age.
func (a *Agent) SweepExpired(ctx context.Context) (int, error) {
	return a.enforcer.SweepExpired(ctx, a.cfg.Quota.MaxFileAge.Std())
}

// DeadLetters returns dead-lettered rows per table; tables without any are
// omitted.
func (a *Agent) DeadLetters(ctx context.Context) (map[wt.Table][]model.DeadLetter, error) {
	out := make(map[wt.Table][]model.DeadLetter)
	for _, table := range wt.Tables {
		rows, err := a.store.ListDeadLettered(ctx, table)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			out[table] = rows
		}
	}
	return out, nil
}

// Requeue clears dead-letter state in the given tables, or in every table
// when none are given.
func (a *Agent) Requeue(ctx context.Context, tables ...wt.Table) (int64, error) {
	if len(tables) == 0 {
		tables = wt.Tables
	}
	var total int64
	for _, table := range tables {
		if !table.Valid() {
			return total, fmt.Errorf("unknown table %q", table)
		}
		n, err := a.store.Requeue(ctx, table)
		if err != nil {
			return total, err
		}
		total += n
	}
	a.logger.Info("dead letters requeued", "rows", total)
	return total, nil
}

// Schema returns the store's schema, headed by its migration version.
func (a *Agent) Schema(ctx context.Context) (string, error) {
	st, err := a.store.SchemaStatus()
	if err != nil {
		return "", err
	}
	ddl, err := a.store.Schema(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("-- schema version %d of %d\n\n%s", st.Version, st.Latest, ddl), nil
}

// Backup writes a snapshot of the store to path.
func (a *Agent) Backup(path string) error {
	if err := a.store.BackupTo(path); err != nil {
		return err
	}
	a.logger.Info("store backed up", "path", path)
	return nil
}

// StorePath returns the store file, or ":memory:".
func (a *Agent) StorePath() string {
	return a.store.Path()
}

// Close closes the store and the log file.
func (a *Agent) Close() error {
	var firstErr error
	if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}

	elapsed := a.op.Finish(firstErr, a.clock.Now())
	a.logger.Info("operation finished", "command", a.op.Command, "status", a.op.Status, "elapsed", elapsed)

	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
