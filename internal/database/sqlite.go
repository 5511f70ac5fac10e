package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"worktrace/internal/database/migrations"
	"worktrace/internal/model"
	"worktrace/internal/wt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	timeEntryColumns   = "seq, id, user_id, start_time, end_time, duration, status, synced, reject_count, dead_lettered_at, created_at"
	activityLogColumns = "seq, id, user_id, time_entry_id, app_name, window_title, activity_kind, keystroke_count, mouse_events, idle_duration, synced, reject_count, dead_lettered_at, created_at"
	screenshotColumns  = "seq, id, user_id, time_entry_id, local_path, remote_path, file_size, checksum, captured_at, synced, reject_count, dead_lettered_at"
	appUsageColumns    = "seq, id, user_id, app_name, window_title, started_at, duration, synced, reject_count, dead_lettered_at"
)

// SQLiteStore implements wt.Store on an embedded SQLite file.
type SQLiteStore struct {
	db    *sqlx.DB
	path  string
	clock wt.Clock
	idgen wt.IDGenerator
}

// NewSQLiteStore opens the store at path, applies pending migrations and adds
// any missing additive columns. path can be ":memory:".
func NewSQLiteStore(path string, clock wt.Clock, idgen wt.IDGenerator) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.MigrateUp(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating store: %w", err)
	}
	if _, err := ReconcileColumns(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("reconciling columns: %w", err)
	}

	return &SQLiteStore{db: db, path: path, clock: clock, idgen: idgen}, nil
}

// OpenConnection opens and configures a SQLite connection. A single
// connection is used so that ":memory:" stores are shared by every caller and
// writers never contend for the file lock.
func OpenConnection(path string) (*sqlx.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA synchronous = FULL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) namedInsert(ctx context.Context, query string, arg any) (int64, error) {
	var seq int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.NamedExecContext(ctx, query, arg)
		if err != nil {
			return err
		}
		seq, err = res.LastInsertId()
		return err
	})
	return seq, err
}

// Insert operations

func (s *SQLiteStore) InsertTimeEntry(ctx context.Context, e *model.TimeEntry) error {
	if e.ID == "" {
		e.ID = s.idgen.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock.Now()
	}
	if e.Status == "" {
		e.Status = model.TimeEntryActive
	}
	e.StartTime = e.StartTime.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	if e.EndTime != nil {
		end := e.EndTime.UTC()
		d, err := entryDuration(e.StartTime, end)
		if err != nil {
			return fmt.Errorf("inserting time entry: %w", err)
		}
		e.EndTime, e.Duration, e.Status = &end, &d, model.TimeEntryCompleted
	}

	seq, err := s.namedInsert(ctx, `
		INSERT INTO time_entries (id, user_id, start_time, end_time, duration, status, synced, created_at)
		VALUES (:id, :user_id, :start_time, :end_time, :duration, :status, 0, :created_at)`, e)
	if err != nil {
		return fmt.Errorf("inserting time entry: %w", err)
	}
	e.Seq, e.Synced = seq, false
	return nil
}

func (s *SQLiteStore) InsertActivityLog(ctx context.Context, l *model.ActivityLog) error {
	if l.ID == "" {
		l.ID = s.idgen.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.clock.Now()
	}
	l.CreatedAt = l.CreatedAt.UTC()

	seq, err := s.namedInsert(ctx, `
		INSERT INTO activity_logs (id, user_id, time_entry_id, app_name, window_title, activity_kind,
			keystroke_count, mouse_events, idle_duration, synced, created_at)
		VALUES (:id, :user_id, :time_entry_id, :app_name, :window_title, :activity_kind,
			:keystroke_count, :mouse_events, :idle_duration, 0, :created_at)`, l)
	if err != nil {
		return fmt.Errorf("inserting activity log: %w", err)
	}
	l.Seq, l.Synced = seq, false
	return nil
}

func (s *SQLiteStore) InsertScreenshot(ctx context.Context, sc *model.Screenshot) error {
	if sc.ID == "" {
		sc.ID = s.idgen.New()
	}
	if sc.CapturedAt.IsZero() {
		sc.CapturedAt = s.clock.Now()
	}
	sc.CapturedAt = sc.CapturedAt.UTC()

	seq, err := s.namedInsert(ctx, `
		INSERT INTO screenshots (id, user_id, time_entry_id, local_path, remote_path, file_size, checksum, captured_at, synced)
		VALUES (:id, :user_id, :time_entry_id, :local_path, :remote_path, :file_size, :checksum, :captured_at, 0)`, sc)
	if err != nil {
		return fmt.Errorf("inserting screenshot: %w", err)
	}
	sc.Seq, sc.Synced = seq, false
	return nil
}

func (s *SQLiteStore) InsertAppUsage(ctx context.Context, u *model.AppUsage) error {
	if u.ID == "" {
		u.ID = s.idgen.New()
	}
	if u.StartedAt.IsZero() {
		u.StartedAt = s.clock.Now()
	}
	u.StartedAt = u.StartedAt.UTC()

	seq, err := s.namedInsert(ctx, `
		INSERT INTO app_usage (id, user_id, app_name, window_title, started_at, duration, synced)
		VALUES (:id, :user_id, :app_name, :window_title, :started_at, :duration, 0)`, u)
	if err != nil {
		return fmt.Errorf("inserting app usage: %w", err)
	}
	u.Seq, u.Synced = seq, false
	return nil
}

// Time entry operations

func (s *SQLiteStore) GetTimeEntry(ctx context.Context, id string) (*model.TimeEntry, error) {
	var e model.TimeEntry
	err := s.db.GetContext(ctx, &e, "SELECT "+timeEntryColumns+" FROM time_entries WHERE id = ?", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting time entry: %w", err)
	}
	return &e, nil
}

func (s *SQLiteStore) CompleteTimeEntry(ctx context.Context, id string, end time.Time) (*model.TimeEntry, error) {
	var e model.TimeEntry
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &e, "SELECT "+timeEntryColumns+" FROM time_entries WHERE id = ?", id)
		if errors.Is(err, sql.ErrNoRows) {
			return wt.ErrNotFound
		}
		if err != nil {
			return err
		}
		if e.Status == model.TimeEntryCompleted {
			return wt.ErrAlreadyCompleted
		}

		end = end.UTC()
		d, err := entryDuration(e.StartTime, end)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE time_entries SET end_time = ?, duration = ?, status = ? WHERE id = ? AND status = ?",
			end, d, model.TimeEntryCompleted, id, model.TimeEntryActive); err != nil {
			return err
		}
		e.EndTime, e.Duration, e.Status = &end, &d, model.TimeEntryCompleted
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("completing time entry %s: %w", id, err)
	}
	return &e, nil
}

// entryDuration is end-start in whole seconds. An end before the start is
// rejected.
func entryDuration(start, end time.Time) (int64, error) {
	if end.Before(start) {
		return 0, fmt.Errorf("end time %s is before start time %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return int64(end.Sub(start) / time.Second), nil
}

// Sync operations

func (s *SQLiteStore) ListUnsynced(ctx context.Context, table wt.Table, limit int) ([]model.Row, error) {
	where := "synced = 0 AND dead_lettered_at IS NULL"
	switch table {
	case wt.TableTimeEntries:
		var rows []*model.TimeEntry
		where += " AND status = 'completed'"
		if err := s.selectUnsynced(ctx, &rows, timeEntryColumns, table, where, limit); err != nil {
			return nil, err
		}
		return toRows(rows), nil
	case wt.TableActivityLogs:
		var rows []*model.ActivityLog
		if err := s.selectUnsynced(ctx, &rows, activityLogColumns, table, where, limit); err != nil {
			return nil, err
		}
		return toRows(rows), nil
	case wt.TableScreenshots:
		var rows []*model.Screenshot
		if err := s.selectUnsynced(ctx, &rows, screenshotColumns, table, where, limit); err != nil {
			return nil, err
		}
		return toRows(rows), nil
	case wt.TableAppUsage:
		var rows []*model.AppUsage
		if err := s.selectUnsynced(ctx, &rows, appUsageColumns, table, where, limit); err != nil {
			return nil, err
		}
		return toRows(rows), nil
	default:
		return nil, fmt.Errorf("%w: %q", wt.ErrUnknownTable, table)
	}
}

func (s *SQLiteStore) selectUnsynced(ctx context.Context, dest any, columns string, table wt.Table, where string, limit int) error {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY seq LIMIT ?", columns, table, where)
	if err := s.db.SelectContext(ctx, dest, query, limit); err != nil {
		return fmt.Errorf("listing unsynced %s: %w", table, err)
	}
	return nil
}

func toRows[T model.Row](in []T) []model.Row {
	out := make([]model.Row, len(in))
	for i, r := range in {
		out[i] = r
	}
	return out
}

func (s *SQLiteStore) MarkSynced(ctx context.Context, table wt.Table, ids []string) (int64, error) {
	if !table.Valid() {
		return 0, fmt.Errorf("%w: %q", wt.ErrUnknownTable, table)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var n int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := sqlx.In(fmt.Sprintf("UPDATE %s SET synced = 1 WHERE synced = 0 AND id IN (?)", table), ids)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("marking %d %s rows synced: %w", len(ids), table, err)
	}
	return n, nil
}

func (s *SQLiteStore) MarkRejected(ctx context.Context, table wt.Table, ids []string, deadLetterAfter int) (int64, error) {
	if !table.Valid() {
		return 0, fmt.Errorf("%w: %q", wt.ErrUnknownTable, table)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var dead int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := sqlx.In(fmt.Sprintf(
			"UPDATE %s SET reject_count = reject_count + 1 WHERE synced = 0 AND id IN (?)", table), ids)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return err
		}
		if deadLetterAfter <= 0 {
			return nil
		}

		query, args, err = sqlx.In(fmt.Sprintf(
			"UPDATE %s SET dead_lettered_at = ? WHERE synced = 0 AND dead_lettered_at IS NULL AND reject_count >= ? AND id IN (?)", table),
			s.clock.Now().UTC(), deadLetterAfter, ids)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
		if err != nil {
			return err
		}
		dead, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("recording rejection of %d %s rows: %w", len(ids), table, err)
	}
	return dead, nil
}

func (s *SQLiteStore) ListDeadLettered(ctx context.Context, table wt.Table) ([]model.DeadLetter, error) {
	if !table.Valid() {
		return nil, fmt.Errorf("%w: %q", wt.ErrUnknownTable, table)
	}
	var out []model.DeadLetter
	query := fmt.Sprintf("SELECT id, reject_count, dead_lettered_at FROM %s WHERE synced = 0 AND dead_lettered_at IS NOT NULL ORDER BY seq", table)
	if err := s.db.SelectContext(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("listing dead-lettered %s: %w", table, err)
	}
	return out, nil
}

func (s *SQLiteStore) Requeue(ctx context.Context, table wt.Table) (int64, error) {
	if !table.Valid() {
		return 0, fmt.Errorf("%w: %q", wt.ErrUnknownTable, table)
	}
	var n int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(
			"UPDATE %s SET reject_count = 0, dead_lettered_at = NULL WHERE synced = 0 AND dead_lettered_at IS NOT NULL", table))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("requeueing %s: %w", table, err)
	}
	return n, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, table wt.Table, id string) error {
	if !table.Valid() {
		return fmt.Errorf("%w: %q", wt.ErrUnknownTable, table)
	}
	return s.execOne(ctx, fmt.Sprintf("deleting %s %s", table, id),
		fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id)
}

// execOne runs a single-row statement in a transaction and returns
// wt.ErrNotFound when it matched nothing.
func (s *SQLiteStore) execOne(ctx context.Context, what, query string, args ...any) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return wt.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

// Screenshot operations

func (s *SQLiteStore) GetScreenshot(ctx context.Context, id string) (*model.Screenshot, error) {
	var sc model.Screenshot
	err := s.db.GetContext(ctx, &sc, "SELECT "+screenshotColumns+" FROM screenshots WHERE id = ?", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting screenshot: %w", err)
	}
	return &sc, nil
}

func (s *SQLiteStore) ListScreenshotFiles(ctx context.Context) ([]*model.Screenshot, error) {
	var out []*model.Screenshot
	err := s.db.SelectContext(ctx, &out,
		"SELECT "+screenshotColumns+" FROM screenshots WHERE local_path != '' ORDER BY captured_at, seq")
	if err != nil {
		return nil, fmt.Errorf("listing screenshot files: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) SetScreenshotRemotePath(ctx context.Context, id, remotePath string) error {
	return s.execOne(ctx, "setting screenshot remote path",
		"UPDATE screenshots SET remote_path = ? WHERE id = ?", remotePath, id)
}

func (s *SQLiteStore) ClearScreenshotLocalPath(ctx context.Context, id string) error {
	return s.execOne(ctx, "clearing screenshot local path",
		"UPDATE screenshots SET local_path = '' WHERE id = ?", id)
}

// Maintenance operations

func (s *SQLiteStore) PruneSynced(ctx context.Context, before time.Time) (map[wt.Table]int64, error) {
	before = before.UTC()
	statements := []struct {
		table wt.Table
		query string
	}{
		{wt.TableActivityLogs, "DELETE FROM activity_logs WHERE synced = 1 AND created_at < ?"},
		{wt.TableAppUsage, "DELETE FROM app_usage WHERE synced = 1 AND started_at < ?"},
		{wt.TableTimeEntries, "DELETE FROM time_entries WHERE synced = 1 AND status = 'completed' AND end_time < ?"},
		{wt.TableScreenshots, "DELETE FROM screenshots WHERE synced = 1 AND local_path = '' AND captured_at < ?"},
	}

	pruned := make(map[wt.Table]int64, len(statements))
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, st := range statements {
			res, err := tx.ExecContext(ctx, st.query, before)
			if err != nil {
				return fmt.Errorf("pruning %s: %w", st.table, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			pruned[st.table] = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pruned, nil
}

func (s *SQLiteStore) CountPending(ctx context.Context) (map[wt.Table]model.Pending, error) {
	out := make(map[wt.Table]model.Pending, len(wt.Tables))
	for _, table := range wt.Tables {
		var p model.Pending
		err := s.db.GetContext(ctx, &p, fmt.Sprintf(`
			SELECT
				COALESCE(SUM(CASE WHEN synced = 0 AND dead_lettered_at IS NULL THEN 1 ELSE 0 END), 0) AS unsynced,
				COALESCE(SUM(CASE WHEN synced = 0 AND dead_lettered_at IS NOT NULL THEN 1 ELSE 0 END), 0) AS dead_lettered
			FROM %s`, table))
		if err != nil {
			return nil, fmt.Errorf("counting pending %s: %w", table, err)
		}
		out[table] = p
	}
	return out, nil
}

// Settings

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM settings WHERE key = ?", key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("getting setting %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, s.clock.Now().UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

// Path returns the database file path, or ":memory:".
func (s *SQLiteStore) Path() string {
	return s.path
}

// CheckMigrations reports whether the schema version matches this binary.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db.DB)
}

// SchemaStatus reports the store's schema version.
func (s *SQLiteStore) SchemaStatus() (migrations.Status, error) {
	return migrations.Inspect(s.db.DB)
}

// Schema returns the CREATE statements of the store's tables and indexes,
// excluding SQLite internals and the migration bookkeeping table.
func (s *SQLiteStore) Schema(ctx context.Context) (string, error) {
	var stmts []string
	err := s.db.SelectContext(ctx, &stmts, `
		SELECT sql || ';'
		FROM sqlite_master
		WHERE type IN ('table', 'index')
		  AND sql IS NOT NULL
		  AND name NOT LIKE 'sqlite_%'
		  AND tbl_name != 'schema_migrations'
		ORDER BY CASE type WHEN 'table' THEN 1 ELSE 2 END, name`)
	if err != nil {
		return "", fmt.Errorf("reading schema: %w", err)
	}
	return strings.Join(stmts, "\n\n") + "\n", nil
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteStore) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var _ wt.Store = (*SQLiteStore)(nil)
