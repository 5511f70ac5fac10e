// Package migrations owns the embedded schema of the local store.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var files embed.FS

// Status describes where a store's schema stands relative to the
// migrations embedded in this binary.
type Status struct {
	Version     uint // 0 when no migration has run
	Latest      uint
	Initialized bool
	Dirty       bool
}

// Err is nil when the store is usable by this binary.
func (s Status) Err() error {
	switch {
	case !s.Initialized:
		return errors.New("database has no schema version (needs migration)")
	case s.Dirty:
		return fmt.Errorf("database is dirty at version %d; a previous migration failed", s.Version)
	case s.Version < s.Latest:
		return fmt.Errorf("database is at version %d, binary expects %d", s.Version, s.Latest)
	case s.Version > s.Latest:
		return fmt.Errorf("database version %d is newer than this binary (%d); upgrade wt", s.Version, s.Latest)
	}
	return nil
}

// Inspect reads the schema version of db without changing it.
func Inspect(db *sql.DB) (Status, error) {
	latest, err := LatestVersion()
	if err != nil {
		return Status{}, err
	}
	st := Status{Latest: latest}

	// The migrate instance is left open; closing it would close db.
	m, err := open(db)
	if err != nil {
		return st, err
	}
	v, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return st, nil
	case err != nil:
		return st, fmt.Errorf("reading schema version: %w", err)
	}
	st.Version, st.Dirty, st.Initialized = v, dirty, true
	return st, nil
}

// CheckDBMigrationStatus is Inspect followed by Status.Err.
func CheckDBMigrationStatus(db *sql.DB) error {
	st, err := Inspect(db)
	if err != nil {
		return err
	}
	return st.Err()
}

// MigrateUp brings db to the latest embedded version. It is a no-op on a
// current store.
func MigrateUp(db *sql.DB) error {
	m, err := open(db)
	if err != nil {
		return err
	}
	err = m.Up()
	if err == nil || errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return fmt.Errorf("applying migrations: %w", err)
}

// LatestVersion is the highest version among the embedded migrations.
func LatestVersion() (uint, error) {
	src, err := iofs.New(files, "files")
	if err != nil {
		return 0, fmt.Errorf("loading embedded migrations: %w", err)
	}
	defer src.Close()
	return highest(src)
}

func open(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(files, "files")
	if err != nil {
		return nil, fmt.Errorf("loading embedded migrations: %w", err)
	}
	target, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err == nil {
		var m *migrate.Migrate
		if m, err = migrate.NewWithInstance("iofs", src, "sqlite3", target); err == nil {
			return m, nil
		}
	}
	src.Close()
	return nil, fmt.Errorf("preparing migrations: %w", err)
}

func highest(src source.Driver) (uint, error) {
	v, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("no embedded migrations: %w", err)
	}
	for {
		next, err := src.Next(v)
		if err != nil {
			return v, nil
		}
		v = next
	}
}
