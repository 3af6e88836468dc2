// Package schema applies the SQL migrations with golang-migrate, from the
// embedded set or from a directory.
package schema

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/propertyhub/rules/internal/logger"
	"github.com/propertyhub/rules/migrations"
)

// Migrator runs migrations against one database.
type Migrator struct {
	m *migrate.Migrate
}

// New opens a migrator. An empty path uses the migrations embedded in the binary.
func New(databaseURL, path string) (*Migrator, error) {
	var (
		m   *migrate.Migrate
		err error
	)
	if path == "" {
		src, srcErr := iofs.New(migrations.FS, ".")
		if srcErr != nil {
			return nil, errors.Wrap(srcErr, "failed to open embedded migrations")
		}
		m, err = migrate.NewWithSourceInstance("iofs", src, databaseURL)
	} else {
		m, err = migrate.New(fmt.Sprintf("file://%s", path), databaseURL)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to create migration instance")
	}
	return &Migrator{m: m}, nil
}

// Up applies all pending migrations. An up-to-date database is not an error.
func (mg *Migrator) Up() error {
	err := mg.m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("no migrations to run, database is up to date")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to run migrations")
	}
	logger.Info("migrations applied")
	return nil
}

// Down rolls back every migration.
func (mg *Migrator) Down() error {
	if err := mg.m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "failed to roll back migrations")
	}
	return nil
}

// Version returns the applied version and whether the last run left it dirty.
func (mg *Migrator) Version() (uint, bool, error) {
	version, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// Force sets the version without running migrations, clearing the dirty flag.
func (mg *Migrator) Force(version int) error {
	return errors.Wrapf(mg.m.Force(version), "failed to force version %d", version)
}

func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}

// Up is a shortcut for opening a migrator on the embedded migrations and applying them.
func Up(databaseURL string) error {
	mg, err := New(databaseURL, "")
	if err != nil {
		return err
	}
	defer mg.Close()
	return mg.Up()
}
