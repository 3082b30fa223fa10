// Package migrate applies embedded SQL migrations on startup.
package migrate

import (
	"context"
	"database/sql"
	"io/fs"

	"github.com/pressly/goose/v3"

	"github.com/bardlex/quarry/migrations"
	"github.com/bardlex/quarry/pkg/errors"
)

// Up runs all pending migrations against db.
func Up(ctx context.Context, db *sql.DB) error {
	return run(ctx, db, migrations.FS, goose.UpContext)
}

// Version returns the schema version db is at.
func Version(ctx context.Context, db *sql.DB) (int64, error) {
	if err := setup(migrations.FS); err != nil {
		return 0, err
	}
	v, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "migrate_version", "failed to read schema version")
	}
	return v, nil
}

func setup(fsys fs.FS) error {
	goose.SetBaseFS(fsys)
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "migrate", "unsupported dialect")
	}
	return nil
}

func run(ctx context.Context, db *sql.DB, fsys fs.FS, fn func(context.Context, *sql.DB, string, ...goose.OptionsFunc) error) error {
	if err := setup(fsys); err != nil {
		return err
	}
	if err := fn(ctx, db, "."); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "migrate", "failed to apply migrations")
	}
	return nil
}
