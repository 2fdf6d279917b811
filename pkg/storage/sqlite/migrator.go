package sqlite

import (
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// RunMigrations brings the schema at uri up to the latest version.
func RunMigrations(uri string, verbose bool) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetVerbose(verbose)

	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("failed to set sqlite dialect: %w", err)
	}

	prepared, err := PrepareDSN(uri)
	if err != nil {
		return err
	}

	db, err := goose.OpenDBWithDriver("sqlite", prepared)
	if err != nil {
		return fmt.Errorf("failed to open sqlite connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(embedMigrations)

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run sqlite migrations: %w", err)
	}
	return nil
}

// CurrentVersion returns the schema version at uri.
func CurrentVersion(uri string) (int64, error) {
	if err := goose.SetDialect("sqlite"); err != nil {
		return 0, fmt.Errorf("failed to set sqlite dialect: %w", err)
	}

	prepared, err := PrepareDSN(uri)
	if err != nil {
		return 0, err
	}

	db, err := goose.OpenDBWithDriver("sqlite", prepared)
	if err != nil {
		return 0, fmt.Errorf("failed to open sqlite connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(embedMigrations)
	return goose.GetDBVersion(db)
}
