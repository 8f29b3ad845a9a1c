package db

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// DefaultMigrationsDir is relative to the repository root.
const DefaultMigrationsDir = "internal/db/migrations"

// Migrate applies (up) or reverts (down) every migration in dir against dsn.
func Migrate(dir, dsn string, up bool) error {
	migrator, err := migrate.New("file://"+dir, dsn)
	if err != nil {
		return fmt.Errorf("init migrator failed: %w", err)
	}
	defer func() {
		_, _ = migrator.Close()
	}()

	if up {
		err = migrator.Up()
	} else {
		err = migrator.Down()
	}
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("migrate failed: %w", err)
	}
	return nil
}
