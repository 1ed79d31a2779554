package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog/log"
)

// DefaultMigrationsURL is where the schema migrations live relative to the repo root
const DefaultMigrationsURL = "file://scripts/migrations"

// Migrate runs command ("up", "down" or "force") against db. version is only
// used by force.
func Migrate(db *sql.DB, sourceURL, command string, version int) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	switch command {
	case "up":
		log.Info().Msg("Applying migrations...")
		err = m.Up()
	case "down":
		log.Info().Msg("Reverting migrations...")
		err = m.Down()
	case "force":
		log.Info().Int("version", version).Msg("Forcing migration version...")
		err = m.Force(version)
	default:
		return fmt.Errorf("unknown migration command: %s", command)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration %s failed: %w", command, err)
	}
	return nil
}
