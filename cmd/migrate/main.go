package main

import (
	"database/sql"
	"os"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
	"github.com/teresa-solution/integration-isolation-service/internal/store"
)

func main() {
	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var (
		dsn     = flag.String("database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")
		source  = flag.String("source", store.DefaultMigrationsURL, "Migrations source URL")
		command = flag.String("command", "up", "Migration command (up, down, force)")
		version = flag.Int("version", 1, "Version used by force")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal().Msg("DATABASE_URL or --database-url is required")
	}

	db, err := sql.Open("postgres", *dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := store.Migrate(db, *source, *command, *version); err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}
	log.Info().Str("command", *command).Msg("Migrations finished successfully")
}
