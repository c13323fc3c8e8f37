package metadata

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

// Embed SQL files from the local migrations folder
//
//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// RunMigrations brings the sluice metadata schema up to date.
func RunMigrations(db *sql.DB, logger zerolog.Logger) error {
	if _, err := db.Exec("CREATE SCHEMA IF NOT EXISTS sluice"); err != nil {
		return fmt.Errorf("failed to create schema sluice: %w", err)
	}

	goose.SetBaseFS(embeddedMigrations)
	goose.SetTableName("sluice.goose_db_version")
	goose.SetLogger(newGooseAdapter(logger))

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run metadata migrations: %w", err)
	}

	logger.Info().Msg("Metadata migrations completed successfully")
	return nil
}

type gooseAdapter struct {
	logger zerolog.Logger
}

func newGooseAdapter(logger zerolog.Logger) goose.Logger {
	return &gooseAdapter{logger: logger.With().Str("component", "goose").Logger()}
}

func (a *gooseAdapter) Fatalf(format string, v ...interface{}) {
	a.logger.Fatal().Msgf(format, v...)
}

func (a *gooseAdapter) Printf(format string, v ...interface{}) {
	a.logger.Info().Msgf(format, v...)
}
