// Package migrations holds the schema changes applied on top of the base tables created by
// package state. Every migration is a Go migration registered with goose in init().
package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"os"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// goose only runs a registered Go migration if its source file is in the base FS
//
//go:embed 2*.go
var migrationFiles embed.FS

type gooseLogger struct{}

func (gooseLogger) Fatal(v ...interface{}) { logger.Fatal().Msg(fmt.Sprint(v...)) }
func (gooseLogger) Fatalf(format string, v ...interface{}) {
	logger.Fatal().Msgf(format, v...)
}
func (gooseLogger) Print(v ...interface{})   { logger.Info().Msg(fmt.Sprint(v...)) }
func (gooseLogger) Println(v ...interface{}) { logger.Info().Msg(fmt.Sprint(v...)) }
func (gooseLogger) Printf(format string, v ...interface{}) {
	logger.Info().Msgf(format, v...)
}

// Up applies all outstanding migrations. dialect is the goose dialect, which for the drivers
// we support is the same as the driver name.
func Up(db *sql.DB, dialect string) error {
	goose.SetLogger(gooseLogger{})
	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("unsupported migration dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}
