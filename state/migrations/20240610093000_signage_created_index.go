package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upSignageCreatedIndex, downSignageCreatedIndex)
}

func upSignageCreatedIndex(ctx context.Context, tx *sql.Tx) error {
	// listing is newest first, and expiry deletes by age
	_, err := tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS signages_created_at_idx ON signages(created_at)`)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE signages SET layout = 'landscape' WHERE layout NOT IN ('landscape', 'portrait')`)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.Info().Int64("rows", n).Msg("reset unknown layouts to landscape")
	}
	return nil
}

func downSignageCreatedIndex(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DROP INDEX IF EXISTS signages_created_at_idx`)
	return err
}
