package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upSignageLayout, downSignageLayout)
}

// Screens were always landscape until portrait TVs turned up.
func upSignageLayout(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `ALTER TABLE signages ADD COLUMN layout TEXT NOT NULL DEFAULT 'landscape'`)
	return err
}

func downSignageLayout(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `ALTER TABLE signages DROP COLUMN layout`)
	return err
}
