// Package state stores signage records in Postgres or SQLite and exposes them as transfer
// snapshots.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/matrix-org/signage-sync/internal"
	"github.com/matrix-org/signage-sync/sqlutil"
	"github.com/matrix-org/signage-sync/state/migrations"
	"github.com/matrix-org/signage-sync/transfer"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/attribute"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// DefaultRetention is how long a signage is kept before it is dropped from listings and
// snapshots.
const DefaultRetention = 7 * 24 * time.Hour

var ErrSignageNotFound = errors.New("no such signage")

type Storage struct {
	SignageTable *SignageTable
	DB           *sqlx.DB
	// Signages older than this are pruned before every read. 0 keeps everything.
	Retention time.Duration
}

// Open connects to driver ("postgres" or "sqlite3") at dsn, creating and migrating tables as
// needed.
func Open(driver, dsn string) (*Storage, error) {
	switch driver {
	case "postgres", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		sentry.CaptureException(err)
		return nil, fmt.Errorf("failed to open %s DB: %w", driver, err)
	}
	if driver == "sqlite3" {
		// writers serialise anyway, and an in-memory DB is per connection
		db.SetMaxOpenConns(1)
	}
	store, err := NewStorageWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func NewStorageWithDB(db *sqlx.DB) (store *Storage, err error) {
	defer func() {
		// MustExec panics on failure
		if r := recover(); r != nil {
			err = fmt.Errorf("failed to create tables: %v", r)
		}
	}()
	table := NewSignageTable(db)
	if err = migrations.Up(db.DB, db.DriverName()); err != nil {
		sentry.CaptureException(err)
		return nil, err
	}
	return &Storage{
		SignageTable: table,
		DB:           db,
		Retention:    DefaultRetention,
	}, nil
}

func (s *Storage) Teardown() {
	if err := s.DB.Close(); err != nil {
		logger.Err(err).Msg("failed to close DB")
	}
}

// Signages returns every current signage, newest first.
func (s *Storage) Signages(ctx context.Context) (rows []Signage, err error) {
	err = sqlutil.WithTransaction(ctx, s.DB, func(txn *sqlx.Tx) error {
		if err = s.prune(txn); err != nil {
			return err
		}
		rows, err = s.SignageTable.SelectAll(txn)
		return err
	})
	return
}

// Add stores a new signage, filling in its id and creation time if unset.
func (s *Storage) Add(ctx context.Context, row Signage) (Signage, error) {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt == "" {
		row.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if row.Layout == "" {
		row.Layout = LayoutLandscape
	}
	if row.Layout != LayoutLandscape && row.Layout != LayoutPortrait {
		return row, fmt.Errorf("unknown layout %q", row.Layout)
	}
	err := sqlutil.WithTransaction(ctx, s.DB, func(txn *sqlx.Tx) error {
		return s.SignageTable.Insert(txn, row)
	})
	return row, err
}

// Update applies edit to the signage with id and stores the result. Returns ErrSignageNotFound
// if there is no such signage, including one already past retention.
func (s *Storage) Update(ctx context.Context, id string, edit func(row *Signage)) (updated Signage, err error) {
	err = sqlutil.WithTransaction(ctx, s.DB, func(txn *sqlx.Tx) error {
		if err := s.prune(txn); err != nil {
			return err
		}
		row, err := s.SignageTable.Select(txn, id)
		if err != nil {
			return err
		}
		if row == nil {
			return ErrSignageNotFound
		}
		edit(row)
		row.ID = id
		if row.Layout != LayoutLandscape && row.Layout != LayoutPortrait {
			return fmt.Errorf("unknown layout %q", row.Layout)
		}
		if _, err = s.SignageTable.Update(txn, *row); err != nil {
			return err
		}
		updated = *row
		return nil
	})
	return
}

// Remove deletes the signage with id. Removing an unknown id is not an error.
func (s *Storage) Remove(ctx context.Context, id string) (removed bool, err error) {
	err = sqlutil.WithTransaction(ctx, s.DB, func(txn *sqlx.Tx) error {
		removed, err = s.SignageTable.Delete(txn, id)
		return err
	})
	return
}

// GetSnapshot returns every current signage as JSON records, newest first.
func (s *Storage) GetSnapshot(ctx context.Context) (transfer.Snapshot, error) {
	rows, err := s.Signages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load signages: %w", err)
	}
	snapshot := make(transfer.Snapshot, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, fmt.Errorf("failed to encode signage %s: %w", row.ID, err)
		}
		snapshot = append(snapshot, rec)
	}
	return snapshot, nil
}

// ApplySnapshot replaces every signage with the records in snapshot in one transaction.
// Records which are not JSON objects are skipped, and records without an id are given one.
func (s *Storage) ApplySnapshot(ctx context.Context, snapshot transfer.Snapshot) (err error) {
	ctx, span := internal.StartSpan(ctx, "state.ApplySnapshot", attribute.Int("records", len(snapshot)))
	defer func() { span.End(err) }()
	rows := make([]Signage, 0, len(snapshot))
	seen := make(map[string]bool, len(snapshot))
	for i, rec := range snapshot {
		row, ok := signageFromRecord(rec)
		if !ok {
			logger.Warn().Int("index", i).Msg("skipping record which is not an object")
			continue
		}
		if seen[row.ID] {
			logger.Warn().Str("id", row.ID).Msg("skipping duplicate record")
			continue
		}
		seen[row.ID] = true
		rows = append(rows, row)
	}
	err = sqlutil.WithTransaction(ctx, s.DB, func(txn *sqlx.Tx) error {
		return s.SignageTable.ReplaceAll(txn, rows)
	})
	if err != nil {
		return fmt.Errorf("failed to replace signages: %w", err)
	}
	logger.Info().Int("records", len(snapshot)).Int("applied", len(rows)).Msg("applied snapshot")
	return nil
}

func (s *Storage) prune(txn *sqlx.Tx) error {
	if s.Retention <= 0 {
		return nil
	}
	n, err := s.SignageTable.DeleteCreatedBefore(txn, time.Now().Add(-s.Retention))
	if err != nil {
		return fmt.Errorf("failed to prune signages: %w", err)
	}
	if n > 0 {
		logger.Info().Int64("pruned", n).Msg("dropped expired signages")
	}
	return nil
}

func (s *Signage) record() (json.RawMessage, error) {
	rec := []byte(`{}`)
	var err error
	set := func(path string, value interface{}) {
		if err == nil {
			rec, err = sjson.SetBytes(rec, path, value)
		}
	}
	set("id", s.ID)
	set("created_at", s.CreatedAt)
	set("welcome_label", s.WelcomeLabel)
	set("guest_name", s.GuestName)
	set("sub_text", s.SubText)
	if s.BackgroundImage.Valid {
		set("background_image", s.BackgroundImage.String)
	} else {
		set("background_image", nil)
	}
	set("is_active", s.IsActive)
	set("layout", s.Layout)
	return rec, err
}

func signageFromRecord(rec json.RawMessage) (Signage, bool) {
	if !gjson.ValidBytes(rec) {
		return Signage{}, false
	}
	res := gjson.ParseBytes(rec)
	if !res.IsObject() {
		return Signage{}, false
	}
	row := Signage{
		ID:           res.Get("id").String(),
		WelcomeLabel: res.Get("welcome_label").String(),
		GuestName:    res.Get("guest_name").String(),
		SubText:      res.Get("sub_text").String(),
		IsActive:     true,
		Layout:       res.Get("layout").String(),
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if bg := res.Get("background_image"); bg.Type == gjson.String {
		row.BackgroundImage = sql.NullString{String: bg.Str, Valid: true}
	}
	if active := res.Get("is_active"); active.Type == gjson.True || active.Type == gjson.False {
		row.IsActive = active.Bool()
	}
	if row.Layout != LayoutPortrait {
		row.Layout = LayoutLandscape
	}
	row.CreatedAt = createdAt(res).UTC().Format(time.RFC3339)
	return row, true
}

// createdAt reads created_at as RFC3339, falling back to a createdAt in unix millis as older
// clients stored it, and finally to now.
func createdAt(res gjson.Result) time.Time {
	if ts := res.Get("created_at"); ts.Type == gjson.String {
		if t, err := time.Parse(time.RFC3339, ts.Str); err == nil {
			return t
		}
	}
	if ms := res.Get("createdAt"); ms.Type == gjson.Number {
		return time.UnixMilli(ms.Int())
	}
	return time.Now()
}
