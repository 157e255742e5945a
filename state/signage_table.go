package state

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	LayoutLandscape = "landscape"
	LayoutPortrait  = "portrait"
)

// Signage is one welcome screen.
type Signage struct {
	ID              string         `db:"id"`
	CreatedAt       string         `db:"created_at"` // RFC3339
	WelcomeLabel    string         `db:"welcome_label"`
	GuestName       string         `db:"guest_name"`
	SubText         string         `db:"sub_text"`
	BackgroundImage sql.NullString `db:"background_image"`
	IsActive        bool           `db:"is_active"`
	Layout          string         `db:"layout"`
}

// Created returns CreatedAt as a time, or the zero time if it doesn't parse.
func (s *Signage) Created() time.Time {
	t, _ := time.Parse(time.RFC3339, s.CreatedAt)
	return t
}

type SignageTable struct {
	db *sqlx.DB
}

func NewSignageTable(db *sqlx.DB) *SignageTable {
	// make sure tables are made. Later columns are added by migrations.
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS signages (
		id TEXT NOT NULL PRIMARY KEY,
		created_at TEXT NOT NULL,
		welcome_label TEXT NOT NULL,
		guest_name TEXT NOT NULL,
		sub_text TEXT NOT NULL,
		background_image TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	);
	`)
	return &SignageTable{db}
}

const insertSignage = `
	INSERT INTO signages (id, created_at, welcome_label, guest_name, sub_text, background_image, is_active, layout)
	VALUES (:id, :created_at, :welcome_label, :guest_name, :sub_text, :background_image, :is_active, :layout)`

func (t *SignageTable) Insert(txn *sqlx.Tx, row Signage) error {
	_, err := txn.NamedExec(insertSignage, row)
	return err
}

// SelectAll returns every signage, newest first.
func (t *SignageTable) SelectAll(txn *sqlx.Tx) ([]Signage, error) {
	var rows []Signage
	err := txn.Select(&rows, `SELECT id, created_at, welcome_label, guest_name, sub_text, background_image, is_active, layout
	FROM signages ORDER BY created_at DESC, id ASC`)
	return rows, err
}

// Select returns the signage with this id, or nil if there is none.
func (t *SignageTable) Select(txn *sqlx.Tx, id string) (*Signage, error) {
	var row Signage
	err := txn.Get(&row, t.db.Rebind(`SELECT id, created_at, welcome_label, guest_name, sub_text, background_image, is_active, layout
	FROM signages WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

const updateSignage = `
	UPDATE signages SET welcome_label = :welcome_label, guest_name = :guest_name, sub_text = :sub_text,
		background_image = :background_image, is_active = :is_active, layout = :layout
	WHERE id = :id`

// Update overwrites the editable fields of the signage with row.ID. The creation time is left
// alone. Returns false if there was no such signage.
func (t *SignageTable) Update(txn *sqlx.Tx, row Signage) (bool, error) {
	res, err := txn.NamedExec(updateSignage, row)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Delete removes the signage with this id. Returns false if there was no such signage.
func (t *SignageTable) Delete(txn *sqlx.Tx, id string) (bool, error) {
	res, err := txn.Exec(t.db.Rebind(`DELETE FROM signages WHERE id = ?`), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteCreatedBefore removes signages created before cutoff and returns how many went.
func (t *SignageTable) DeleteCreatedBefore(txn *sqlx.Tx, cutoff time.Time) (int64, error) {
	// RFC3339 in UTC sorts lexically
	res, err := txn.Exec(t.db.Rebind(`DELETE FROM signages WHERE created_at < ?`), cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReplaceAll swaps the whole table for rows.
func (t *SignageTable) ReplaceAll(txn *sqlx.Tx, rows []Signage) error {
	if _, err := txn.Exec(`DELETE FROM signages`); err != nil {
		return err
	}
	for _, row := range rows {
		if err := t.Insert(txn, row); err != nil {
			return err
		}
	}
	return nil
}
