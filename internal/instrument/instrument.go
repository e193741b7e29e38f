// Package instrument persists the admin-managed instrument catalogue
// (spec §4 DATA MODEL: Instrument, and the supplemented admin routes
// in SPEC_FULL.md §6). It plays the role the teacher left implicit —
// the original engine assumed symbols were pre-provisioned — made
// explicit here since this exchange is multi-instrument from day one.
package instrument

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"rubxchange/internal/apierr"
	"rubxchange/internal/models"
)

// Store is the SQL-backed instrument catalogue.
type Store struct {
	db *sql.DB
}

// New constructs a Store over an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create registers a new tradable instrument. Fails with a Validation
// error if the ticker is already registered.
func (s *Store) Create(ctx context.Context, in models.Instrument) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instrument (ticker, name) VALUES (?, ?)
	`, in.Ticker, in.Name)
	if err != nil {
		return apierr.Wrap(apierr.KindValidation, fmt.Sprintf("instrument %s already exists or is invalid", in.Ticker), err)
	}
	return nil
}

// Delete removes an instrument from the catalogue. Open orders and
// existing balances for the ticker are left untouched — delisting
// does not retroactively unwind positions.
func (s *Store) Delete(ctx context.Context, ticker string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM instrument WHERE ticker = ?`, ticker)
	if err != nil {
		return fmt.Errorf("instrument: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("instrument: rows affected: %w", err)
	}
	if n == 0 {
		return apierr.New(apierr.KindNotFound, "instrument not found")
	}
	return nil
}

// Get fetches a single instrument by ticker.
func (s *Store) Get(ctx context.Context, ticker string) (*models.Instrument, error) {
	var in models.Instrument
	err := s.db.QueryRowContext(ctx, `SELECT ticker, name FROM instrument WHERE ticker = ?`, ticker).Scan(&in.Ticker, &in.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.New(apierr.KindNotFound, "instrument not found")
		}
		return nil, fmt.Errorf("instrument: get: %w", err)
	}
	return &in, nil
}

// Exists reports whether ticker is a registered instrument, without
// the error-wrapping overhead of Get.
func (s *Store) Exists(ctx context.Context, ticker string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM instrument WHERE ticker = ?`, ticker).Scan(&count); err != nil {
		return false, fmt.Errorf("instrument: exists: %w", err)
	}
	return count > 0, nil
}

// List returns every registered instrument, ticker ascending.
func (s *Store) List(ctx context.Context) ([]models.Instrument, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ticker, name FROM instrument ORDER BY ticker ASC`)
	if err != nil {
		return nil, fmt.Errorf("instrument: list: %w", err)
	}
	defer rows.Close()

	var out []models.Instrument
	for rows.Next() {
		var in models.Instrument
		if err := rows.Scan(&in.Ticker, &in.Name); err != nil {
			return nil, fmt.Errorf("instrument: scan: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}
