// Package orderstore persists Order rows. It plays the role the
// teacher's Engine played with its prepared insert/update/select
// statements (internal/engine/engine.go), split out as its own
// component so the gateway can compose it with the ledger, matcher,
// and settler instead of owning SQL directly.
package orderstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"rubxchange/internal/apierr"
	"rubxchange/internal/models"
)

// Store is the SQL-backed order table.
type Store struct {
	db *sql.DB
}

// New constructs a Store over an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert persists a brand-new order within the caller's transaction.
func (s *Store) Insert(ctx context.Context, tx *sql.Tx, o *models.Order) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ` + "`order`" + ` (id, user_id, ticker, type, direction, qty, price, filled, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID.String(), o.UserID.String(), o.Ticker, o.Type, o.Direction, o.Qty, o.Price, o.Filled, o.Status, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("orderstore: insert: %w", err)
	}
	return nil
}

// Update persists filled/status/updated_at for an existing order.
func (s *Store) Update(ctx context.Context, tx *sql.Tx, o *models.Order) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE `+"`order`"+` SET filled = ?, status = ?, updated_at = ? WHERE id = ?
	`, o.Filled, o.Status, o.UpdatedAt, o.ID.String())
	if err != nil {
		return fmt.Errorf("orderstore: update: %w", err)
	}
	return nil
}

func scanOrder(row interface{ Scan(...interface{}) error }) (*models.Order, error) {
	var o models.Order
	var id, userID string
	var price sql.NullInt64
	if err := row.Scan(&id, &userID, &o.Ticker, &o.Type, &o.Direction, &o.Qty, &price, &o.Filled, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.ID = uuid.MustParse(id)
	o.UserID = uuid.MustParse(userID)
	if price.Valid {
		p := price.Int64
		o.Price = &p
	}
	return &o, nil
}

// Get fetches a single order by id, optionally inside tx (tx may be
// nil for a standalone read).
func (s *Store) Get(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*models.Order, error) {
	const query = `
		SELECT id, user_id, ticker, type, direction, qty, price, filled, status, created_at, updated_at
		FROM ` + "`order`" + ` WHERE id = ?
	`
	var row *sql.Row
	if tx != nil {
		row = tx.QueryRowContext(ctx, query, id.String())
	} else {
		row = s.db.QueryRowContext(ctx, query, id.String())
	}
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.New(apierr.KindNotFound, "order not found")
		}
		return nil, fmt.Errorf("orderstore: get: %w", err)
	}
	return o, nil
}

// ListByUser returns every order belonging to userID, oldest first.
func (s *Store) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, ticker, type, direction, qty, price, filled, status, created_at, updated_at
		FROM `+"`order`"+` WHERE user_id = ? ORDER BY created_at ASC
	`, userID.String())
	if err != nil {
		return nil, fmt.Errorf("orderstore: list by user: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

// ListOpen returns every order with status in {NEW, PARTIALLY_EXECUTED},
// ordered oldest first, for rebuilding the in-memory book at startup
// (spec §3: "excluded from the book by the status predicate").
func (s *Store) ListOpen(ctx context.Context) ([]*models.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, ticker, type, direction, qty, price, filled, status, created_at, updated_at
		FROM `+"`order`"+`
		WHERE status IN (?, ?)
		ORDER BY created_at ASC, id ASC
	`, models.StatusNew, models.StatusPartiallyExecuted)
	if err != nil {
		return nil, fmt.Errorf("orderstore: list open: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

func scanAll(rows *sql.Rows) ([]*models.Order, error) {
	var out []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("orderstore: scan: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
