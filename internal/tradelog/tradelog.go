// Package tradelog implements spec §4.7: the append-only record of
// executed fills, queryable by ticker ordered by timestamp ascending
// and capped by a caller-supplied limit. No deletes.
package tradelog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"rubxchange/internal/models"
)

// Log is the SQL-backed trade log.
type Log struct {
	db *sql.DB
}

// New constructs a Log over an open database handle.
func New(db *sql.DB) *Log {
	return &Log{db: db}
}

// Append persists a trade within the caller's transaction. It is the
// only write path into the trade table — trades are never updated or
// deleted.
func (l *Log) Append(ctx context.Context, tx *sql.Tx, t *models.Trade) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO trade (id, ticker, buy_order_id, sell_order_id, buy_user_id, sell_user_id, qty, price, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID.String(), t.Ticker, t.BuyOrderID.String(), t.SellOrderID.String(),
		t.BuyUserID.String(), t.SellUserID.String(), t.Qty, t.Price, t.ExecutedAt)
	if err != nil {
		return fmt.Errorf("tradelog: append: %w", err)
	}
	return nil
}

// ByTicker returns trades for ticker ordered by timestamp ascending,
// capped at limit (0 means unbounded).
func (l *Log) ByTicker(ctx context.Context, ticker string, limit int) ([]models.Trade, error) {
	query := `
		SELECT id, ticker, buy_order_id, sell_order_id, buy_user_id, sell_user_id, qty, price, executed_at
		FROM trade
		WHERE ticker = ?
		ORDER BY executed_at ASC, id ASC
	`
	args := []interface{}{ticker}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tradelog: query: %w", err)
	}
	defer rows.Close()

	var out []models.Trade
	for rows.Next() {
		var t models.Trade
		var id, buyOrderID, sellOrderID, buyUserID, sellUserID string
		if err := rows.Scan(&id, &t.Ticker, &buyOrderID, &sellOrderID, &buyUserID, &sellUserID, &t.Qty, &t.Price, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("tradelog: scan: %w", err)
		}
		t.ID = uuid.MustParse(id)
		t.BuyOrderID = uuid.MustParse(buyOrderID)
		t.SellOrderID = uuid.MustParse(sellOrderID)
		t.BuyUserID = uuid.MustParse(buyUserID)
		t.SellUserID = uuid.MustParse(sellUserID)
		out = append(out, t)
	}
	return out, rows.Err()
}
