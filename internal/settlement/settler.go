// Package settlement implements spec §4.6: for each fill produced by
// the matching engine, the four-legged balance mutation (buyer RUB
// down, seller RUB up, seller asset down, buyer asset up) under the
// Ledger's deterministic lock order, plus the reservation decrement
// that goes with it. Settle returns the Trade record; appending it to
// the trade log is left to the caller.
package settlement

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rubxchange/internal/apierr"
	"rubxchange/internal/ledger"
	"rubxchange/internal/matching"
	"rubxchange/internal/models"
)

// Settler posts fills to the Ledger and produces Trade records.
type Settler struct {
	ledger *ledger.Ledger
}

// New constructs a Settler over the given Ledger.
func New(l *ledger.Ledger) *Settler {
	return &Settler{ledger: l}
}

// Settle performs the four-legged mutation for a single fill and
// returns the resulting Trade. It must run inside the same *sql.Tx as
// the rest of the order's atomic commit unit (spec §4.5): any error
// returned here means the caller must roll back the whole unit.
func (s *Settler) Settle(ctx context.Context, tx *sql.Tx, fill matching.Fill) (*models.Trade, error) {
	buyer := fill.BuyOrder.UserID
	seller := fill.SellOrder.UserID
	ticker := fill.Ticker
	qty := fill.Qty
	rub := qty * fill.Price

	specs := []ledger.LockSpec{
		{UserID: buyer, Ticker: models.RUB},
		{UserID: seller, Ticker: models.RUB},
		{UserID: buyer, Ticker: ticker},
		{UserID: seller, Ticker: ticker},
	}
	rows, err := s.ledger.LockMany(ctx, tx, specs)
	if err != nil {
		return nil, err
	}

	buyerRUB := rows[ledger.LockKey{UserID: buyer, Ticker: models.RUB}]
	sellerRUB := rows[ledger.LockKey{UserID: seller, Ticker: models.RUB}]
	buyerAsset := rows[ledger.LockKey{UserID: buyer, Ticker: ticker}]
	sellerAsset := rows[ledger.LockKey{UserID: seller, Ticker: ticker}]

	// Deduplicate when buyer == seller (prohibited by admission but
	// defended against here per spec §4.6 step 2).
	if buyer == seller {
		sellerRUB = buyerRUB
		sellerAsset = buyerAsset
	}

	if sellerAsset.Amount < qty {
		return nil, apierr.New(apierr.KindConsistency, fmt.Sprintf("seller %s asset amount below fill quantity", ticker))
	}
	if buyerRUB.Amount < rub {
		return nil, apierr.New(apierr.KindConsistency, "buyer RUB amount below fill cost")
	}

	sellerAsset.Amount -= qty
	buyerAsset.Amount += qty
	buyerRUB.Amount -= rub
	sellerRUB.Amount += rub

	if fill.BuyOrder.Type == models.OrderTypeLimit {
		releaseReserved(buyerRUB, rub)
	}
	if fill.SellOrder.Type == models.OrderTypeLimit {
		releaseReserved(sellerAsset, qty)
	}

	// Store the four rows. When buyer == seller, buyerRUB/sellerRUB
	// and buyerAsset/sellerAsset alias the same pointer — storing
	// twice is harmless (same final value).
	for _, b := range []*models.Balance{buyerRUB, sellerRUB, buyerAsset, sellerAsset} {
		if err := s.ledger.Store(ctx, tx, b); err != nil {
			return nil, err
		}
	}

	trade := &models.Trade{
		ID:          uuid.New(),
		Ticker:      ticker,
		BuyOrderID:  fill.BuyOrder.ID,
		SellOrderID: fill.SellOrder.ID,
		BuyUserID:   buyer,
		SellUserID:  seller,
		Qty:         qty,
		Price:       fill.Price,
		ExecutedAt:  fillTime(fill),
	}
	return trade, nil
}

func fillTime(fill matching.Fill) time.Time {
	if fill.ExecutedAt.IsZero() {
		return time.Now()
	}
	return fill.ExecutedAt
}

// releaseReserved decreases reserved by n, floored at zero, matching
// Ledger.Release's semantics but applied directly to an
// already-locked in-memory row (spec §4.2, §4.6 step 5).
func releaseReserved(b *models.Balance, n int64) {
	if n > b.Reserved {
		n = b.Reserved
	}
	b.Reserved -= n
}
