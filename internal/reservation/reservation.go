// Package reservation implements spec §4.2: converting an incoming
// order into a balance-side hold, and converting cancellations/fills
// back into free funds. These are pure functions over the Ledger —
// they hold no state of their own.
package reservation

import (
	"context"
	"database/sql"

	"rubxchange/internal/ledger"
	"rubxchange/internal/models"
)

// OnAdmission reserves collateral for a newly admitted LIMIT order.
// MARKET orders do not reserve in advance (spec §4.2, §4.5).
func OnAdmission(ctx context.Context, tx *sql.Tx, l *ledger.Ledger, o *models.Order) error {
	if o.Type != models.OrderTypeLimit {
		return nil
	}
	if o.Direction == models.DirectionBuy {
		return l.Reserve(ctx, tx, o.UserID, models.RUB, o.Qty**o.Price)
	}
	return l.Reserve(ctx, tx, o.UserID, o.Ticker, o.Qty)
}

// OnFill decreases the matching reservation leg by the filled
// increment produced by a single trade, never below zero. Market
// orders hold no reservation, so this is a no-op for them.
func OnFill(ctx context.Context, tx *sql.Tx, l *ledger.Ledger, o *models.Order, matchQty, price int64) error {
	if o.Type != models.OrderTypeLimit {
		return nil
	}
	if o.Direction == models.DirectionBuy {
		return l.Release(ctx, tx, o.UserID, models.RUB, matchQty*price)
	}
	return l.Release(ctx, tx, o.UserID, o.Ticker, matchQty)
}

// OnCancel releases the reservation on the remaining (unfilled)
// quantity of a LIMIT order being cancelled.
func OnCancel(ctx context.Context, tx *sql.Tx, l *ledger.Ledger, o *models.Order) error {
	return releaseRemaining(ctx, tx, l, o)
}

// OnFullExecution releases any residual reservation left on the
// order's leg once it has reached EXECUTED. Under exact integer
// arithmetic (spec §4.3) remaining is always zero by this point, so
// this degenerates to a no-op release — it exists to cover the
// rounding-guard case spec §4.2 names explicitly.
func OnFullExecution(ctx context.Context, tx *sql.Tx, l *ledger.Ledger, o *models.Order) error {
	return releaseRemaining(ctx, tx, l, o)
}

func releaseRemaining(ctx context.Context, tx *sql.Tx, l *ledger.Ledger, o *models.Order) error {
	if o.Type != models.OrderTypeLimit {
		return nil
	}
	remaining := o.Remaining()
	if remaining <= 0 {
		return nil
	}
	if o.Direction == models.DirectionBuy {
		return l.Release(ctx, tx, o.UserID, models.RUB, remaining**o.Price)
	}
	return l.Release(ctx, tx, o.UserID, o.Ticker, remaining)
}
