// Package gateway implements spec §4.5: the order-acceptance gateway
// that composes validation, admissibility, reservation, matching and
// settlement into a single atomic commit unit per order, with
// per-instrument serialization and bounded retry on lock contention.
// It plays the role of the teacher's Engine.PlaceOrder/CancelOrder
// (internal/engine/engine.go), rebuilt around the Ledger/Book/Matcher
// split this repo uses instead of the teacher's monolithic Engine.
package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"rubxchange/internal/apierr"
	"rubxchange/internal/config"
	"rubxchange/internal/instrument"
	"rubxchange/internal/ledger"
	"rubxchange/internal/matching"
	"rubxchange/internal/models"
	"rubxchange/internal/orderbook"
	"rubxchange/internal/orderstore"
	"rubxchange/internal/reservation"
	"rubxchange/internal/settlement"
	"rubxchange/internal/tradelog"
)

// Gateway is the single entry point for admitting and cancelling
// orders. All of its exported methods are safe for concurrent use.
type Gateway struct {
	db          *sql.DB
	books       *orderbook.Registry
	ledger      *ledger.Ledger
	orders      *orderstore.Store
	trades      *tradelog.Log
	instruments *instrument.Store
	settler     *settlement.Settler
	retry       []time.Duration
	log         zerolog.Logger
}

// New constructs a Gateway wiring every collaborator spec §4.5 names.
func New(
	db *sql.DB,
	books *orderbook.Registry,
	l *ledger.Ledger,
	orders *orderstore.Store,
	trades *tradelog.Log,
	instruments *instrument.Store,
	cfg *config.Config,
	log zerolog.Logger,
) *Gateway {
	return &Gateway{
		db:          db,
		books:       books,
		ledger:      l,
		orders:      orders,
		trades:      trades,
		instruments: instruments,
		settler:     settlement.New(l),
		retry:       cfg.RetryBackoff,
		log:         log.With().Str("component", "gateway").Logger(),
	}
}

// Recover reloads every open order from storage into the in-memory
// book, mirroring the teacher's Engine.LoadOpenOrders at startup
// (spec §3: open orders are those with status NEW/PARTIALLY_EXECUTED).
func (g *Gateway) Recover(ctx context.Context) error {
	open, err := g.orders.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("gateway: recover: %w", err)
	}
	for _, o := range open {
		g.books.Book(o.Ticker).Add(o)
	}
	g.log.Info().Int("count", len(open)).Msg("recovered open orders into book")
	return nil
}

// CreateOrder validates, admits, and (for crossing orders) matches and
// settles a new order in a single atomic commit unit, retrying on
// CONTENTION per spec §5.
func (g *Gateway) CreateOrder(ctx context.Context, userID uuid.UUID, req models.CreateOrderRequest) (*models.Order, error) {
	if err := validateCreateOrderRequest(req); err != nil {
		return nil, err
	}
	if ok, err := g.instruments.Exists(ctx, req.Ticker); err != nil {
		return nil, err
	} else if !ok {
		return nil, apierr.New(apierr.KindValidation, fmt.Sprintf("unknown instrument %q", req.Ticker))
	}

	order := &models.Order{
		ID:        uuid.New(),
		UserID:    userID,
		Ticker:    req.Ticker,
		Type:      req.Type,
		Direction: req.Direction,
		Qty:       req.Qty,
		Price:     req.Price,
		Status:    models.StatusNew,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	mu := g.books.InstrumentLock(req.Ticker)
	mu.Lock()
	defer mu.Unlock()

	err := g.withRetry(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return g.admitAndMatch(ctx, tx, order)
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// admitAndMatch runs the admissibility check, reservation, matching
// and settlement for one order inside tx (spec §4.5 steps 2-5). It
// assumes the caller already holds the per-instrument admission lock.
func (g *Gateway) admitAndMatch(ctx context.Context, tx *sql.Tx, order *models.Order) error {
	book := g.books.Book(order.Ticker)

	switch order.Type {
	case models.OrderTypeLimit:
		return g.admitLimit(ctx, tx, order, book)
	case models.OrderTypeMarket:
		return g.admitMarket(ctx, tx, order, book)
	default:
		return apierr.New(apierr.KindValidation, "unsupported order type")
	}
}

// admitLimit implements spec §4.5 step 3 (LIMIT admissibility) and
// step 4 (reserve, persist, match, settle, rest any remainder).
func (g *Gateway) admitLimit(ctx context.Context, tx *sql.Tx, order *models.Order, book *orderbook.Book) error {
	if err := checkLimitAdmissible(ctx, g.ledger, order); err != nil {
		return err
	}
	if err := reservation.OnAdmission(ctx, tx, g.ledger, order); err != nil {
		return err
	}
	if err := g.orders.Insert(ctx, tx, order); err != nil {
		return err
	}

	result := matching.MatchLimit(order, book)
	if err := g.applyResult(ctx, tx, order, result); err != nil {
		return err
	}
	if order.Direction == models.DirectionBuy {
		// Fills at a resting price below the limit leave
		// qty*(limit-fill) RUB reserved beyond what Settle released.
		var improvement int64
		for _, fill := range result.Fills {
			improvement += fill.Qty * (*order.Price - fill.Price)
		}
		if err := g.ledger.Release(ctx, tx, order.UserID, models.RUB, improvement); err != nil {
			return err
		}
	}

	if order.Remaining() > 0 {
		order.Status = models.StatusPartiallyExecuted
		if order.Filled == 0 {
			order.Status = models.StatusNew
		}
		book.Add(order)
	} else {
		order.Status = models.StatusExecuted
		if err := reservation.OnFullExecution(ctx, tx, g.ledger, order); err != nil {
			return err
		}
	}
	order.UpdatedAt = time.Now()
	return g.orders.Update(ctx, tx, order)
}

// admitMarket implements spec §4.3's full-fill-or-reject redesign: a
// read-only simulation confirms the book can fill the whole order
// before any balance state is touched (spec §4.5 step 5). A market
// order that cannot be fully filled is still persisted — as CANCELLED
// with filled=0 (spec §4.3 step 2) — rather than silently dropped; the
// reject is surfaced to the caller via a rejected-wrapped error so
// runOnce commits the CANCELLED row instead of rolling it back. MARKET
// orders never rest and never reserve in advance.
func (g *Gateway) admitMarket(ctx context.Context, tx *sql.Tx, order *models.Order, book *orderbook.Book) error {
	available, cost := matching.SimulateMarketCost(order, book)
	if available < order.Qty {
		order.Status = models.StatusCancelled
		order.UpdatedAt = time.Now()
		if err := g.orders.Insert(ctx, tx, order); err != nil {
			return err
		}
		return &rejected{err: apierr.New(apierr.KindUnfillableOrder, "insufficient book liquidity to fill market order")}
	}
	if err := checkMarketAdmissible(ctx, g.ledger, order, cost); err != nil {
		order.Status = models.StatusCancelled
		order.UpdatedAt = time.Now()
		if insErr := g.orders.Insert(ctx, tx, order); insErr != nil {
			return insErr
		}
		return &rejected{err: err}
	}

	if err := g.orders.Insert(ctx, tx, order); err != nil {
		return err
	}

	result := matching.ExecuteMarket(order, book)
	if err := g.applyResult(ctx, tx, order, result); err != nil {
		return err
	}

	order.Status = models.StatusExecuted
	order.UpdatedAt = time.Now()
	return g.orders.Update(ctx, tx, order)
}

// applyResult settles every fill and persists every mutated resting
// order produced by a matching pass.
func (g *Gateway) applyResult(ctx context.Context, tx *sql.Tx, aggressor *models.Order, result *matching.Result) error {
	for _, fill := range result.Fills {
		trade, err := g.settler.Settle(ctx, tx, fill)
		if err != nil {
			return err
		}
		if err := g.trades.Append(ctx, tx, trade); err != nil {
			return err
		}

		resting := fill.BuyOrder
		if resting == aggressor {
			resting = fill.SellOrder
		}
		if resting.Status == models.StatusExecuted {
			if err := reservation.OnFullExecution(ctx, tx, g.ledger, resting); err != nil {
				return err
			}
		}
	}
	for _, resting := range result.Resting {
		resting.UpdatedAt = time.Now()
		if err := g.orders.Update(ctx, tx, resting); err != nil {
			return err
		}
	}
	return nil
}

// CancelOrder cancels an open order, releasing its remaining
// reservation, per spec §4.4's CANCELLED transition.
func (g *Gateway) CancelOrder(ctx context.Context, userID, orderID uuid.UUID) error {
	o, err := g.orders.Get(ctx, nil, orderID)
	if err != nil {
		return err
	}
	if o.UserID != userID {
		return apierr.New(apierr.KindForbidden, "order does not belong to caller")
	}

	mu := g.books.InstrumentLock(o.Ticker)
	mu.Lock()
	defer mu.Unlock()

	return g.withRetry(ctx, func(ctx context.Context, tx *sql.Tx) error {
		cur, err := g.orders.Get(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return apierr.New(apierr.KindTerminalState, "order already in a terminal state")
		}

		if err := reservation.OnCancel(ctx, tx, g.ledger, cur); err != nil {
			return err
		}
		cur.Status = models.StatusCancelled
		cur.UpdatedAt = time.Now()
		if err := g.orders.Update(ctx, tx, cur); err != nil {
			return err
		}

		if cur.Price != nil {
			g.books.Book(cur.Ticker).Remove(cur.ID, cur.Direction, *cur.Price)
		}
		return nil
	})
}

// withRetry runs fn inside a fresh transaction, retrying on
// CONTENTION per spec §5's bounded backoff policy.
func (g *Gateway) withRetry(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	var lastErr error
	attempts := len(g.retry) + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(g.retry[attempt-1]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := g.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !apierr.Is(err, apierr.KindContention) {
			return err
		}
		g.log.Warn().Int("attempt", attempt+1).Msg("retrying after contention")
	}
	return lastErr
}

func (g *Gateway) runOnce(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("gateway: begin tx: %w", err)
	}

	err = fn(ctx, tx)

	var rej *rejected
	if err != nil && !errors.As(err, &rej) {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			g.log.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("gateway: commit: %w", commitErr)
	}
	return err
}

// rejected wraps an apierr that still requires the in-progress
// transaction to be committed rather than rolled back — the MARKET
// full-fill-or-reject path (spec §4.3 step 2) persists the order as
// CANCELLED even though the overall operation is reported as an
// error to the caller.
type rejected struct {
	err error
}

func (r *rejected) Error() string { return r.err.Error() }
func (r *rejected) Unwrap() error { return r.err }

func validateCreateOrderRequest(req models.CreateOrderRequest) error {
	if req.Ticker == "" {
		return apierr.New(apierr.KindValidation, "ticker is required")
	}
	if req.Direction != models.DirectionBuy && req.Direction != models.DirectionSell {
		return apierr.New(apierr.KindValidation, "direction must be BUY or SELL")
	}
	if req.Type != models.OrderTypeLimit && req.Type != models.OrderTypeMarket {
		return apierr.New(apierr.KindValidation, "type must be LIMIT or MARKET")
	}
	if req.Qty <= 0 {
		return apierr.New(apierr.KindValidation, "qty must be a positive integer")
	}
	if req.Type == models.OrderTypeLimit {
		if req.Price == nil || *req.Price <= 0 {
			return apierr.New(apierr.KindValidation, "price is required and must be positive for LIMIT orders")
		}
	} else if req.Price != nil {
		return apierr.New(apierr.KindValidation, "price must not be set for MARKET orders")
	}
	return nil
}

// checkLimitAdmissible implements spec §4.5 step 3 for LIMIT orders:
// BUY requires free RUB covering qty*price; SELL requires free asset
// covering qty.
func checkLimitAdmissible(ctx context.Context, l *ledger.Ledger, o *models.Order) error {
	if o.Direction == models.DirectionBuy {
		b, err := l.Get(ctx, o.UserID, models.RUB)
		if err != nil {
			return err
		}
		if b.Free() < o.Qty**o.Price {
			return apierr.New(apierr.KindInsufficient, "insufficient free RUB to cover limit buy")
		}
		return nil
	}
	b, err := l.Get(ctx, o.UserID, o.Ticker)
	if err != nil {
		return err
	}
	if b.Free() < o.Qty {
		return apierr.New(apierr.KindInsufficient, fmt.Sprintf("insufficient free %s to cover limit sell", o.Ticker))
	}
	return nil
}

// checkMarketAdmissible implements spec §4.5 step 3 for MARKET
// orders: BUY requires free RUB covering the simulated execution cost
// (computed by matching.SimulateMarketCost's price walk over the
// exact quantity being filled); SELL requires free asset covering
// qty.
func checkMarketAdmissible(ctx context.Context, l *ledger.Ledger, o *models.Order, cost int64) error {
	if o.Direction == models.DirectionSell {
		b, err := l.Get(ctx, o.UserID, o.Ticker)
		if err != nil {
			return err
		}
		if b.Free() < o.Qty {
			return apierr.New(apierr.KindInsufficient, fmt.Sprintf("insufficient free %s to cover market sell", o.Ticker))
		}
		return nil
	}
	b, err := l.Get(ctx, o.UserID, models.RUB)
	if err != nil {
		return err
	}
	if b.Free() < cost {
		return apierr.New(apierr.KindInsufficient, "insufficient free RUB to cover market buy cost")
	}
	return nil
}
