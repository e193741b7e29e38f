// Package matching implements spec §4.3: the continuous double
// auction with price-time priority, limit partial-fill semantics, and
// market full-fill-or-reject semantics. It adapts the teacher's
// Matcher (internal/engine/matcher.go) to the two-phase
// simulate-then-execute design spec.md's Open Question (b)/(c)
// requires for market orders (see SPEC_FULL.md §4.3).
package matching

import (
	"time"

	"rubxchange/internal/models"
	"rubxchange/internal/orderbook"
)

// Fill is a single resting-order/aggressor match.
type Fill struct {
	Ticker      string
	Qty         int64
	Price       int64
	BuyOrder    *models.Order
	SellOrder   *models.Order
	ExecutedAt  time.Time
}

// Result is the outcome of matching an aggressor against a Book.
type Result struct {
	Fills    []Fill
	Resting  []*models.Order // resting orders mutated (for persistence)
}

// crosses reports whether aggressor can trade against resting at
// resting's price, per spec §4.3 step 2. Market aggressors always
// cross; limit aggressors require price compatibility.
func crosses(aggressor, resting *models.Order) bool {
	if aggressor.Type == models.OrderTypeMarket {
		return true
	}
	if aggressor.Direction == models.DirectionBuy {
		return *aggressor.Price >= *resting.Price
	}
	return *aggressor.Price <= *resting.Price
}

// MatchLimit matches a LIMIT aggressor against the opposite side of
// book, mutating resting orders in place and returning the fills
// produced. The aggressor's own Filled field is updated too; its
// final Status is left to the caller (the gateway knows whether any
// fill occurred and what "partial" vs "new" means).
func MatchLimit(aggressor *models.Order, book *orderbook.Book) *Result {
	return walk(aggressor, book, crosses)
}

// SimulateMarket performs a read-only walk of the opposite side and
// reports the total liquidity available to a market aggressor,
// without mutating anything. The gateway uses this to implement
// full-fill-or-reject (spec §4.3 step 1-2): if the returned quantity
// is less than aggressor.Qty, the order must be rejected with zero
// side effects.
func SimulateMarket(aggressor *models.Order, book *orderbook.Book) int64 {
	available, _ := simulate(aggressor, book)
	return available
}

// SimulateMarketCost performs the same read-only walk as
// SimulateMarket but also reports the RUB cost of filling up to
// aggressor.Qty at each resting level's price — used by the gateway
// to admissibility-check a MARKET BUY's free RUB before execution
// (spec §4.5 step 3). cost only covers the quantity actually walked;
// compare available against aggressor.Qty to know whether it is the
// full cost or a partial one.
func SimulateMarketCost(aggressor *models.Order, book *orderbook.Book) (available, cost int64) {
	return simulate(aggressor, book)
}

func simulate(aggressor *models.Order, book *orderbook.Book) (available, cost int64) {
	needed := aggressor.Qty
	book.Walk(aggressor.Direction, func(o *models.Order) bool {
		remaining := o.Remaining()
		if remaining <= 0 {
			return true
		}
		take := remaining
		if available+take > needed {
			take = needed - available
		}
		available += take
		cost += take * *o.Price
		return available < needed
	})
	return available, cost
}

// ExecuteMarket executes a MARKET aggressor against the book. The
// caller must have already confirmed via SimulateMarket that the book
// holds enough liquidity; ExecuteMarket does not re-check and will
// simply consume as much as exists.
func ExecuteMarket(aggressor *models.Order, book *orderbook.Book) *Result {
	return walk(aggressor, book, func(_, _ *models.Order) bool { return true })
}

func bestPicker(aggressor *models.Order, book *orderbook.Book) func() *models.Order {
	if aggressor.Direction == models.DirectionBuy {
		return book.BestAsk
	}
	return book.BestBid
}

// walk is the shared core of MatchLimit/ExecuteMarket: repeatedly pull
// the best resting order on the opposite side, check the guard, fill
// at the resting order's price (maker price wins — price-time
// priority for the maker, spec §4.3 step 3), and continue until the
// aggressor is filled or no more crossing level exists.
func walk(aggressor *models.Order, book *orderbook.Book, guard func(aggressor, resting *models.Order) bool) *Result {
	result := &Result{}
	executedAt := time.Now()
	pick := bestPicker(aggressor, book)

	for aggressor.Remaining() > 0 {
		resting := pick()
		if resting == nil {
			break
		}
		if !guard(aggressor, resting) {
			break
		}

		matchQty := aggressor.Remaining()
		if resting.Remaining() < matchQty {
			matchQty = resting.Remaining()
		}
		price := *resting.Price

		var buyOrder, sellOrder *models.Order
		if aggressor.Direction == models.DirectionBuy {
			buyOrder, sellOrder = aggressor, resting
		} else {
			buyOrder, sellOrder = resting, aggressor
		}

		result.Fills = append(result.Fills, Fill{
			Ticker:     aggressor.Ticker,
			Qty:        matchQty,
			Price:      price,
			BuyOrder:   buyOrder,
			SellOrder:  sellOrder,
			ExecutedAt: executedAt,
		})

		aggressor.Filled += matchQty
		resting.Filled += matchQty
		resting.UpdatedAt = executedAt

		if resting.Remaining() == 0 {
			resting.Status = models.StatusExecuted
			book.Remove(resting.ID, resting.Direction, *resting.Price)
		} else {
			resting.Status = models.StatusPartiallyExecuted
		}
		result.Resting = append(result.Resting, resting)
	}

	return result
}
