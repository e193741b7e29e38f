// Package orderbook implements spec §2/§4.3's orderbook index: the
// in-memory, per-instrument set of open limit orders, keyed by side,
// with the ordering price-time priority requires. It mirrors the
// teacher's PriceLevel/OrderBook design (internal/engine/orderbook.go)
// adapted from float/decimal prices to the integer prices spec §4.3
// mandates.
package orderbook

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"rubxchange/internal/models"
)

// PriceLevel is a FIFO queue of resting orders at a single price.
type PriceLevel struct {
	Price int64
	Orders []*models.Order
}

func (pl *PriceLevel) add(order *models.Order) {
	pl.Orders = append(pl.Orders, order)
}

func (pl *PriceLevel) remove(orderID uuid.UUID) bool {
	for i, o := range pl.Orders {
		if o.ID == orderID {
			pl.Orders = append(pl.Orders[:i], pl.Orders[i+1:]...)
			return true
		}
	}
	return false
}

func (pl *PriceLevel) isEmpty() bool { return len(pl.Orders) == 0 }

// TotalQty sums the remaining quantity resting at this price level.
func (pl *PriceLevel) TotalQty() int64 {
	var total int64
	for _, o := range pl.Orders {
		total += o.Remaining()
	}
	return total
}

// Book is the in-memory book for a single instrument. Bids are kept
// price DESC, time ASC; Asks price ASC, time ASC (spec §4.3).
type Book struct {
	Ticker string

	bids map[int64]*PriceLevel
	asks map[int64]*PriceLevel

	bidPrices []int64 // cached sort, descending
	askPrices []int64 // cached sort, ascending

	mu sync.RWMutex
}

// New constructs an empty Book for ticker.
func New(ticker string) *Book {
	return &Book{
		Ticker: ticker,
		bids:   make(map[int64]*PriceLevel),
		asks:   make(map[int64]*PriceLevel),
	}
}

// Add inserts an open LIMIT order into the book. Market orders are
// never stored (spec §4.3: "not stored" by definition — they either
// fill immediately or are rejected).
func (b *Book) Add(order *models.Order) {
	if order.Type != models.OrderTypeLimit || order.Price == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	price := *order.Price
	if order.Direction == models.DirectionBuy {
		if b.bids[price] == nil {
			b.bids[price] = &PriceLevel{Price: price}
		}
		b.bids[price].add(order)
		b.refreshBids()
		return
	}
	if b.asks[price] == nil {
		b.asks[price] = &PriceLevel{Price: price}
	}
	b.asks[price].add(order)
	b.refreshAsks()
}

// Remove tombstones an order out of the book by id/side/price.
func (b *Book) Remove(orderID uuid.UUID, direction models.OrderDirection, price int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if direction == models.DirectionBuy {
		pl := b.bids[price]
		if pl == nil {
			return false
		}
		if !pl.remove(orderID) {
			return false
		}
		if pl.isEmpty() {
			delete(b.bids, price)
			b.refreshBids()
		}
		return true
	}
	pl := b.asks[price]
	if pl == nil {
		return false
	}
	if !pl.remove(orderID) {
		return false
	}
	if pl.isEmpty() {
		delete(b.asks, price)
		b.refreshAsks()
	}
	return true
}

// BestBid returns the oldest order at the highest bid price, or nil.
func (b *Book) BestBid() *models.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bidPrices) == 0 {
		return nil
	}
	pl := b.bids[b.bidPrices[0]]
	if pl == nil || len(pl.Orders) == 0 {
		return nil
	}
	return pl.Orders[0]
}

// BestAsk returns the oldest order at the lowest ask price, or nil.
func (b *Book) BestAsk() *models.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.askPrices) == 0 {
		return nil
	}
	pl := b.asks[b.askPrices[0]]
	if pl == nil || len(pl.Orders) == 0 {
		return nil
	}
	return pl.Orders[0]
}

// Levels returns up to depth aggregated price levels per side, for
// GET /api/v1/public/orderbook/{ticker}.
func (b *Book) Levels(depth int) (bids, asks []models.OrderBookLevel) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := depth
	if n > len(b.bidPrices) {
		n = len(b.bidPrices)
	}
	for i := 0; i < n; i++ {
		price := b.bidPrices[i]
		if pl := b.bids[price]; pl != nil && !pl.isEmpty() {
			bids = append(bids, models.OrderBookLevel{Price: price, Qty: pl.TotalQty()})
		}
	}

	n = depth
	if n > len(b.askPrices) {
		n = len(b.askPrices)
	}
	for i := 0; i < n; i++ {
		price := b.askPrices[i]
		if pl := b.asks[price]; pl != nil && !pl.isEmpty() {
			asks = append(asks, models.OrderBookLevel{Price: price, Qty: pl.TotalQty()})
		}
	}
	return bids, asks
}

// Walk visits resting orders on the side opposite direction, in
// price-time priority order, without mutating the book. visit returns
// false to stop early. Used for read-only liquidity simulation (spec
// §4.3's full-fill-or-reject pre-check) where advancing past an
// exhausted order must not depend on removing it from the book.
func (b *Book) Walk(direction models.OrderDirection, visit func(*models.Order) bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	prices := b.askPrices
	levels := b.asks
	if direction == models.DirectionSell {
		prices = b.bidPrices
		levels = b.bids
	}

	for _, price := range prices {
		pl := levels[price]
		if pl == nil {
			continue
		}
		for _, o := range pl.Orders {
			if !visit(o) {
				return
			}
		}
	}
}

func (b *Book) refreshBids() {
	b.bidPrices = b.bidPrices[:0]
	for price, pl := range b.bids {
		if !pl.isEmpty() {
			b.bidPrices = append(b.bidPrices, price)
		}
	}
	sort.Slice(b.bidPrices, func(i, j int) bool { return b.bidPrices[i] > b.bidPrices[j] })
}

func (b *Book) refreshAsks() {
	b.askPrices = b.askPrices[:0]
	for price, pl := range b.asks {
		if !pl.isEmpty() {
			b.askPrices = append(b.askPrices, price)
		}
	}
	sort.Slice(b.askPrices, func(i, j int) bool { return b.askPrices[i] < b.askPrices[j] })
}

// Registry hands out per-instrument Books, creating them lazily. It
// mirrors the teacher's Engine.getOrderBook/getSymbolMutex pair,
// generalized to also serve the per-instrument admission mutex spec
// §5 calls for.
type Registry struct {
	mu     sync.RWMutex
	books  map[string]*Book
	locks  map[string]*sync.Mutex
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		books: make(map[string]*Book),
		locks: make(map[string]*sync.Mutex),
	}
}

// Book returns (creating if needed) the Book for ticker.
func (r *Registry) Book(ticker string) *Book {
	r.mu.RLock()
	b, ok := r.books[ticker]
	r.mu.RUnlock()
	if ok {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.books[ticker]; ok {
		return b
	}
	b = New(ticker)
	r.books[ticker] = b
	return b
}

// InstrumentLock returns (creating if needed) the per-instrument
// admission mutex that serializes matching for a single ticker, per
// spec §5's "Ordering guarantees" paragraph.
func (r *Registry) InstrumentLock(ticker string) *sync.Mutex {
	r.mu.RLock()
	m, ok := r.locks[ticker]
	r.mu.RUnlock()
	if ok {
		return m
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok = r.locks[ticker]; ok {
		return m
	}
	m = &sync.Mutex{}
	r.locks[ticker] = m
	return m
}
