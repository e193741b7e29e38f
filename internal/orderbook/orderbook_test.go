package orderbook

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"rubxchange/internal/models"
)

func limitOrder(direction models.OrderDirection, price, qty int64, age time.Duration) *models.Order {
	p := price
	return &models.Order{
		ID:        uuid.New(),
		Ticker:    "GAZP",
		Type:      models.OrderTypeLimit,
		Direction: direction,
		Qty:       qty,
		Price:     &p,
		Status:    models.StatusNew,
		CreatedAt: time.Now().Add(-age),
	}
}

func TestBook_BestBidAsk(t *testing.T) {
	b := New("GAZP")

	b.Add(limitOrder(models.DirectionBuy, 100, 10, time.Minute))
	b.Add(limitOrder(models.DirectionBuy, 105, 5, 30*time.Second))
	b.Add(limitOrder(models.DirectionSell, 110, 7, time.Minute))
	b.Add(limitOrder(models.DirectionSell, 108, 3, 30*time.Second))

	if got := b.BestBid(); got == nil || *got.Price != 105 {
		t.Fatalf("expected best bid 105, got %v", got)
	}
	if got := b.BestAsk(); got == nil || *got.Price != 108 {
		t.Fatalf("expected best ask 108, got %v", got)
	}
}

func TestBook_TimePriorityWithinPriceLevel(t *testing.T) {
	b := New("GAZP")
	older := limitOrder(models.DirectionBuy, 100, 10, time.Minute)
	newer := limitOrder(models.DirectionBuy, 100, 5, time.Second)
	b.Add(older)
	b.Add(newer)

	got := b.BestBid()
	if got.ID != older.ID {
		t.Fatalf("expected FIFO: older order first at same price")
	}
}

func TestBook_RemoveEmptiesLevel(t *testing.T) {
	b := New("GAZP")
	o := limitOrder(models.DirectionSell, 110, 7, 0)
	b.Add(o)

	if !b.Remove(o.ID, models.DirectionSell, 110) {
		t.Fatal("expected remove to succeed")
	}
	if b.BestAsk() != nil {
		t.Fatal("expected empty book after removing only resting order")
	}
}

func TestBook_Levels(t *testing.T) {
	b := New("GAZP")
	b.Add(limitOrder(models.DirectionBuy, 100, 10, 0))
	b.Add(limitOrder(models.DirectionBuy, 100, 5, 0))
	b.Add(limitOrder(models.DirectionBuy, 95, 20, 0))

	bids, _ := b.Levels(10)
	if len(bids) != 2 {
		t.Fatalf("expected 2 aggregated bid levels, got %d", len(bids))
	}
	if bids[0].Price != 100 || bids[0].Qty != 15 {
		t.Fatalf("expected top level price=100 qty=15, got %+v", bids[0])
	}
}

func TestRegistry_LazyCreation(t *testing.T) {
	r := NewRegistry()
	a := r.Book("GAZP")
	b := r.Book("GAZP")
	if a != b {
		t.Fatal("expected the same Book instance for repeated lookups")
	}

	m1 := r.InstrumentLock("GAZP")
	m2 := r.InstrumentLock("GAZP")
	if m1 != m2 {
		t.Fatal("expected the same mutex instance for repeated lookups")
	}
}
