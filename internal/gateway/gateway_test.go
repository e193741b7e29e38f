package gateway

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"rubxchange/internal/apierr"
	"rubxchange/internal/config"
	"rubxchange/internal/db"
	"rubxchange/internal/instrument"
	"rubxchange/internal/ledger"
	"rubxchange/internal/models"
	"rubxchange/internal/orderbook"
	"rubxchange/internal/orderstore"
	"rubxchange/internal/tradelog"
)

// testEnv wires a full Gateway against a real database, mirroring the
// teacher's integration_test.go gating on DB_DSN
// (internal/engine/integration_test.go).
type testEnv struct {
	gw     *Gateway
	ledger *ledger.Ledger
	orders *orderstore.Store
	db     *sql.DB
	ticker string
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		t.Skip("DB_DSN environment variable not set, skipping integration test")
	}
	database, err := db.Connect(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	ticker := "X" + uuid.New().String()[:6]
	instruments := instrument.New(database)
	require.NoError(t, instruments.Create(context.Background(), models.Instrument{Ticker: ticker, Name: "Test Co"}))
	t.Cleanup(func() { _ = instruments.Delete(context.Background(), ticker) })

	l := ledger.New(database)
	cfg := &config.Config{RetryBackoff: []time.Duration{10 * time.Millisecond, 40 * time.Millisecond, 160 * time.Millisecond}}
	gw := New(database, orderbook.NewRegistry(), l, orderstore.New(database), tradelog.New(database), instruments, cfg, zerolog.Nop())

	return &testEnv{gw: gw, ledger: l, orders: orderstore.New(database), db: database, ticker: ticker}
}

func ptr(n int64) *int64 { return &n }

func TestScenario_SimpleLimitCross(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	ticker := env.ticker

	a := uuid.New()
	b := uuid.New()
	require.NoError(t, env.ledger.CreditStandalone(ctx, a, models.RUB, 1000))
	require.NoError(t, env.ledger.CreditStandalone(ctx, b, ticker, 10))

	sellOrder, err := env.gw.CreateOrder(ctx, b, models.CreateOrderRequest{Direction: models.DirectionSell, Ticker: ticker, Type: models.OrderTypeLimit, Qty: 10, Price: ptr(100)})
	require.NoError(t, err)

	buyOrder, err := env.gw.CreateOrder(ctx, a, models.CreateOrderRequest{Direction: models.DirectionBuy, Ticker: ticker, Type: models.OrderTypeLimit, Qty: 10, Price: ptr(100)})
	require.NoError(t, err)

	require.Equal(t, models.StatusExecuted, buyOrder.Status)
	require.Equal(t, models.StatusExecuted, sellOrder.Status)

	aRUB, _ := env.ledger.Get(ctx, a, models.RUB)
	aAsset, _ := env.ledger.Get(ctx, a, ticker)
	bRUB, _ := env.ledger.Get(ctx, b, models.RUB)
	bAsset, _ := env.ledger.Get(ctx, b, ticker)

	require.Equal(t, int64(0), aRUB.Amount)
	require.Equal(t, int64(0), aRUB.Reserved)
	require.Equal(t, int64(10), aAsset.Amount)
	require.Equal(t, int64(1000), bRUB.Amount)
	require.Equal(t, int64(0), bAsset.Amount)
	require.Equal(t, int64(0), bAsset.Reserved)
}

func TestScenario_PartialFillLeavesResidualResting(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	ticker := env.ticker

	a := uuid.New()
	b := uuid.New()
	require.NoError(t, env.ledger.CreditStandalone(ctx, a, models.RUB, 1000))
	require.NoError(t, env.ledger.CreditStandalone(ctx, b, ticker, 10))

	sellOrder, err := env.gw.CreateOrder(ctx, b, models.CreateOrderRequest{Direction: models.DirectionSell, Ticker: ticker, Type: models.OrderTypeLimit, Qty: 10, Price: ptr(100)})
	require.NoError(t, err)

	buyOrder, err := env.gw.CreateOrder(ctx, a, models.CreateOrderRequest{Direction: models.DirectionBuy, Ticker: ticker, Type: models.OrderTypeLimit, Qty: 6, Price: ptr(100)})
	require.NoError(t, err)

	require.Equal(t, models.StatusExecuted, buyOrder.Status)
	require.Equal(t, int64(6), buyOrder.Filled)

	restingSell, err := env.orders.Get(ctx, nil, sellOrder.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPartiallyExecuted, restingSell.Status)
	require.Equal(t, int64(6), restingSell.Filled)

	aRUB, _ := env.ledger.Get(ctx, a, models.RUB)
	aAsset, _ := env.ledger.Get(ctx, a, ticker)
	bRUB, _ := env.ledger.Get(ctx, b, models.RUB)
	bAsset, _ := env.ledger.Get(ctx, b, ticker)

	require.Equal(t, int64(400), aRUB.Amount)
	require.Equal(t, int64(0), aRUB.Reserved)
	require.Equal(t, int64(6), aAsset.Amount)
	require.Equal(t, int64(600), bRUB.Amount)
	require.Equal(t, int64(4), bAsset.Amount)
	require.Equal(t, int64(4), bAsset.Reserved)
}

func TestScenario_PriceTimePriority(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	ticker := env.ticker

	s1, s2, buyer := uuid.New(), uuid.New(), uuid.New()
	require.NoError(t, env.ledger.CreditStandalone(ctx, s1, ticker, 5))
	require.NoError(t, env.ledger.CreditStandalone(ctx, s2, ticker, 5))
	require.NoError(t, env.ledger.CreditStandalone(ctx, buyer, models.RUB, 10_000))

	order1, err := env.gw.CreateOrder(ctx, s1, models.CreateOrderRequest{Direction: models.DirectionSell, Ticker: ticker, Type: models.OrderTypeLimit, Qty: 5, Price: ptr(100)})
	require.NoError(t, err)
	order2, err := env.gw.CreateOrder(ctx, s2, models.CreateOrderRequest{Direction: models.DirectionSell, Ticker: ticker, Type: models.OrderTypeLimit, Qty: 5, Price: ptr(100)})
	require.NoError(t, err)

	_, err = env.gw.CreateOrder(ctx, buyer, models.CreateOrderRequest{Direction: models.DirectionBuy, Ticker: ticker, Type: models.OrderTypeLimit, Qty: 7, Price: ptr(100)})
	require.NoError(t, err)

	s1After, err := env.orders.Get(ctx, nil, order1.ID)
	require.NoError(t, err)
	s2After, err := env.orders.Get(ctx, nil, order2.ID)
	require.NoError(t, err)

	require.Equal(t, models.StatusExecuted, s1After.Status)
	require.Equal(t, int64(5), s1After.Filled)
	require.Equal(t, models.StatusPartiallyExecuted, s2After.Status)
	require.Equal(t, int64(2), s2After.Filled)
}

func TestScenario_MarketRejectWhenUnderfilled(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	ticker := env.ticker

	seller, buyer := uuid.New(), uuid.New()
	require.NoError(t, env.ledger.CreditStandalone(ctx, seller, ticker, 5))
	require.NoError(t, env.ledger.CreditStandalone(ctx, buyer, models.RUB, 10_000))

	sellOrder, err := env.gw.CreateOrder(ctx, seller, models.CreateOrderRequest{Direction: models.DirectionSell, Ticker: ticker, Type: models.OrderTypeLimit, Qty: 5, Price: ptr(50)})
	require.NoError(t, err)

	_, err = env.gw.CreateOrder(ctx, buyer, models.CreateOrderRequest{Direction: models.DirectionBuy, Ticker: ticker, Type: models.OrderTypeMarket, Qty: 10})
	require.Error(t, err)
	require.True(t, apierr.Is(err, apierr.KindUnfillableOrder))

	restingSell, err := env.orders.Get(ctx, nil, sellOrder.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusNew, restingSell.Status)
	require.Equal(t, int64(0), restingSell.Filled)

	buyerRUB, err := env.ledger.Get(ctx, buyer, models.RUB)
	require.NoError(t, err)
	require.Equal(t, int64(10_000), buyerRUB.Amount)
}

func TestScenario_CancelReleasesReserve(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	ticker := env.ticker

	u := uuid.New()
	require.NoError(t, env.ledger.CreditStandalone(ctx, u, models.RUB, 1000))

	order, err := env.gw.CreateOrder(ctx, u, models.CreateOrderRequest{Direction: models.DirectionBuy, Ticker: ticker, Type: models.OrderTypeLimit, Qty: 10, Price: ptr(100)})
	require.NoError(t, err)

	b, err := env.ledger.Get(ctx, u, models.RUB)
	require.NoError(t, err)
	require.Equal(t, int64(1000), b.Reserved)

	require.NoError(t, env.gw.CancelOrder(ctx, u, order.ID))

	b, err = env.ledger.Get(ctx, u, models.RUB)
	require.NoError(t, err)
	require.Equal(t, int64(0), b.Reserved)
	require.Equal(t, int64(1000), b.Amount)

	cancelled, err := env.orders.Get(ctx, nil, order.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, cancelled.Status)

	err = env.gw.CancelOrder(ctx, u, order.ID)
	require.Error(t, err)
	require.True(t, apierr.Is(err, apierr.KindTerminalState))
}

func TestScenario_ConcurrentSettleNonDeadlock(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	ticker := env.ticker
	otherTicker := "Y" + uuid.New().String()[:6]
	instruments := instrument.New(env.db)
	require.NoError(t, instruments.Create(ctx, models.Instrument{Ticker: otherTicker, Name: "Other Co"}))
	t.Cleanup(func() { _ = instruments.Delete(ctx, otherTicker) })

	a, b := uuid.New(), uuid.New()
	require.NoError(t, env.ledger.CreditStandalone(ctx, a, models.RUB, 100_000))
	require.NoError(t, env.ledger.CreditStandalone(ctx, a, otherTicker, 100))
	require.NoError(t, env.ledger.CreditStandalone(ctx, b, models.RUB, 100_000))
	require.NoError(t, env.ledger.CreditStandalone(ctx, b, ticker, 100))

	_, err := env.gw.CreateOrder(ctx, a, models.CreateOrderRequest{Direction: models.DirectionBuy, Ticker: ticker, Type: models.OrderTypeLimit, Qty: 10, Price: ptr(100)})
	require.NoError(t, err)
	_, err = env.gw.CreateOrder(ctx, b, models.CreateOrderRequest{Direction: models.DirectionSell, Ticker: otherTicker, Type: models.OrderTypeLimit, Qty: 10, Price: ptr(50)})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := env.gw.CreateOrder(ctx, b, models.CreateOrderRequest{Direction: models.DirectionSell, Ticker: ticker, Type: models.OrderTypeLimit, Qty: 10, Price: ptr(100)})
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := env.gw.CreateOrder(ctx, a, models.CreateOrderRequest{Direction: models.DirectionBuy, Ticker: otherTicker, Type: models.OrderTypeLimit, Qty: 10, Price: ptr(50)})
		errs <- err
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err, "expected canonical lock order to prevent deadlock between overlapping settlements")
	}
}
