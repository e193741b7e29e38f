package settlement

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"rubxchange/internal/db"
	"rubxchange/internal/ledger"
	"rubxchange/internal/matching"
	"rubxchange/internal/models"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		t.Skip("DB_DSN environment variable not set, skipping integration test")
	}
	database, err := db.Connect(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestSettle_FourLeggedMutation(t *testing.T) {
	database := testDB(t)
	l := ledger.New(database)
	s := New(l)
	ctx := context.Background()

	buyer := uuid.New()
	seller := uuid.New()
	require.NoError(t, l.CreditStandalone(ctx, buyer, models.RUB, 10_000))
	require.NoError(t, l.CreditStandalone(ctx, seller, "GAZP", 100))

	price := int64(150)
	buyOrder := &models.Order{ID: uuid.New(), UserID: buyer, Ticker: "GAZP", Type: models.OrderTypeLimit, Direction: models.DirectionBuy, Qty: 10, Price: &price, Status: models.StatusNew}
	sellOrder := &models.Order{ID: uuid.New(), UserID: seller, Ticker: "GAZP", Type: models.OrderTypeLimit, Direction: models.DirectionSell, Qty: 10, Price: &price, Status: models.StatusNew}

	fill := matching.Fill{Ticker: "GAZP", Qty: 10, Price: price, BuyOrder: buyOrder, SellOrder: sellOrder, ExecutedAt: time.Now()}

	tx, err := database.BeginTx(ctx, nil)
	require.NoError(t, err)
	trade, err := s.Settle(ctx, tx, fill)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.Equal(t, int64(10), trade.Qty)
	require.Equal(t, price, trade.Price)

	buyerRUB, err := l.Get(ctx, buyer, models.RUB)
	require.NoError(t, err)
	require.Equal(t, int64(10_000-1500), buyerRUB.Amount)

	sellerRUB, err := l.Get(ctx, seller, models.RUB)
	require.NoError(t, err)
	require.Equal(t, int64(1500), sellerRUB.Amount)

	buyerAsset, err := l.Get(ctx, buyer, "GAZP")
	require.NoError(t, err)
	require.Equal(t, int64(10), buyerAsset.Amount)

	sellerAsset, err := l.Get(ctx, seller, "GAZP")
	require.NoError(t, err)
	require.Equal(t, int64(90), sellerAsset.Amount)
}
