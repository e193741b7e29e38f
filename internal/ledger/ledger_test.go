package ledger

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"rubxchange/internal/apierr"
	"rubxchange/internal/db"
	"rubxchange/internal/models"
)

// testDB skips the test unless DB_DSN is set, mirroring the teacher's
// integration_test.go gating (internal/engine/integration_test.go).
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

func TestLedger_ReserveDebitCreditRelease(t *testing.T) {
	database := testDB(t)
	l := New(database)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, l.CreditStandalone(ctx, userID, models.RUB, 1000))

	tx, err := database.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, l.Reserve(ctx, tx, userID, models.RUB, 400))
	require.NoError(t, tx.Commit())

	b, err := l.Get(ctx, userID, models.RUB)
	require.NoError(t, err)
	require.Equal(t, int64(1000), b.Amount)
	require.Equal(t, int64(400), b.Reserved)
	require.Equal(t, int64(600), b.Free())

	tx, err = database.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, tx, userID, models.RUB, 400))
	require.NoError(t, tx.Commit())

	b, err = l.Get(ctx, userID, models.RUB)
	require.NoError(t, err)
	require.Equal(t, int64(0), b.Reserved)
}

func TestLedger_ReserveFailsWhenFreeFundsInsufficient(t *testing.T) {
	database := testDB(t)
	l := New(database)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, l.CreditStandalone(ctx, userID, models.RUB, 100))

	tx, err := database.BeginTx(ctx, nil)
	require.NoError(t, err)
	err = l.Reserve(ctx, tx, userID, models.RUB, 500)
	require.Error(t, err)
	require.True(t, apierr.Is(err, apierr.KindInsufficient))
	require.NoError(t, tx.Rollback())
}

func TestLedger_DebitFailsWhenAmountInsufficient(t *testing.T) {
	database := testDB(t)
	l := New(database)
	ctx := context.Background()
	userID := uuid.New()

	tx, err := database.BeginTx(ctx, nil)
	require.NoError(t, err)
	err = l.Debit(ctx, tx, userID, models.RUB, 50)
	require.Error(t, err)
	require.True(t, apierr.Is(err, apierr.KindInsufficient))
	require.NoError(t, tx.Rollback())
}

func TestLedger_LockManyCanonicalOrderAcrossConcurrentCallers(t *testing.T) {
	database := testDB(t)
	l := New(database)
	ctx := context.Background()
	a := uuid.New()
	b := uuid.New()

	require.NoError(t, l.CreditStandalone(ctx, a, models.RUB, 100))
	require.NoError(t, l.CreditStandalone(ctx, b, "GAZP", 100))

	specsForward := []LockSpec{{UserID: a, Ticker: models.RUB}, {UserID: b, Ticker: "GAZP"}}
	specsReverse := []LockSpec{{UserID: b, Ticker: "GAZP"}, {UserID: a, Ticker: models.RUB}}

	done := make(chan error, 2)
	go func() {
		tx, err := database.BeginTx(ctx, nil)
		if err != nil {
			done <- err
			return
		}
		_, err = l.LockMany(ctx, tx, specsForward)
		if err != nil {
			_ = tx.Rollback()
			done <- err
			return
		}
		done <- tx.Commit()
	}()
	go func() {
		tx, err := database.BeginTx(ctx, nil)
		if err != nil {
			done <- err
			return
		}
		_, err = l.LockMany(ctx, tx, specsReverse)
		if err != nil {
			_ = tx.Rollback()
			done <- err
			return
		}
		done <- tx.Commit()
	}()

	for i := 0; i < 2; i++ {
		err := <-done
		require.NoError(t, err, "expected canonical lock ordering to prevent deadlock between mirrored lock sets")
	}
}
