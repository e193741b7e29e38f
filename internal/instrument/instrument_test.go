package instrument

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"rubxchange/internal/apierr"
	"rubxchange/internal/db"
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

func TestStore_CreateGetExistsDelete(t *testing.T) {
	database := testDB(t)
	s := New(database)
	ctx := context.Background()

	in := models.Instrument{Ticker: "GAZP", Name: "Gazprom"}
	require.NoError(t, s.Create(ctx, in))
	t.Cleanup(func() { _ = s.Delete(ctx, in.Ticker) })

	ok, err := s.Exists(ctx, in.Ticker)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Get(ctx, in.Ticker)
	require.NoError(t, err)
	require.Equal(t, in.Name, got.Name)

	require.NoError(t, s.Delete(ctx, in.Ticker))

	ok, err = s.Exists(ctx, in.Ticker)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Get(ctx, in.Ticker)
	require.True(t, apierr.Is(err, apierr.KindNotFound))
}

func TestStore_CreateDuplicateFails(t *testing.T) {
	database := testDB(t)
	s := New(database)
	ctx := context.Background()

	in := models.Instrument{Ticker: "SBER", Name: "Sberbank"}
	require.NoError(t, s.Create(ctx, in))
	t.Cleanup(func() { _ = s.Delete(ctx, in.Ticker) })

	err := s.Create(ctx, in)
	require.Error(t, err)
	require.True(t, apierr.Is(err, apierr.KindValidation))
}

func TestStore_DeleteUnknownFails(t *testing.T) {
	database := testDB(t)
	s := New(database)

	err := s.Delete(context.Background(), "NOPE")
	require.True(t, apierr.Is(err, apierr.KindNotFound))
}
