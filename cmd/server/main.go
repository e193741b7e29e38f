// Command server wires the exchange together: config, database
// connection and migrations, the ledger/orderbook/gateway stack, and
// the HTTP API, with graceful shutdown. Adapted from the teacher's
// cmd/server/main.go wiring, generalized to the new component split
// and with the teacher's log.Printf calls replaced by the rest of the
// pack's zerolog.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"rubxchange/internal/auth"
	"rubxchange/internal/config"
	"rubxchange/internal/db"
	"rubxchange/internal/gateway"
	"rubxchange/internal/httpapi"
	"rubxchange/internal/instrument"
	"rubxchange/internal/ledger"
	"rubxchange/internal/orderbook"
	"rubxchange/internal/orderstore"
	"rubxchange/internal/tradelog"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	if err := godotenv.Load(); err != nil {
		log.Info().Msg(".env not loaded, continuing with process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Info().Msg("connecting to database")
	database, err := db.Connect(cfg.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	log.Info().Msg("applying migrations")
	if err := db.Migrate(database, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("failed to apply migrations")
	}

	l := ledger.New(database)
	books := orderbook.NewRegistry()
	orders := orderstore.New(database)
	trades := tradelog.New(database)
	instruments := instrument.New(database)
	authSvc := auth.New(database, cfg.JWTSecret)

	gw := gateway.New(database, books, l, orders, trades, instruments, cfg, log)

	log.Info().Msg("recovering open orders into in-memory book")
	if err := gw.Recover(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to recover open orders")
	}

	if token, err := authSvc.Bootstrap(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to bootstrap admin user")
	} else if token != "" {
		log.Info().Str("admin_token", token).Msg("bootstrapped initial admin user - store this token, it is not recoverable")
	}

	srv := httpapi.New(gw, authSvc, l, orders, books, instruments, trades, log)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Router(),
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-stop
	log.Info().Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	} else {
		log.Info().Msg("server gracefully stopped")
	}
}
