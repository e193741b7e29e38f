// Package config centralizes the environment-variable configuration
// the teacher's cmd/server/main.go scattered across os.Getenv calls.
package config

import (
	"fmt"
	"os"
	"time"
)

// Config holds every tunable the server needs at startup.
type Config struct {
	DSN           string
	HTTPAddr      string
	JWTSecret     []byte
	MigrationsDir string

	// RetryBackoff drives the gateway's bounded backoff on CONTENTION
	// from spec §5: up to 3 retries after the first try, waiting
	// 10/40/160ms. The gateway derives its retry count from
	// len(RetryBackoff); RetryAttempts is not read by it.
	RetryAttempts int
	RetryBackoff  []time.Duration
}

// Load reads configuration from the environment, applying the
// defaults spec §5 names for retry behavior.
func Load() (*Config, error) {
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		return nil, fmt.Errorf("DB_DSN environment variable is required")
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-insecure-secret"
	}

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	migrationsDir := os.Getenv("MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}

	return &Config{
		DSN:           dsn,
		HTTPAddr:      addr,
		JWTSecret:     []byte(secret),
		MigrationsDir: migrationsDir,
		RetryAttempts: 3,
		RetryBackoff: []time.Duration{
			10 * time.Millisecond,
			40 * time.Millisecond,
			160 * time.Millisecond,
		},
	}, nil
}
