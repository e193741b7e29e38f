// Package ledger implements spec §4.1: persistent per-(user, ticker)
// balance rows, bulk row acquisition under a deterministic lock
// order, and the primitive credit/debit/reserve/release operations.
//
// The Ledger never autonomously balances books; it only enforces
// per-row non-negativity and reserved <= amount at commit. Every
// mutation here must run inside a caller-owned *sql.Tx that already
// holds (or is acquiring) the relevant row locks.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"rubxchange/internal/apierr"
	"rubxchange/internal/models"
)

// mysqlErrLockNoWait is the error code MySQL 8 returns for
// "SELECT ... FOR UPDATE NOWAIT" when the row is already locked by
// another transaction.
const mysqlErrLockNoWait = 3572

// LockSpec identifies a single balance row to acquire.
type LockSpec struct {
	UserID uuid.UUID
	Ticker string
}

// LockKey is the map key returned by LockMany.
type LockKey struct {
	UserID uuid.UUID
	Ticker string
}

func keyOf(s LockSpec) LockKey { return LockKey{UserID: s.UserID, Ticker: s.Ticker} }

// Ledger is the SQL-backed balance store.
type Ledger struct {
	db *sql.DB
}

// New constructs a Ledger over an open database handle.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// LockMany acquires row-level locks on every (user, ticker) pair in
// specs within a single transactional step. Pairs are sorted
// canonically by (user_id, ticker) before acquisition so that every
// caller across the system takes locks in the same total order,
// eliminating deadlock (spec §5). Missing rows are lazily created
// with zero balance before being locked. A lock that cannot be
// acquired without blocking returns apierr.KindContention.
func (l *Ledger) LockMany(ctx context.Context, tx *sql.Tx, specs []LockSpec) (map[LockKey]*models.Balance, error) {
	if len(specs) == 0 {
		return map[LockKey]*models.Balance{}, nil
	}

	// Deduplicate and sort canonically.
	seen := make(map[LockKey]struct{}, len(specs))
	unique := make([]LockSpec, 0, len(specs))
	for _, s := range specs {
		k := keyOf(s)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, s)
	}
	sort.Slice(unique, func(i, j int) bool {
		if unique[i].UserID != unique[j].UserID {
			return unique[i].UserID.String() < unique[j].UserID.String()
		}
		return unique[i].Ticker < unique[j].Ticker
	})

	for _, s := range unique {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO balance (user_id, ticker, amount, reserved)
			VALUES (?, ?, 0, 0)
			ON DUPLICATE KEY UPDATE user_id = user_id
		`, s.UserID.String(), s.Ticker); err != nil {
			return nil, fmt.Errorf("ledger: ensure row: %w", err)
		}
	}

	placeholders := make([]string, 0, len(unique))
	args := make([]interface{}, 0, len(unique)*2)
	for _, s := range unique {
		placeholders = append(placeholders, "(user_id = ? AND ticker = ?)")
		args = append(args, s.UserID.String(), s.Ticker)
	}
	query := fmt.Sprintf(`
		SELECT user_id, ticker, amount, reserved
		FROM balance
		WHERE %s
		ORDER BY user_id, ticker
		FOR UPDATE NOWAIT
	`, strings.Join(placeholders, " OR "))

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrLockNoWait {
			return nil, apierr.Wrap(apierr.KindContention, "balance row locked", err)
		}
		return nil, fmt.Errorf("ledger: lock many: %w", err)
	}
	defer rows.Close()

	out := make(map[LockKey]*models.Balance, len(unique))
	for rows.Next() {
		var userIDStr, ticker string
		var amount, reserved int64
		if err := rows.Scan(&userIDStr, &ticker, &amount, &reserved); err != nil {
			return nil, fmt.Errorf("ledger: scan balance: %w", err)
		}
		userID, err := uuid.Parse(userIDStr)
		if err != nil {
			return nil, fmt.Errorf("ledger: parse user_id: %w", err)
		}
		b := &models.Balance{UserID: userID, Ticker: ticker, Amount: amount, Reserved: reserved}
		out[LockKey{UserID: userID, Ticker: ticker}] = b
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// lockOne is a convenience wrapper for operations that only ever
// touch a single row (credit/debit/reserve/release called outside a
// multi-leg settlement).
func (l *Ledger) lockOne(ctx context.Context, tx *sql.Tx, userID uuid.UUID, ticker string) (*models.Balance, error) {
	rows, err := l.LockMany(ctx, tx, []LockSpec{{UserID: userID, Ticker: ticker}})
	if err != nil {
		return nil, err
	}
	return rows[LockKey{UserID: userID, Ticker: ticker}], nil
}

func (l *Ledger) store(ctx context.Context, tx *sql.Tx, b *models.Balance) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE balance SET amount = ?, reserved = ?
		WHERE user_id = ? AND ticker = ?
	`, b.Amount, b.Reserved, b.UserID.String(), b.Ticker)
	if err != nil {
		return fmt.Errorf("ledger: store balance: %w", err)
	}
	return nil
}

// Credit increases amount by n, creating the row if absent.
func (l *Ledger) Credit(ctx context.Context, tx *sql.Tx, userID uuid.UUID, ticker string, n int64) error {
	if n < 0 {
		return apierr.New(apierr.KindValidation, "credit amount must be non-negative")
	}
	b, err := l.lockOne(ctx, tx, userID, ticker)
	if err != nil {
		return err
	}
	b.Amount += n
	return l.store(ctx, tx, b)
}

// Debit decreases amount by n. Fails with INSUFFICIENT_FUNDS if
// amount < n. Does not consult reserved — callers are responsible for
// checking free funds before calling Debit.
func (l *Ledger) Debit(ctx context.Context, tx *sql.Tx, userID uuid.UUID, ticker string, n int64) error {
	if n < 0 {
		return apierr.New(apierr.KindValidation, "debit amount must be non-negative")
	}
	b, err := l.lockOne(ctx, tx, userID, ticker)
	if err != nil {
		return err
	}
	if b.Amount < n {
		return apierr.New(apierr.KindInsufficient, fmt.Sprintf("insufficient %s balance", ticker))
	}
	b.Amount -= n
	return l.store(ctx, tx, b)
}

// Reserve increases reserved by n. Fails with INSUFFICIENT_FUNDS when
// amount - reserved < n.
func (l *Ledger) Reserve(ctx context.Context, tx *sql.Tx, userID uuid.UUID, ticker string, n int64) error {
	if n < 0 {
		return apierr.New(apierr.KindValidation, "reserve amount must be non-negative")
	}
	b, err := l.lockOne(ctx, tx, userID, ticker)
	if err != nil {
		return err
	}
	if b.Free() < n {
		return apierr.New(apierr.KindInsufficient, fmt.Sprintf("insufficient free %s to reserve", ticker))
	}
	b.Reserved += n
	return l.store(ctx, tx, b)
}

// Release decreases reserved by min(n, reserved). Never fails.
func (l *Ledger) Release(ctx context.Context, tx *sql.Tx, userID uuid.UUID, ticker string, n int64) error {
	if n <= 0 {
		return nil
	}
	b, err := l.lockOne(ctx, tx, userID, ticker)
	if err != nil {
		return err
	}
	if n > b.Reserved {
		n = b.Reserved
	}
	b.Reserved -= n
	return l.store(ctx, tx, b)
}

// Get reads a balance row without acquiring a write lock; used by the
// gateway's admissibility pre-checks. A missing row reads as zero.
func (l *Ledger) Get(ctx context.Context, userID uuid.UUID, ticker string) (*models.Balance, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT amount, reserved FROM balance WHERE user_id = ? AND ticker = ?
	`, userID.String(), ticker)
	var b models.Balance
	b.UserID = userID
	b.Ticker = ticker
	if err := row.Scan(&b.Amount, &b.Reserved); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.Balance{UserID: userID, Ticker: ticker}, nil
		}
		return nil, fmt.Errorf("ledger: get balance: %w", err)
	}
	return &b, nil
}

// All reads the amount of every balance row a user has, including
// rows whose amount is zero, used to serve GET /api/v1/balance.
func (l *Ledger) All(ctx context.Context, userID uuid.UUID) (map[string]int64, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT ticker, amount FROM balance WHERE user_id = ?
	`, userID.String())
	if err != nil {
		return nil, fmt.Errorf("ledger: list balances: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var ticker string
		var amount int64
		if err := rows.Scan(&ticker, &amount); err != nil {
			return nil, err
		}
		out[ticker] = amount
	}
	return out, rows.Err()
}

// CreditStandalone opens its own transaction to credit a balance,
// for callers outside an existing commit unit (the admin deposit
// endpoint, spec §6 supplemented routes).
func (l *Ledger) CreditStandalone(ctx context.Context, userID uuid.UUID, ticker string, n int64) error {
	return l.withTx(ctx, func(tx *sql.Tx) error { return l.Credit(ctx, tx, userID, ticker, n) })
}

// DebitStandalone opens its own transaction to debit a balance, for
// callers outside an existing commit unit (the admin withdraw
// endpoint, spec §6 supplemented routes).
func (l *Ledger) DebitStandalone(ctx context.Context, userID uuid.UUID, ticker string, n int64) error {
	return l.withTx(ctx, func(tx *sql.Tx) error { return l.Debit(ctx, tx, userID, ticker, n) })
}

func (l *Ledger) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Store persists a Balance that was already locked via LockMany and
// mutated in place by a caller (the settler touches four rows at
// once and wants a single code path for writing all of them back).
func (l *Ledger) Store(ctx context.Context, tx *sql.Tx, b *models.Balance) error {
	return l.store(ctx, tx, b)
}
