package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wahub-id/wahub/internal/db"
)

var (
	ErrNotFound      = errors.New("quota_not_found")
	ErrAlreadyExists = errors.New("quota_already_exists")
)

// InsufficientBalanceError carries what the caller asked for versus what the
// user actually has, so the API can report both.
type InsufficientBalanceError struct {
	Required  int
	Available int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %d, available %d", e.Required, e.Available)
}

type Balance struct {
	Balance      int `json:"balance"`
	LockedAmount int `json:"lockedAmount"`
}

// Ledger does the prepaid-credit bookkeeping. Every mutation is a
// transactional read-modify-write under a row lock, so concurrent
// reservations for the same user serialize instead of racing.
type Ledger struct {
	DB *db.DB
}

func NewLedger(database *db.DB) *Ledger { return &Ledger{DB: database} }

func (l *Ledger) GetBalance(ctx context.Context, userID string) (Balance, error) {
	var b Balance
	err := l.DB.Pool.QueryRow(ctx,
		`SELECT balance, locked_amount FROM quotas WHERE user_id=$1`, userID).
		Scan(&b.Balance, &b.LockedAmount)
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, ErrNotFound
	}
	return b, err
}

// Create seeds a quota row. Not idempotent: a second call for the same user
// fails on the primary key.
func (l *Ledger) Create(ctx context.Context, userID string, initialBalance int) error {
	_, err := l.DB.Pool.Exec(ctx,
		`INSERT INTO quotas(user_id, balance, locked_amount) VALUES($1,$2,0)`,
		userID, initialBalance)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}
	return err
}

// Add is the admin top-up.
func (l *Ledger) Add(ctx context.Context, userID string, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("invalid amount")
	}
	return l.DB.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE quotas SET balance = balance + $1, updated_at = now() WHERE user_id=$2`,
			amount, userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Reserve moves amount from balance into locked_amount, failing the whole
// transaction when the balance cannot cover it.
func (l *Ledger) Reserve(ctx context.Context, userID string, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("invalid amount")
	}
	return l.DB.WithTx(ctx, func(tx pgx.Tx) error {
		var balance, locked int
		err := tx.QueryRow(ctx,
			`SELECT balance, locked_amount FROM quotas WHERE user_id=$1 FOR UPDATE`, userID).
			Scan(&balance, &locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if balance < amount {
			return &InsufficientBalanceError{Required: amount, Available: balance}
		}
		_, err = tx.Exec(ctx,
			`UPDATE quotas SET balance = balance - $1, locked_amount = locked_amount + $1, updated_at = now()
			 WHERE user_id=$2`, amount, userID)
		return err
	})
}

// Finalize releases the entire reservation, crediting back whatever the
// dispatch run did not consume. Called exactly once per run, including
// aborted ones (with the partial success count).
func (l *Ledger) Finalize(ctx context.Context, userID string, successCount int) error {
	if successCount < 0 {
		successCount = 0
	}
	return l.DB.WithTx(ctx, func(tx pgx.Tx) error {
		var locked int
		err := tx.QueryRow(ctx,
			`SELECT locked_amount FROM quotas WHERE user_id=$1 FOR UPDATE`, userID).
			Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		unused := locked - successCount
		if unused < 0 {
			unused = 0
		}
		_, err = tx.Exec(ctx,
			`UPDATE quotas SET balance = balance + $1, locked_amount = 0, updated_at = now()
			 WHERE user_id=$2`, unused, userID)
		return err
	})
}
