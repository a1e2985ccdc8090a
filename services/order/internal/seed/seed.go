// Package seed writes the demo users, accounts and wallets read by the
// in-process account gateway.
package seed

import (
	"context"
	"fmt"
	"strings"

	"github.com/brokerx/brokerx/services/order/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	DemoUserID      = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	TraderUserID    = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	DemoAccountID   = uuid.MustParse("00000000-0000-0000-0000-000000000101")
	TraderAccountID = uuid.MustParse("00000000-0000-0000-0000-000000000102")
	DemoWalletID    = uuid.MustParse("00000000-0000-0000-0000-000000000401")
	TraderWalletID  = uuid.MustParse("00000000-0000-0000-0000-000000000402")
)

// Fixture is one login with its account and cash wallet.
type Fixture struct {
	Email     string
	UserID    uuid.UUID
	AccountID uuid.UUID
	WalletID  uuid.UUID
	Status    domain.AccountStatus
	Balance   decimal.Decimal
	Currency  string
}

func Defaults() []Fixture {
	return []Fixture{
		{
			Email:     "demo@example.com",
			UserID:    DemoUserID,
			AccountID: DemoAccountID,
			WalletID:  DemoWalletID,
			Status:    domain.AccountActive,
			Balance:   decimal.RequireFromString("10000.00"),
			Currency:  "USD",
		},
		{
			Email:     "trader@example.com",
			UserID:    TraderUserID,
			AccountID: TraderAccountID,
			WalletID:  TraderWalletID,
			Status:    domain.AccountActive,
			Balance:   decimal.RequireFromString("50000.00"),
			Currency:  "USD",
		},
	}
}

// TestData covers the rejection paths: a pending account and an empty wallet.
func TestData() []Fixture {
	return []Fixture{
		{
			Email:     "pending@example.com",
			UserID:    uuid.MustParse("00000000-0000-0000-0000-000000000003"),
			AccountID: uuid.MustParse("00000000-0000-0000-0000-000000000103"),
			WalletID:  uuid.MustParse("00000000-0000-0000-0000-000000000403"),
			Status:    domain.AccountPending,
			Balance:   decimal.RequireFromString("1000.00"),
			Currency:  "USD",
		},
		{
			Email:     "broke@example.com",
			UserID:    uuid.MustParse("00000000-0000-0000-0000-000000000004"),
			AccountID: uuid.MustParse("00000000-0000-0000-0000-000000000104"),
			WalletID:  uuid.MustParse("00000000-0000-0000-0000-000000000404"),
			Status:    domain.AccountActive,
			Balance:   decimal.Zero,
			Currency:  "USD",
		},
	}
}

// Apply upserts every fixture in one transaction. Re-running resets status and balance.
func Apply(ctx context.Context, pool *pgxpool.Pool, fixtures []Fixture) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, f := range fixtures {
		if err := apply(ctx, tx, f); err != nil {
			return fmt.Errorf("seed %s: %w", f.Email, err)
		}
	}
	return tx.Commit(ctx)
}

func apply(ctx context.Context, tx pgx.Tx, f Fixture) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO users (id, email)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email
	`, f.UserID, strings.ToLower(f.Email)); err != nil {
		return fmt.Errorf("user: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO accounts (id, user_id, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status
	`, f.AccountID, f.UserID, string(f.Status)); err != nil {
		return fmt.Errorf("account: %w", err)
	}

	currency := f.Currency
	if currency == "" {
		currency = "USD"
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO wallets (id, account_id, balance, currency)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET balance = EXCLUDED.balance, currency = EXCLUDED.currency
	`, f.WalletID, f.AccountID, f.Balance.StringFixed(2), currency); err != nil {
		return fmt.Errorf("wallet: %w", err)
	}
	return nil
}
