package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brokerx/brokerx/services/order/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresGateway reads accounts and wallets from the shared database when the
// engine runs inside the same deployment as the account service.
type PostgresGateway struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	metrics *Metrics
}

func NewPostgres(pool *pgxpool.Pool, timeout time.Duration, m *Metrics) *PostgresGateway {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &PostgresGateway{pool: pool, timeout: timeout, metrics: m}
}

func (g *PostgresGateway) ResolveAccount(ctx context.Context, identity string) (acct *domain.Account, err error) {
	defer func(start time.Time) { g.metrics.observe("resolve_account", start, err) }(time.Now())
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	row := g.pool.QueryRow(ctx, `
		SELECT a.id, a.user_id, a.status
		FROM accounts a
		JOIN users u ON u.id = a.user_id
		WHERE lower(u.email) = lower($1)
		ORDER BY a.created_at ASC
		LIMIT 1
	`, strings.TrimSpace(identity))
	return scanAccount(row)
}

func (g *PostgresGateway) GetAccount(ctx context.Context, accountID uuid.UUID) (acct *domain.Account, err error) {
	defer func(start time.Time) { g.metrics.observe("get_account", start, err) }(time.Now())
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	row := g.pool.QueryRow(ctx, `SELECT id, user_id, status FROM accounts WHERE id = $1`, accountID)
	return scanAccount(row)
}

func (g *PostgresGateway) GetWallet(ctx context.Context, accountID uuid.UUID) (w *domain.Wallet, err error) {
	defer func(start time.Time) { g.metrics.observe("get_wallet", start, err) }(time.Now())
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var (
		wallet  domain.Wallet
		balance string
	)
	err = g.pool.QueryRow(ctx, `
		SELECT id, account_id, balance::text, currency
		FROM wallets
		WHERE account_id = $1
	`, accountID).Scan(&wallet.ID, &wallet.AccountID, &balance, &wallet.Currency)
	if err != nil {
		return nil, classify(err, ErrWalletNotFound)
	}
	if wallet.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("parse wallet balance: %w", err)
	}
	return &wallet, nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		acct   domain.Account
		status string
	)
	if err := row.Scan(&acct.ID, &acct.UserID, &status); err != nil {
		return nil, classify(err, ErrAccountNotFound)
	}
	acct.Status = domain.AccountStatus(strings.ToUpper(status))
	return &acct, nil
}

func classify(err, notFound error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound
	}
	return fmt.Errorf("%v: %w", err, ErrUnavailable)
}
