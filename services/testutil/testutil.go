package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// IntegrationDSN returns the postgres DSN for integration tests, skipping t when unset.
func IntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("RUN_DB_INTEGRATION")
	if dsn == "" {
		t.Skip("set RUN_DB_INTEGRATION to a postgres DSN to run")
	}
	return dsn
}

func SetupTestDB(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return pool, nil
}

// CleanupTestData removes rows written by tests, keeping the seeded accounts.
func CleanupTestData(ctx context.Context, pool *pgxpool.Pool) error {
	queries := []string{
		"DELETE FROM processed_events",
		"DELETE FROM orders",
		"DELETE FROM wallets WHERE account_id NOT IN (SELECT id FROM accounts WHERE user_id IN (SELECT id FROM users WHERE email IN ('demo@example.com', 'trader@example.com')))",
		"DELETE FROM accounts WHERE user_id NOT IN (SELECT id FROM users WHERE email IN ('demo@example.com', 'trader@example.com'))",
		"DELETE FROM users WHERE email NOT IN ('demo@example.com', 'trader@example.com')",
	}

	for _, q := range queries {
		if _, err := pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("cleanup %q: %w", q, err)
		}
	}
	return nil
}
