package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/brokerx/brokerx/services/order/internal/config"
	"github.com/brokerx/brokerx/services/order/internal/seed"
	"github.com/brokerx/brokerx/services/order/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	env := getEnv("BROKERX_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: BROKERX_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	dsn := config.LoadDB().DSN()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	migrator, err := storage.NewMigrator(ctx, dsn, nil)
	if err != nil {
		log.Fatalf("open migrator: %v", err)
	}
	if err := migrator.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	_ = migrator.Close()
	fmt.Println("✓ Schema migrated")

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fixtures := seed.Defaults()
	if os.Getenv("SEED_TESTDATA") == "1" {
		fixtures = append(fixtures, seed.TestData()...)
	}
	if err := seed.Apply(ctx, pool, fixtures); err != nil {
		log.Fatalf("seed: %v", err)
	}
	fmt.Println("✓ Accounts and wallets seeded")

	fmt.Println("\n=== Seed Complete ===")
	for _, f := range fixtures {
		fmt.Printf("  %-22s account=%s status=%s balance=%s %s\n", f.Email, f.AccountID, f.Status, f.Balance.StringFixed(2), f.Currency)
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
