package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voicedesk/pkg/store"
	"github.com/MrWong99/voicedesk/pkg/store/postgres"
	"github.com/MrWong99/voicedesk/pkg/store/storetest"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if VOICEDESK_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOICEDESK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOICEDESK_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// dropSchema removes all tables created by Migrate in reverse dependency order.
func dropSchema(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS messages CASCADE",
		"DROP TABLE IF EXISTS conversations CASCADE",
		"DROP TABLE IF EXISTS tickets CASCADE",
		"DROP TABLE IF EXISTS code_verifiers CASCADE",
		"DROP TABLE IF EXISTS customer_tokens CASCADE",
		"DROP TABLE IF EXISTS customer_account_urls CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema: %s: %v", stmt, err)
		}
	}
}

func TestConformance(t *testing.T) {
	dsn := testDSN(t)
	storetest.Run(t, func(t *testing.T, clock *storetest.Clock) store.Store {
		ctx := context.Background()
		dropSchema(t, ctx, dsn)
		s, err := postgres.New(ctx, dsn, postgres.WithClock(clock.Now))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMigrate_Idempotent(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()

	for i := range 2 {
		if err := postgres.Migrate(ctx, pool); err != nil {
			t.Fatalf("Migrate run %d: %v", i+1, err)
		}
	}
}

func TestNew_BadDSN(t *testing.T) {
	_, err := postgres.New(context.Background(), "::not a dsn::")
	if err == nil {
		t.Fatal("expected error for malformed dsn")
	}
}
