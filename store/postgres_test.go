package store

import (
	"context"
	"errors"
	"os"
	"testing"
)

// Runs against a disposable database named by SCRAPER_TEST_POSTGRES_DSN.
func newPostgresTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("SCRAPER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SCRAPER_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	if _, err := s.pool.Exec(ctx, `TRUNCATE products`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresInsertDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newPostgresTestStore(t)

	if err := s.Insert(ctx, sampleProduct("A")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if exists, err := s.Exists(ctx, "A"); err != nil || !exists {
		t.Fatalf("exists = %v, %v", exists, err)
	}
	if err := s.Insert(ctx, sampleProduct("A")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second insert err=%v, want ErrDuplicate", err)
	}
	if n, err := s.Count(ctx); err != nil || n != 1 {
		t.Fatalf("count = %d, %v; want 1", n, err)
	}
}

func TestOpenRejectsBadPostgresDSN(t *testing.T) {
	if _, err := Open(context.Background(), "postgres://user@host:notaport/db"); err == nil {
		t.Fatalf("expected error for malformed postgres dsn")
	}
}
