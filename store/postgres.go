package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aluiziolira/go-scrape-products/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS products (
	id BIGSERIAL PRIMARY KEY,
	product_id VARCHAR(128) NOT NULL UNIQUE,
	title TEXT NOT NULL,
	url TEXT,
	rating JSONB,
	specifications JSONB,
	media JSONB,
	pricing JSONB,
	category TEXT,
	warranty_summary TEXT,
	availability TEXT,
	source VARCHAR(32) NOT NULL,
	time_update TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_products_source ON products(source, id);
CREATE INDEX IF NOT EXISTS idx_products_time ON products(time_update);`

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PostgresStore keeps products in Postgres through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and ensures the products table exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create products table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Exists reports whether productID is already stored.
func (s *PostgresStore) Exists(ctx context.Context, productID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE product_id = $1)`, productID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query product %s: %w", productID, err)
	}
	return exists, nil
}

// Insert stores p. A unique-key violation is reported as ErrDuplicate.
func (s *PostgresStore) Insert(ctx context.Context, p models.Product) error {
	scrapedAt := p.ScrapedAt
	if scrapedAt.IsZero() {
		scrapedAt = time.Now().UTC()
	}
	media, err := p.Media.Value()
	if err != nil {
		return fmt.Errorf("encode media for %s: %w", p.ProductID, err)
	}

	_, err = s.pool.Exec(ctx, `
	INSERT INTO products (
		product_id, title, url, rating, specifications, media, pricing,
		category, warranty_summary, availability, source, time_update
	) VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6::jsonb, $7::jsonb, $8, $9, $10, $11, $12)`,
		p.ProductID, p.Title, p.URL, string(p.Rating), string(p.Specifications), media, string(p.Pricing),
		p.Category, p.WarrantySummary, p.Availability, p.Source, scrapedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicate, p.ProductID)
		}
		return fmt.Errorf("insert product %s: %w", p.ProductID, err)
	}
	return nil
}

// Count returns the number of stored products.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM products`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count products: %w", err)
	}
	return n, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
