package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/aluiziolira/go-scrape-products/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS products (
	"id" INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
	"product_id" TEXT NOT NULL UNIQUE,
	"title" TEXT NOT NULL,
	"url" TEXT,
	"rating" TEXT,
	"specifications" TEXT,
	"media" TEXT,
	"pricing" TEXT,
	"category" TEXT,
	"warranty_summary" TEXT,
	"availability" TEXT,
	"source" TEXT NOT NULL,
	"time_update" DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_products_source ON products(source, id);
CREATE INDEX IF NOT EXISTS idx_products_time ON products(time_update);`

var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 10000",
	"PRAGMA synchronous = NORMAL",
}

// SQLiteStore keeps products in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create directory %q: %w", dir, err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps the check-then-insert sequence and :memory: databases consistent.
	db.SetMaxOpenConns(1)

	for _, pragma := range sqlitePragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create products table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Exists reports whether productID is already stored.
func (s *SQLiteStore) Exists(ctx context.Context, productID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM products WHERE product_id = ? LIMIT 1`, productID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query product %s: %w", productID, err)
	}
	return true, nil
}

// Insert stores p. A unique-key violation is reported as ErrDuplicate.
func (s *SQLiteStore) Insert(ctx context.Context, p models.Product) error {
	scrapedAt := p.ScrapedAt
	if scrapedAt.IsZero() {
		scrapedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO products (
		product_id, title, url, rating, specifications, media, pricing,
		category, warranty_summary, availability, source, time_update
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ProductID, p.Title, p.URL, string(p.Rating), string(p.Specifications), p.Media, string(p.Pricing),
		p.Category, p.WarrantySummary, p.Availability, p.Source, scrapedAt,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicate, p.ProductID)
		}
		return fmt.Errorf("insert product %s: %w", p.ProductID, err)
	}
	return nil
}

// Get loads a stored product by id.
func (s *SQLiteStore) Get(ctx context.Context, productID string) (models.Product, error) {
	var (
		p                      models.Product
		rating, specs, pricing string
	)
	err := s.db.QueryRowContext(ctx, `
	SELECT product_id, title, url, rating, specifications, media, pricing,
		category, warranty_summary, availability, source, time_update
	FROM products WHERE product_id = ?`, productID).Scan(
		&p.ProductID, &p.Title, &p.URL, &rating, &specs, &p.Media, &pricing,
		&p.Category, &p.WarrantySummary, &p.Availability, &p.Source, &p.ScrapedAt,
	)
	if err != nil {
		return models.Product{}, fmt.Errorf("load product %s: %w", productID, err)
	}
	p.Rating, p.Specifications, p.Pricing = []byte(rating), []byte(specs), []byte(pricing)
	return p, nil
}

// Count returns the number of stored products.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count products: %w", err)
	}
	return n, nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isSQLiteUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		code := serr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
