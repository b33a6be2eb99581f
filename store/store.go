// Package store persists canonical products keyed by their natural id.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/aluiziolira/go-scrape-products/models"
)

var (
	// ErrDuplicate is returned by Insert when the product id is already stored.
	ErrDuplicate = errors.New("store: duplicate product id")
)

// Store is the persistence contract the scraper writes through.
type Store interface {
	Exists(ctx context.Context, productID string) (bool, error)
	Insert(ctx context.Context, p models.Product) error
	Count(ctx context.Context) (int64, error)
	Close() error
}

// Open picks a backend from dsn: postgres:// and postgresql:// URLs use
// Postgres, anything else is treated as an SQLite path.
func Open(ctx context.Context, dsn string) (Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		pg, err := OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	lite, err := OpenSQLite(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return lite, nil
}
