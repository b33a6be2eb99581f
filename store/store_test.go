package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-products/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "nested", "products.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleProduct(id string) models.Product {
	return models.Product{
		ProductID:       id,
		Title:           "Phone " + id,
		URL:             "https://www.flipkart.com/p/" + id,
		Rating:          json.RawMessage(`{"average":4.2}`),
		Specifications:  json.RawMessage(`["8 GB RAM"]`),
		Media:           models.JSONStringSlice{"https://img/1.jpeg", "https://img/2.jpeg"},
		Pricing:         json.RawMessage(`"No pricing information available"`),
		Category:        "mobile",
		WarrantySummary: models.MissingWarranty,
		Availability:    "IN_STOCK",
		Source:          models.Source,
		ScrapedAt:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestSQLiteInsertAndExists(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	exists, err := s.Exists(ctx, "A")
	if err != nil || exists {
		t.Fatalf("exists before insert = %v, %v", exists, err)
	}
	if err := s.Insert(ctx, sampleProduct("A")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	exists, err = s.Exists(ctx, "A")
	if err != nil || !exists {
		t.Fatalf("exists after insert = %v, %v", exists, err)
	}

	n, err := s.Count(ctx)
	if err != nil || n != 1 {
		t.Fatalf("count = %d, %v; want 1", n, err)
	}
}

func TestSQLiteInsertDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Insert(ctx, sampleProduct("A")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	second := sampleProduct("A")
	second.Title = "Changed"
	if err := s.Insert(ctx, second); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second insert err=%v, want ErrDuplicate", err)
	}

	got, err := s.Get(ctx, "A")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Phone A" {
		t.Fatalf("title=%q, first write should win", got.Title)
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	want := sampleProduct("B")

	if err := s.Insert(ctx, want); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := s.Get(ctx, "B")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if string(got.Rating) != string(want.Rating) || string(got.Pricing) != string(want.Pricing) {
		t.Fatalf("opaque payloads changed: %s / %s", got.Rating, got.Pricing)
	}
	if len(got.Media) != 2 || got.Media[1] != want.Media[1] {
		t.Fatalf("media=%v", got.Media)
	}
	if !got.ScrapedAt.Equal(want.ScrapedAt) {
		t.Fatalf("scraped_at=%v, want %v", got.ScrapedAt, want.ScrapedAt)
	}
}

func TestOpenSelectsSQLiteForPaths(t *testing.T) {
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "p.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*SQLiteStore); !ok {
		t.Fatalf("store type %T, want *SQLiteStore", s)
	}
}
