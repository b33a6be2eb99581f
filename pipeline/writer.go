// Package pipeline writes canonical products through a deduplicating check
// against storage and mirrors fresh inserts to export files.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-scrape-products/models"
	"github.com/aluiziolira/go-scrape-products/store"
)

var (
	// ErrWriterClosed is returned when Write is called after Close.
	ErrWriterClosed = errors.New("pipeline: writer closed")
)

// Outcome is the result of a successful Write.
type Outcome int

const (
	Inserted Outcome = iota + 1
	DuplicateSkipped
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case DuplicateSkipped:
		return "duplicate"
	default:
		return "unknown"
	}
}

// OutputWriter mirrors each freshly stored product to an export file.
type OutputWriter interface {
	Write(p models.Product) error
	Close() error
	Validate() error
}

// Storage is the subset of store.Store the writer needs.
type Storage interface {
	Exists(ctx context.Context, productID string) (bool, error)
	Insert(ctx context.Context, p models.Product) error
}

// Counts are the writer's lifetime totals across every job that used it.
type Counts struct {
	Inserted   int64
	Duplicates int64
	Failed     int64
}

// Writer persists products with first-write-wins semantics.
type Writer struct {
	storage Storage
	mirror  OutputWriter
	known   *lru.Cache[string, struct{}]
	now     func() time.Time

	mu     sync.Mutex // guards counts/closed
	counts Counts
	closed bool
}

// Option configures a Writer.
type Option func(*Writer)

// WithMirror forwards every inserted product to out.
func WithMirror(out OutputWriter) Option {
	return func(w *Writer) { w.mirror = out }
}

// NewWriter builds a writer over storage. cacheSize bounds the in-memory set of
// ids known to be stored; zero disables it.
func NewWriter(storage Storage, cacheSize int, opts ...Option) (*Writer, error) {
	w := &Writer{
		storage: storage,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if cacheSize > 0 {
		cache, err := lru.New[string, struct{}](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("create dedupe cache: %w", err)
		}
		w.known = cache
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Write checks p.ProductID against storage and inserts p when it is new. A
// returned error means the product was neither stored nor recognised as a
// duplicate.
func (w *Writer) Write(ctx context.Context, p models.Product) (Outcome, error) {
	if w.isClosed() {
		return 0, ErrWriterClosed
	}

	if w.known != nil && w.known.Contains(p.ProductID) {
		w.count(DuplicateSkipped)
		return DuplicateSkipped, nil
	}

	exists, err := w.storage.Exists(ctx, p.ProductID)
	if err != nil {
		w.fail()
		return 0, fmt.Errorf("check %s: %w", p.ProductID, err)
	}
	if exists {
		w.remember(p.ProductID)
		w.count(DuplicateSkipped)
		return DuplicateSkipped, nil
	}

	if p.ScrapedAt.IsZero() {
		p.ScrapedAt = w.now()
	}
	if err := w.storage.Insert(ctx, p); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			w.remember(p.ProductID)
			w.count(DuplicateSkipped)
			return DuplicateSkipped, nil
		}
		w.fail()
		return 0, fmt.Errorf("insert %s: %w", p.ProductID, err)
	}
	w.remember(p.ProductID)
	w.count(Inserted)

	if w.mirror != nil {
		if err := w.mirror.Write(p); err != nil {
			slog.Error("export mirror write failed",
				slog.String("product_id", p.ProductID),
				slog.Any("error", err),
			)
		}
	}
	return Inserted, nil
}

// Counts returns a snapshot of the lifetime totals.
func (w *Writer) Counts() Counts {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counts
}

// Close validates and closes the mirror, if any. Later writes fail with
// ErrWriterClosed.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	inserted := w.counts.Inserted
	w.mu.Unlock()

	if w.mirror == nil {
		return nil
	}
	if inserted > 0 {
		if err := w.mirror.Validate(); err != nil {
			slog.Warn("export mirror failed validation", slog.Int64("inserted", inserted), slog.Any("error", err))
		}
	}
	return w.mirror.Close()
}

func (w *Writer) remember(id string) {
	if w.known != nil {
		w.known.Add(id, struct{}{})
	}
}

func (w *Writer) count(o Outcome) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch o {
	case Inserted:
		w.counts.Inserted++
	case DuplicateSkipped:
		w.counts.Duplicates++
	}
}

func (w *Writer) fail() {
	w.mu.Lock()
	w.counts.Failed++
	w.mu.Unlock()
}

func (w *Writer) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}
