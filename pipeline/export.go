package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-products/models"
)

var csvHeader = []string{
	"product_id", "title", "url", "rating", "specifications", "media", "pricing",
	"category", "warranty_summary", "availability", "source", "scraped_at",
}

// fileMirror appends one encoded row per stored product to a local file.
type fileMirror struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	buf    *bufio.Writer
	encode func(models.Product) error
	rows   int
}

func openMirror(path string) (*fileMirror, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create export directory %q: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create export file: %w", err)
	}
	return &fileMirror{path: path, file: f, buf: bufio.NewWriter(f)}, nil
}

// NewCSVMirror writes products as CSV rows. Opaque payloads and media are
// written as JSON text.
func NewCSVMirror(path string) (OutputWriter, error) {
	m, err := openMirror(path)
	if err != nil {
		return nil, err
	}
	cw := csv.NewWriter(m.buf)
	if err := cw.Write(csvHeader); err != nil {
		m.file.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	m.encode = func(p models.Product) error {
		record, err := csvRecord(p)
		if err != nil {
			return err
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row %s: %w", p.ProductID, err)
		}
		cw.Flush()
		return cw.Error()
	}
	return m, nil
}

// NewJSONLMirror writes one JSON document per product and line.
func NewJSONLMirror(path string) (OutputWriter, error) {
	m, err := openMirror(path)
	if err != nil {
		return nil, err
	}
	enc := json.NewEncoder(m.buf)
	m.encode = func(p models.Product) error {
		if err := enc.Encode(p); err != nil {
			return fmt.Errorf("encode json line %s: %w", p.ProductID, err)
		}
		return nil
	}
	return m, nil
}

func csvRecord(p models.Product) ([]string, error) {
	media, err := json.Marshal([]string(p.Media))
	if err != nil {
		return nil, fmt.Errorf("encode media for %s: %w", p.ProductID, err)
	}
	return []string{
		p.ProductID,
		p.Title,
		p.URL,
		string(p.Rating),
		string(p.Specifications),
		string(media),
		string(p.Pricing),
		p.Category,
		p.WarrantySummary,
		p.Availability,
		p.Source,
		p.ScrapedAt.Format(time.RFC3339),
	}, nil
}

// Write appends p and flushes it to disk.
func (m *fileMirror) Write(p models.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.encode(p); err != nil {
		return err
	}
	if err := m.buf.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", m.path, err)
	}
	m.rows++
	return nil
}

// Validate fails when no product has reached the file yet.
func (m *fileMirror) Validate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows == 0 {
		return fmt.Errorf("%s: no products mirrored", m.path)
	}
	return nil
}

func (m *fileMirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.buf.Flush(); err != nil {
		m.file.Close()
		return fmt.Errorf("flush %s: %w", m.path, err)
	}
	return m.file.Close()
}

// fanOut mirrors every product to each of its writers.
type fanOut []OutputWriter

func (f fanOut) Write(p models.Product) error {
	var errs []error
	for _, out := range f {
		errs = append(errs, out.Write(p))
	}
	return errors.Join(errs...)
}

func (f fanOut) Validate() error {
	var errs []error
	for _, out := range f {
		errs = append(errs, out.Validate())
	}
	return errors.Join(errs...)
}

func (f fanOut) Close() error {
	var errs []error
	for _, out := range f {
		errs = append(errs, out.Close())
	}
	return errors.Join(errs...)
}

// dualPaths derives the CSV and JSONL file names sharing path's stem.
func dualPaths(path string) (csvPath, jsonlPath string) {
	stem := strings.TrimSuffix(path, filepath.Ext(path))
	return stem + ".csv", stem + ".jsonl"
}

// NewOutputWriter builds the export mirror for format: csv, json (JSONL) or
// dual, which writes both files next to each other.
func NewOutputWriter(format, path string) (OutputWriter, error) {
	switch format {
	case "csv":
		return NewCSVMirror(path)
	case "json":
		return NewJSONLMirror(path)
	case "dual":
		csvPath, jsonlPath := dualPaths(path)
		csvOut, err := NewCSVMirror(csvPath)
		if err != nil {
			return nil, err
		}
		jsonOut, err := NewJSONLMirror(jsonlPath)
		if err != nil {
			csvOut.Close()
			return nil, err
		}
		return fanOut{csvOut, jsonOut}, nil
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}
