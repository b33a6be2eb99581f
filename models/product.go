// Package models defines data structures for the scraper.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Source tags every product scraped from the marketplace.
const Source = "flipkart"

// Placeholders stored in place of optional fields the source left out.
const (
	MissingURL            = "No URL available"
	MissingRating         = "No rating available"
	MissingSpecifications = "No specifications available"
	MissingPricing        = "No pricing information available"
	MissingCategory       = "No category available"
	MissingWarranty       = "No warranty information available"
	MissingAvailability   = "No availability information available"
)

// RawProduct is one productInfo payload decoded from the page's embedded state.
type RawProduct map[string]any

// Product is the canonical, storage-ready representation of a search result.
type Product struct {
	ProductID       string          `csv:"product_id" json:"product_id"`
	Title           string          `csv:"title" json:"title"`
	URL             string          `csv:"url" json:"url"`
	Rating          json.RawMessage `csv:"rating" json:"rating"`
	Specifications  json.RawMessage `csv:"specifications" json:"specifications"`
	Media           JSONStringSlice `csv:"media" json:"media"`
	Pricing         json.RawMessage `csv:"pricing" json:"pricing"`
	Category        string          `csv:"category" json:"category"`
	WarrantySummary string          `csv:"warranty_summary" json:"warrantySummary"`
	Availability    string          `csv:"availability" json:"availability"`
	Source          string          `csv:"source" json:"source"`
	ScrapedAt       time.Time       `csv:"scraped_at" json:"scraped_at"`
}

// Raw rebuilds the source-shaped record for p. Normalizing the result yields p's
// logical fields again.
func (p Product) Raw() RawProduct {
	images := make([]any, 0, len(p.Media))
	for _, u := range p.Media {
		images = append(images, map[string]any{"url": u})
	}
	raw := RawProduct{
		"id":              p.ProductID,
		"titles":          map[string]any{"title": p.Title},
		"rating":          decodeOpaque(p.Rating),
		"keySpecs":        decodeOpaque(p.Specifications),
		"media":           map[string]any{"images": images},
		"pricing":         decodeOpaque(p.Pricing),
		"vertical":        p.Category,
		"warrantySummary": p.WarrantySummary,
		"availability":    map[string]any{"displayState": p.Availability},
	}
	if p.URL != MissingURL {
		raw["baseUrl"] = p.URL
	}
	return raw
}

func decodeOpaque(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// JSONStringSlice stores a []string as a JSON array column.
type JSONStringSlice []string

// Value implements driver.Valuer.
func (j JSONStringSlice) Value() (driver.Value, error) {
	if j == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(j))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (j *JSONStringSlice) Scan(value any) error {
	if value == nil {
		*j = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("unsupported type for JSONStringSlice")
	}
	return json.Unmarshal(data, (*[]string)(j))
}
