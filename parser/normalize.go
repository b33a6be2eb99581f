package parser

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/aluiziolira/go-scrape-products/models"
)

// NormalizationError reports a record missing a field that cannot be defaulted.
type NormalizationError struct {
	Field string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize: missing required field %q", e.Field)
}

// Normalizer maps raw product payloads to canonical products.
type Normalizer struct {
	base *url.URL
}

// NewNormalizer resolves relative product links against baseURL.
func NewNormalizer(baseURL string) (*Normalizer, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}
	return &Normalizer{base: base}, nil
}

// Normalize maps raw to a Product. Only the product id and title are required;
// every other missing field is replaced with its models.Missing* placeholder.
func (n *Normalizer) Normalize(raw models.RawProduct) (models.Product, error) {
	id := stringAt(raw, "id")
	if id == "" {
		return models.Product{}, &NormalizationError{Field: "id"}
	}
	title := stringAt(mapAt(raw, "titles"), "title")
	if title == "" {
		return models.Product{}, &NormalizationError{Field: "titles.title"}
	}

	return models.Product{
		ProductID:       id,
		Title:           title,
		URL:             n.resolve(stringAt(raw, "baseUrl")),
		Rating:          opaque(raw["rating"], models.MissingRating),
		Specifications:  opaque(raw["keySpecs"], models.MissingSpecifications),
		Media:           imageURLs(mapAt(raw, "media")),
		Pricing:         opaque(raw["pricing"], models.MissingPricing),
		Category:        textOr(raw["vertical"], models.MissingCategory),
		WarrantySummary: textOr(raw["warrantySummary"], models.MissingWarranty),
		Availability:    textOr(mapAt(raw, "availability")["displayState"], models.MissingAvailability),
		Source:          models.Source,
	}, nil
}

func (n *Normalizer) resolve(ref string) string {
	if ref == "" {
		return models.MissingURL
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return models.MissingURL
	}
	return n.base.ResolveReference(parsed).String()
}

func mapAt(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	child, _ := m[key].(map[string]any)
	return child
}

func stringAt(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func textOr(v any, placeholder string) string {
	switch t := v.(type) {
	case nil:
		return placeholder
	case string:
		if strings.TrimSpace(t) == "" {
			return placeholder
		}
		return t
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return placeholder
		}
		return string(data)
	}
}

func opaque(v any, placeholder string) json.RawMessage {
	if v != nil {
		if data, err := json.Marshal(v); err == nil {
			return data
		}
	}
	data, _ := json.Marshal(placeholder)
	return data
}

func imageURLs(media map[string]any) models.JSONStringSlice {
	out := models.JSONStringSlice{}
	images, _ := media["images"].([]any)
	for _, img := range images {
		if u := stringAt(asMap(img), "url"); u != "" {
			out = append(out, u)
		}
	}
	return out
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
