// Package parser turns search-result pages into canonical product records.
package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/go-scrape-products/models"
)

var (
	// ErrPayloadMissing is returned when the page carries no embedded state script.
	ErrPayloadMissing = errors.New("parser: no script found with id is_script")
	// ErrPayloadMalformed is returned when the embedded state cannot be decoded.
	ErrPayloadMalformed = errors.New("parser: malformed embedded state")
)

const (
	stateScriptSelector = "script#is_script"
	stateAssignment     = "window.__INITIAL_STATE__ = "

	slotTypeWidget       = "WIDGET"
	widgetProductSummary = "PRODUCT_SUMMARY"
)

// Extraction is the outcome of walking one page.
type Extraction struct {
	Products []models.RawProduct
	// Skipped counts product slots that were missing the expected keys.
	Skipped int
}

type pageState struct {
	PageDataV4 *struct {
		Page *struct {
			Data json.RawMessage `json:"data"`
		} `json:"page"`
	} `json:"pageDataV4"`
}

type slotHeader struct {
	SlotType string `json:"slotType"`
	Widget   *struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	} `json:"widget"`
}

type productSummary struct {
	Products []struct {
		ProductInfo *struct {
			Value models.RawProduct `json:"value"`
		} `json:"productInfo"`
	} `json:"products"`
}

// Extract locates the embedded state payload in body and returns the product
// records of every PRODUCT_SUMMARY widget, in page order. A missing or
// undecodable payload yields an empty Extraction and ErrPayloadMissing or
// ErrPayloadMalformed; broken individual slots are counted in Skipped.
func Extract(body []byte) (Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Extraction{}, fmt.Errorf("%w: parse html: %w", ErrPayloadMalformed, err)
	}

	script := doc.Find(stateScriptSelector).First()
	if script.Length() == 0 {
		return Extraction{}, ErrPayloadMissing
	}

	payload := strings.TrimSpace(script.Text())
	payload = strings.TrimPrefix(payload, stateAssignment)
	payload = strings.TrimSuffix(strings.TrimSpace(payload), ";")

	var state pageState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return Extraction{}, fmt.Errorf("%w: %w", ErrPayloadMalformed, err)
	}
	if state.PageDataV4 == nil || state.PageDataV4.Page == nil || len(state.PageDataV4.Page.Data) == 0 {
		return Extraction{}, fmt.Errorf("%w: missing pageDataV4.page.data", ErrPayloadMalformed)
	}

	sections, err := orderedValues(state.PageDataV4.Page.Data)
	if err != nil {
		return Extraction{}, fmt.Errorf("%w: page data: %w", ErrPayloadMalformed, err)
	}

	var out Extraction
	for _, section := range sections {
		var slots []json.RawMessage
		if err := json.Unmarshal(section, &slots); err != nil {
			out.Skipped++
			continue
		}
		for _, raw := range slots {
			product, ok, err := productFromSlot(raw)
			switch {
			case err != nil:
				out.Skipped++
			case ok:
				out.Products = append(out.Products, product)
			}
		}
	}
	return out, nil
}

// productFromSlot reports ok=false for slots that are not product summaries.
func productFromSlot(raw json.RawMessage) (models.RawProduct, bool, error) {
	var header slotHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, false, err
	}
	if header.SlotType != slotTypeWidget || header.Widget == nil || header.Widget.Type != widgetProductSummary {
		return nil, false, nil
	}

	if len(header.Widget.Data) == 0 {
		return nil, false, errors.New("product summary without data")
	}
	var summary productSummary
	if err := json.Unmarshal(header.Widget.Data, &summary); err != nil {
		return nil, false, err
	}
	if len(summary.Products) == 0 || summary.Products[0].ProductInfo == nil || summary.Products[0].ProductInfo.Value == nil {
		return nil, false, errors.New("product summary without productInfo.value")
	}
	return summary.Products[0].ProductInfo.Value, true, nil
}

// orderedValues returns the member values of a JSON object in document order.
func orderedValues(object json.RawMessage) ([]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(object))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("not an object")
	}

	var values []json.RawMessage
	for dec.More() {
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, nil
}
