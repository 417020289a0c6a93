package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var ErrInvalidItem = errors.New("invalid scrape item")

// RawItem is what a store scraper hands back for a single product card.
// OriginalPrice is zero when the store shows no crossed-out price.
type RawItem struct {
	Name          string `json:"name"`
	Price         int64  `json:"price"`
	OriginalPrice int64  `json:"original_price,omitempty"`
	PromoText     string `json:"promo_text,omitempty"`
	URL           string `json:"url"`
	SKU           string `json:"sku,omitempty"`
}

// Validate checks the item at the boundary between scrapers and the job runner.
func (i RawItem) Validate() error {
	if strings.TrimSpace(i.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidItem)
	}
	if i.Price <= 0 {
		return fmt.Errorf("%w: price must be positive, got %d", ErrInvalidItem, i.Price)
	}
	if i.OriginalPrice < 0 {
		return fmt.Errorf("%w: negative original price", ErrInvalidItem)
	}
	if strings.TrimSpace(i.URL) == "" {
		return fmt.Errorf("%w: empty url", ErrInvalidItem)
	}
	return nil
}

// DiscountPercent returns round((original-current)/original*100), or 0 when
// there is no higher original price.
func (i RawItem) DiscountPercent() int {
	if i.OriginalPrice <= i.Price || i.OriginalPrice <= 0 {
		return 0
	}
	pct := float64(i.OriginalPrice-i.Price) / float64(i.OriginalPrice) * 100
	return int(math.Round(pct))
}
