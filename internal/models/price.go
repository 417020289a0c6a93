package models

import (
	"time"
)

const (
	// NoResultsName marks the sentinel row written when a search found nothing.
	NoResultsName = "NO_RESULTS_FOUND"
	// GlobalScope is the lock scope and sentinel store for location-wide jobs.
	GlobalScope = "GLOBAL"
	// GenericBrand is used when no known brand matches a product name.
	GenericBrand = "GENERIC"
)

// PriceRecord is one persisted observation of a product price at a store.
// Prices are stored in minor currency units.
type PriceRecord struct {
	ID            int64     `json:"id"`
	Store         string    `json:"store"`
	Query         string    `json:"product_query"`
	Name          string    `json:"product_name"`
	Brand         string    `json:"brand"`
	Price         int64     `json:"price"`
	OriginalPrice int64     `json:"original_price,omitempty"`
	DiscountPct   int       `json:"discount_pct"`
	PromoText     string    `json:"promo_text,omitempty"`
	URL           string    `json:"url"`
	CapturedAt    time.Time `json:"captured_at"`
}

// IsNoResults reports whether the record is the "searched, found nothing" marker.
func (p PriceRecord) IsNoResults() bool {
	return p.Name == NoResultsName && p.Price == 0
}

// NoResultsRecord builds the sentinel row for a query.
func NoResultsRecord(query string, capturedAt time.Time) PriceRecord {
	return PriceRecord{
		Store:      GlobalScope,
		Query:      query,
		Name:       NoResultsName,
		Brand:      GenericBrand,
		Price:      0,
		URL:        "no-results://" + query,
		CapturedAt: capturedAt,
	}
}
