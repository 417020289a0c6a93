package models

import (
	"fmt"
	"strings"
	"time"
)

// Product is a catalogue entry keyed by store, city and the store's own SKU.
// Every scrape appends a PricePoint instead of overwriting the last price.
type Product struct {
	ID        int64     `json:"id"`
	SKU       string    `json:"sku"`
	Store     string    `json:"store"`
	City      string    `json:"city"`
	Name      string    `json:"name"`
	Brand     string    `json:"brand"`
	URL       string    `json:"url"`
	LastPrice int64     `json:"last_price"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type PricePoint struct {
	ProductID     int64     `json:"product_id"`
	Price         int64     `json:"price"`
	OriginalPrice int64     `json:"original_price,omitempty"`
	PromoText     string    `json:"promo_text,omitempty"`
	CapturedAt    time.Time `json:"captured_at"`
}

// Observation is one validated item seen at a store during a job, ready to be
// persisted.
type Observation struct {
	Store string
	City  string
	Query string
	Brand string
	Item  RawItem
}

// NaturalKey identifies an observation within a single batch. It matches the
// (store, query, url) unique key of the price table, so the SKU plays no part.
func (o Observation) NaturalKey() string {
	return o.Store + "|" + o.Item.URL
}

// ProductSKU is the composite catalogue key STORE:CITY:sku.
// The URL stands in for the SKU when the store does not expose one.
func (o Observation) ProductSKU() string {
	return fmt.Sprintf("%s:%s:%s", o.Store, o.City, o.itemKey())
}

func (o Observation) Record(capturedAt time.Time) PriceRecord {
	return PriceRecord{
		Store:         o.Store,
		Query:         o.Query,
		Name:          o.Item.Name,
		Brand:         o.Brand,
		Price:         o.Item.Price,
		OriginalPrice: o.Item.OriginalPrice,
		DiscountPct:   o.Item.DiscountPercent(),
		PromoText:     o.Item.PromoText,
		URL:           o.Item.URL,
		CapturedAt:    capturedAt,
	}
}

func (o Observation) itemKey() string {
	if sku := strings.TrimSpace(o.Item.SKU); sku != "" {
		return sku
	}
	return o.Item.URL
}
