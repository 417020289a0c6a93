package scraper

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/maltedev/price-search/internal/models"
)

var (
	ErrInvalidConfig = errors.New("invalid scraper config")
	ErrFetchFailed   = errors.New("failed to fetch search page")
	ErrParseFailed   = errors.New("failed to parse search page")
	ErrPriceNotFound = errors.New("price not found")
)

const DefaultMaxItems = 10

// Fetcher renders a page and returns its HTML. A browser session satisfies it.
type Fetcher interface {
	FetchHTML(ctx context.Context, url, waitSelector string) (string, error)
}

// Scraper fetches the listing for a query at one store.
type Scraper interface {
	Scrape(ctx context.Context, fetcher Fetcher, query string) ([]models.RawItem, error)
}

// Config describes how to find products on a store's search page.
// Selector fields accept any CSS selector goquery understands, including
// comma separated alternatives.
type Config struct {
	SearchURL     string `yaml:"search_url"`
	BaseURL       string `yaml:"base_url"`
	WaitFor       string `yaml:"wait_for"`
	Container     string `yaml:"container"`
	Name          string `yaml:"name"`
	Link          string `yaml:"link"`
	Price         string `yaml:"price"`
	PriceInteger  string `yaml:"price_integer"`
	PriceFraction string `yaml:"price_fraction"`
	OriginalPrice string `yaml:"original_price"`
	Promo         string `yaml:"promo"`
	SKU           string `yaml:"sku"`
	SKUAttr       string `yaml:"sku_attr"`
	MaxItems      int    `yaml:"max_items"`
}

func (c Config) Validate() error {
	if !strings.Contains(c.SearchURL, "{query}") {
		return fmt.Errorf("%w: search_url must contain {query}", ErrInvalidConfig)
	}
	if c.Container == "" {
		return fmt.Errorf("%w: container selector is required", ErrInvalidConfig)
	}
	if c.Name == "" {
		return fmt.Errorf("%w: name selector is required", ErrInvalidConfig)
	}
	if c.Price == "" && c.PriceInteger == "" {
		return fmt.Errorf("%w: price or price_integer selector is required", ErrInvalidConfig)
	}
	if c.MaxItems < 0 {
		return fmt.Errorf("%w: max_items must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c Config) maxItems() int {
	if c.MaxItems == 0 {
		return DefaultMaxItems
	}
	return c.MaxItems
}
