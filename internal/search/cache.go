package search

import (
	"context"
	"time"

	"github.com/maltedev/price-search/internal/models"
)

const DefaultFreshness = 30 * time.Minute

type PriceReader interface {
	FreshPage(ctx context.Context, query string, since time.Time, limit, offset int) ([]models.PriceRecord, int, error)
	HasFreshNoResults(ctx context.Context, query string, since time.Time) (bool, error)
}

// CacheEntry is a cache hit. NoResults means the query was searched
// recently and nothing was found.
type CacheEntry struct {
	Records   []models.PriceRecord
	Total     int
	NoResults bool
}

// Cache reads persisted prices that are still within the freshness window.
type Cache struct {
	reader    PriceReader
	freshness time.Duration
	now       func() time.Time
}

func NewCache(reader PriceReader, freshness time.Duration) *Cache {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Cache{reader: reader, freshness: freshness, now: time.Now}
}

// Lookup returns one page of fresh rows for query. Real rows win over a
// no-results marker written by an earlier run.
func (c *Cache) Lookup(ctx context.Context, query string, page, limit int) (CacheEntry, bool, error) {
	since := c.now().Add(-c.freshness)

	records, total, err := c.reader.FreshPage(ctx, query, since, limit, (page-1)*limit)
	if err != nil {
		return CacheEntry{}, false, err
	}
	if total > 0 {
		if records == nil {
			records = []models.PriceRecord{}
		}
		return CacheEntry{Records: records, Total: total}, true, nil
	}

	empty, err := c.reader.HasFreshNoResults(ctx, query, since)
	if err != nil {
		return CacheEntry{}, false, err
	}
	if empty {
		return CacheEntry{Records: []models.PriceRecord{}, NoResults: true}, true, nil
	}
	return CacheEntry{}, false, nil
}
