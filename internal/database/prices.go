package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/maltedev/price-search/internal/models"
)

const priceColumns = `id, store, product_query, product_name, brand, price,
	original_price, discount_pct, COALESCE(promo_text, ''), url, captured_at`

// PriceRepository persists scrape results. All writes are upserts keyed by
// the natural key (store, product_query, url), so re-scraping a query
// refreshes rows instead of duplicating them.
type PriceRepository struct {
	db     *DB
	outbox *OutboxRepository
}

func NewPriceRepository(db *DB) *PriceRepository {
	return &PriceRepository{db: db, outbox: NewOutboxRepository(db)}
}

// Batch is everything one job writes in a single transaction.
type Batch struct {
	Query        string
	Observations []models.Observation
	CapturedAt   time.Time
	Event        *OutboxEvent
}

// SaveBatch upserts every observation with its catalogue entry and history
// point. An empty batch writes the no-results sentinel instead. It returns
// the number of price rows written, not counting the sentinel.
func (r *PriceRepository) SaveBatch(ctx context.Context, b Batch) (int, error) {
	if b.CapturedAt.IsZero() {
		b.CapturedAt = time.Now()
	}

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		if len(b.Observations) == 0 {
			queueSentinel(batch, models.NoResultsRecord(b.Query, b.CapturedAt))
		}
		for _, obs := range b.Observations {
			queueObservation(batch, obs, b.CapturedAt)
		}

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to save prices: %w", err)
		}

		if b.Event != nil {
			if err := r.outbox.InsertWithTx(ctx, tx, b.Event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return len(b.Observations), nil
}

func queueObservation(batch *pgx.Batch, obs models.Observation, capturedAt time.Time) {
	rec := obs.Record(capturedAt)

	batch.Queue(`
		INSERT INTO price (store, product_query, product_name, brand, price,
			original_price, discount_pct, promo_text, url, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)
		ON CONFLICT (store, product_query, url) DO UPDATE SET
			product_name = EXCLUDED.product_name,
			brand = EXCLUDED.brand,
			price = EXCLUDED.price,
			original_price = EXCLUDED.original_price,
			discount_pct = EXCLUDED.discount_pct,
			promo_text = EXCLUDED.promo_text,
			captured_at = EXCLUDED.captured_at`,
		rec.Store, rec.Query, rec.Name, rec.Brand, rec.Price,
		rec.OriginalPrice, rec.DiscountPct, rec.PromoText, rec.URL, rec.CapturedAt)

	batch.Queue(`
		WITH p AS (
			INSERT INTO product (sku, store, city, name, brand, url, last_price, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (sku) DO UPDATE SET
				name = EXCLUDED.name,
				brand = EXCLUDED.brand,
				url = EXCLUDED.url,
				last_price = EXCLUDED.last_price,
				updated_at = EXCLUDED.updated_at
			RETURNING id
		)
		INSERT INTO price_history (product_id, price, original_price, promo_text, captured_at)
		SELECT id, $7::bigint, $9::bigint, NULLIF($10::text, ''), $8::timestamptz FROM p`,
		obs.ProductSKU(), obs.Store, obs.City, rec.Name, rec.Brand, rec.URL,
		rec.Price, capturedAt, rec.OriginalPrice, rec.PromoText)
}

func queueSentinel(batch *pgx.Batch, rec models.PriceRecord) {
	batch.Queue(`
		INSERT INTO price (store, product_query, product_name, brand, price, url, captured_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6)
		ON CONFLICT (store, product_query, url) DO UPDATE SET
			captured_at = EXCLUDED.captured_at`,
		rec.Store, rec.Query, rec.Name, rec.Brand, rec.URL, rec.CapturedAt)
}

// JobResults returns the real rows for query captured at or after since,
// cheapest first with store as tie-break.
func (r *PriceRepository) JobResults(ctx context.Context, query string, since time.Time) ([]models.PriceRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+priceColumns+`
		FROM price
		WHERE product_query = $1 AND captured_at >= $2 AND product_name <> $3
		ORDER BY price ASC, store ASC, id ASC`,
		query, since, models.NoResultsName)
	if err != nil {
		return nil, fmt.Errorf("failed to query job results: %w", err)
	}
	return collectPrices(rows)
}

// FreshPage returns one page of rows for query newer than since, ordered by
// store then price, and the total number of such rows. The sentinel is never
// part of a page.
func (r *PriceRepository) FreshPage(ctx context.Context, query string, since time.Time, limit, offset int) ([]models.PriceRecord, int, error) {
	var total int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM price
		WHERE product_query = $1 AND captured_at >= $2 AND product_name <> $3`,
		query, since, models.NoResultsName).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count cached prices: %w", err)
	}
	if total == 0 {
		return nil, 0, nil
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+priceColumns+`
		FROM price
		WHERE product_query = $1 AND captured_at >= $2 AND product_name <> $3
		ORDER BY store ASC, price ASC, id ASC
		LIMIT $4 OFFSET $5`,
		query, since, models.NoResultsName, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query cached prices: %w", err)
	}

	records, err := collectPrices(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// HasFreshNoResults reports whether query was searched after since and found nothing.
func (r *PriceRepository) HasFreshNoResults(ctx context.Context, query string, since time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM price
			WHERE store = $1 AND product_query = $2 AND product_name = $3 AND captured_at >= $4
		)`,
		models.GlobalScope, query, models.NoResultsName, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check no-results marker: %w", err)
	}
	return exists, nil
}

// All returns persisted rows, most recent first.
func (r *PriceRepository) All(ctx context.Context, limit, offset int) ([]models.PriceRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+priceColumns+`
		FROM price
		ORDER BY captured_at DESC, id DESC
		LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query prices: %w", err)
	}
	return collectPrices(rows)
}

// Cheapest returns the lowest priced real row of every query ever searched.
func (r *PriceRepository) Cheapest(ctx context.Context) ([]models.PriceRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT ON (product_query) `+priceColumns+`
		FROM price
		WHERE product_name <> $1
		ORDER BY product_query ASC, price ASC, captured_at DESC`,
		models.NoResultsName)
	if err != nil {
		return nil, fmt.Errorf("failed to query cheapest prices: %w", err)
	}
	return collectPrices(rows)
}

// DeleteOlderThan removes price rows and history points captured before
// cutoff and returns how many price rows went.
func (r *PriceRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, "DELETE FROM price WHERE captured_at < $1", cutoff)
		if err != nil {
			return fmt.Errorf("failed to delete old prices: %w", err)
		}
		deleted = tag.RowsAffected()

		if _, err := tx.Exec(ctx, "DELETE FROM price_history WHERE captured_at < $1", cutoff); err != nil {
			return fmt.Errorf("failed to delete old price history: %w", err)
		}
		return nil
	})
	return deleted, err
}

func collectPrices(rows pgx.Rows) ([]models.PriceRecord, error) {
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.PriceRecord, error) {
		var p models.PriceRecord
		err := row.Scan(&p.ID, &p.Store, &p.Query, &p.Name, &p.Brand, &p.Price,
			&p.OriginalPrice, &p.DiscountPct, &p.PromoText, &p.URL, &p.CapturedAt)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan prices: %w", err)
	}
	return records, nil
}

var ErrNotFound = errors.New("not found")
