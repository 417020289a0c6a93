package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/maltedev/price-search/internal/models"
)

// ProductHistory returns a catalogue entry and its most recent price points.
func (r *PriceRepository) ProductHistory(ctx context.Context, sku string, limit int) (*models.Product, []models.PricePoint, error) {
	p := &models.Product{}
	err := r.db.QueryRow(ctx, `
		SELECT id, sku, store, city, name, brand, url, last_price, created_at, updated_at
		FROM product WHERE sku = $1`, sku).
		Scan(&p.ID, &p.SKU, &p.Store, &p.City, &p.Name, &p.Brand, &p.URL,
			&p.LastPrice, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, fmt.Errorf("product %s: %w", sku, ErrNotFound)
		}
		return nil, nil, fmt.Errorf("failed to get product: %w", err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT product_id, price, original_price, COALESCE(promo_text, ''), captured_at
		FROM price_history
		WHERE product_id = $1
		ORDER BY captured_at DESC, id DESC
		LIMIT $2`, p.ID, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get price history: %w", err)
	}

	points, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.PricePoint, error) {
		var pt models.PricePoint
		err := row.Scan(&pt.ProductID, &pt.Price, &pt.OriginalPrice, &pt.PromoText, &pt.CapturedAt)
		return pt, err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan price history: %w", err)
	}

	return p, points, nil
}
