package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/price-search/internal/models"
)

// SelectorScraper scrapes any store whose listing can be described by a Config.
type SelectorScraper struct {
	store  string
	cfg    Config
	logger *slog.Logger
}

func New(store string, cfg Config, logger *slog.Logger) (*SelectorScraper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("store %s: %w", store, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SelectorScraper{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "scraper", "store", store),
	}, nil
}

func (s *SelectorScraper) SearchURL(query string) string {
	return strings.ReplaceAll(s.cfg.SearchURL, "{query}", url.PathEscape(query))
}

func (s *SelectorScraper) Scrape(ctx context.Context, fetcher Fetcher, query string) ([]models.RawItem, error) {
	searchURL := s.SearchURL(query)
	s.logger.Info("scraping search results", "url", searchURL)

	html, err := fetcher.FetchHTML(ctx, searchURL, s.cfg.WaitFor)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFetchFailed, s.store, err)
	}

	items, dropped, err := Parse(html, s.cfg)
	if err != nil {
		return nil, err
	}
	if dropped > 0 {
		s.logger.Debug("dropped invalid items", "count", dropped)
	}

	s.logger.Info("found products", "count", len(items))
	return items, nil
}

// Parse extracts valid items from a rendered listing page. It also reports
// how many cards were dropped for failing validation.
func Parse(html string, cfg Config) ([]models.RawItem, int, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}

	base, _ := url.Parse(cfg.BaseURL)
	limit := cfg.maxItems()

	var items []models.RawItem
	dropped := 0
	doc.Find(cfg.Container).EachWithBreak(func(i int, card *goquery.Selection) bool {
		if i >= limit {
			return false
		}

		item, err := parseCard(card, cfg, base)
		if err == nil {
			err = item.Validate()
		}
		if err != nil {
			dropped++
			return true
		}

		items = append(items, item)
		return true
	})

	return items, dropped, nil
}

func parseCard(card *goquery.Selection, cfg Config, base *url.URL) (models.RawItem, error) {
	item := models.RawItem{
		Name:      text(card, cfg.Name),
		PromoText: text(card, cfg.Promo),
		URL:       link(card, cfg.Link, base),
		SKU:       sku(card, cfg),
	}

	var err error
	if cfg.PriceInteger != "" {
		item.Price, err = parseSplitPrice(text(card, cfg.PriceInteger), text(card, cfg.PriceFraction))
	} else {
		item.Price, err = ParsePrice(text(card, cfg.Price))
	}
	if err != nil {
		return item, err
	}

	if cfg.OriginalPrice != "" {
		if raw := text(card, cfg.OriginalPrice); raw != "" {
			if original, err := ParsePrice(raw); err == nil {
				item.OriginalPrice = original
			}
		}
	}

	return item, nil
}

func text(card *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.Join(strings.Fields(card.Find(selector).First().Text()), " ")
}

func link(card *goquery.Selection, selector string, base *url.URL) string {
	if selector == "" {
		selector = "a"
	}

	href, ok := card.Find(selector).First().Attr("href")
	if !ok {
		href, ok = card.Closest("a").Attr("href")
	}
	if !ok {
		return ""
	}

	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}

	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil || ref.IsAbs() {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

func sku(card *goquery.Selection, cfg Config) string {
	sel := card
	if cfg.SKU != "" {
		sel = card.Find(cfg.SKU).First()
	} else if cfg.SKUAttr == "" {
		return ""
	}

	if cfg.SKUAttr != "" {
		v, _ := sel.Attr(cfg.SKUAttr)
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(sel.Text())
}
