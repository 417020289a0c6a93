package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
)

const (
	DefaultScrapingBeeEndpoint = "https://app.scrapingbee.com/api/v1/"

	// renderWait gives lazy price widgets time to settle after wait_for matches.
	renderWait = 5 * time.Second
	// readTimeout bounds reading a page that has already rendered.
	readTimeout = 5 * time.Second
)

// ScrapingBee renders pages remotely through the ScrapingBee HTTP API.
type ScrapingBee struct {
	opts   *Options
	logger *slog.Logger
}

func NewScrapingBee(opts *Options, logger *slog.Logger) (*ScrapingBee, error) {
	if opts.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultScrapingBeeEndpoint
	}
	if _, err := url.Parse(opts.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid scrapingbee endpoint: %w", err)
	}
	return &ScrapingBee{opts: opts, logger: logger}, nil
}

// NewSession returns a collector with its own cookie jar.
func (b *ScrapingBee) NewSession(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := colly.NewCollector(
		colly.UserAgent(b.opts.UserAgent),
		colly.AllowURLRevisit(),
	)
	// Remote rendering waits for the page itself, so allow for it on top of the page timeout.
	c.SetRequestTimeout(b.opts.Timeout + renderWait + readTimeout)

	return &scrapingBeeSession{collector: c, opts: b.opts, logger: b.logger}, nil
}

func (b *ScrapingBee) Close() error {
	return nil
}

type scrapingBeeSession struct {
	collector *colly.Collector
	opts      *Options
	logger    *slog.Logger
}

func (s *scrapingBeeSession) FetchHTML(ctx context.Context, target, waitSelector string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c := s.collector.Clone()
	c.Context = ctx

	var (
		body     string
		fetchErr error
	)
	c.OnResponse(func(r *colly.Response) {
		body = string(r.Body)
	})
	c.OnError(func(r *colly.Response, err error) {
		fetchErr = fmt.Errorf("scrapingbee returned %d: %w", r.StatusCode, err)
	})

	s.logger.Info("fetching via scrapingbee", "url", target)
	if err := c.Visit(s.requestURL(target, waitSelector)); err != nil && fetchErr == nil {
		fetchErr = err
	}
	c.Wait()

	if fetchErr != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", target, fetchErr)
	}
	return body, nil
}

func (s *scrapingBeeSession) requestURL(target, waitSelector string) string {
	params := url.Values{}
	params.Set("api_key", s.opts.APIKey)
	params.Set("url", target)
	params.Set("render_js", "true")
	params.Set("country_code", "ar")
	params.Set("premium_proxy", "true")
	params.Set("block_resources", "false")
	params.Set("wait", strconv.FormatInt(renderWait.Milliseconds(), 10))
	if waitSelector != "" {
		params.Set("wait_for", waitSelector)
	}
	return s.opts.Endpoint + "?" + params.Encode()
}

func (s *scrapingBeeSession) Close() error {
	return nil
}
