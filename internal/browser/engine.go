// Package browser provides the page rendering engines used by the store
// scrapers. One Engine is shared by the process; every job opens its own
// Session so cookies and identity never leak between jobs.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Mode string

const (
	ModePlaywright  Mode = "playwright"
	ModeChromedp    Mode = "chromedp"
	ModeScrapingBee Mode = "scrapingbee"
)

var (
	ErrUnknownEngine = errors.New("unknown scraper engine")
	ErrMissingAPIKey = errors.New("scrapingbee api key is required")
	ErrEngineClosed  = errors.New("engine is closed")
)

type Engine interface {
	NewSession(ctx context.Context) (Session, error)
	Close() error
}

// Session is an isolated browsing context. FetchHTML may be called
// concurrently; a wait selector that never appears yields whatever HTML has
// rendered by the page timeout.
type Session interface {
	FetchHTML(ctx context.Context, url, waitSelector string) (string, error)
	Close() error
}

type Options struct {
	Mode           Mode
	Headless       bool
	Timeout        time.Duration
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	ProxyServer    string
	ExtraHeaders   map[string]string

	// ScrapingBee only.
	APIKey   string
	Endpoint string
}

func DefaultOptions() *Options {
	return &Options{
		Mode:           ModePlaywright,
		Headless:       true,
		Timeout:        45 * time.Second,
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		AcceptLanguage: "es-AR,es;q=0.9,en;q=0.8",
		TimezoneID:     "America/Argentina/Buenos_Aires",
		Locale:         "es-AR",
		Endpoint:       DefaultScrapingBeeEndpoint,
		ExtraHeaders: map[string]string{
			"Accept": "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			"DNT":    "1",
		},
	}
}

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModePlaywright, ModeChromedp, ModeScrapingBee:
		return m, nil
	case "":
		return ModePlaywright, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEngine, s)
	}
}

// New starts the engine selected by opts.Mode.
func New(opts *Options, logger *slog.Logger) (Engine, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "browser", "mode", string(opts.Mode))

	switch opts.Mode {
	case ModePlaywright, "":
		return NewPlaywright(opts, logger)
	case ModeChromedp:
		return NewChromedp(opts, logger)
	case ModeScrapingBee:
		return NewScrapingBee(opts, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, opts.Mode)
	}
}

// pageTimeout bounds a single fetch by the engine timeout and the caller's deadline.
func pageTimeout(ctx context.Context, limit time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < limit {
			return remaining
		}
	}
	return limit
}
