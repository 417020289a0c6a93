package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chromedp/chromedp"
)

// Chromedp drives a local Chrome over the DevTools protocol. Each session is
// a separate browser context, each fetch a separate tab.
type Chromedp struct {
	allocCtx      context.Context
	cancelAlloc   context.CancelFunc
	browserCtx    context.Context
	cancelBrowser context.CancelFunc
	opts          *Options
	logger        *slog.Logger

	mu     sync.Mutex
	closed bool
}

func NewChromedp(opts *Options, logger *slog.Logger) (*Chromedp, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(opts.UserAgent),
		chromedp.WindowSize(opts.ViewportWidth, opts.ViewportHeight),
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("lang", opts.Locale),
	)
	if opts.ProxyServer != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.ProxyServer))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	// The first Run starts the browser process.
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	return &Chromedp{
		allocCtx:      allocCtx,
		cancelAlloc:   cancelAlloc,
		browserCtx:    browserCtx,
		cancelBrowser: cancelBrowser,
		opts:          opts,
		logger:        logger,
	}, nil
}

func (c *Chromedp) NewSession(ctx context.Context) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrEngineClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sessionCtx, cancel := chromedp.NewContext(c.browserCtx, chromedp.WithNewBrowserContext())
	if err := chromedp.Run(sessionCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	return &chromedpSession{ctx: sessionCtx, cancel: cancel, opts: c.opts, logger: c.logger}, nil
}

func (c *Chromedp) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.cancelBrowser()
	c.cancelAlloc()
	return nil
}

type chromedpSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   *Options
	logger *slog.Logger
}

func (s *chromedpSession) FetchHTML(ctx context.Context, url, waitSelector string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	tabCtx, closeTab := chromedp.NewContext(s.ctx)
	defer closeTab()
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()

	if err := chromedp.Run(tabCtx); err != nil {
		return "", fmt.Errorf("failed to open tab: %w", err)
	}

	timeout := pageTimeout(ctx, s.opts.Timeout)
	navCtx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()

	if err := chromedp.Run(navCtx, chromedp.Navigate(url)); err != nil {
		return "", fmt.Errorf("failed to navigate: %w", err)
	}

	if waitSelector != "" {
		if err := chromedp.Run(navCtx, chromedp.WaitReady(waitSelector, chromedp.ByQuery)); err != nil {
			s.logger.Warn("wait selector did not appear", "url", url, "selector", waitSelector, "error", err)
		}
	}

	// Read the DOM on the tab context so an expired wait does not lose it.
	var html string
	readCtx, cancelRead := context.WithTimeout(tabCtx, readTimeout)
	defer cancelRead()
	if err := chromedp.Run(readCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to get page content: %w", err)
	}
	return html, nil
}

func (s *chromedpSession) Close() error {
	s.cancel()
	return nil
}
