// Package jobs runs one admitted search: it scrapes every store serving the
// location in parallel, persists the merged batch and releases the job's lock.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maltedev/price-search/internal/browser"
	"github.com/maltedev/price-search/internal/database"
	"github.com/maltedev/price-search/internal/events"
	"github.com/maltedev/price-search/internal/models"
	"github.com/maltedev/price-search/internal/queue"
	"github.com/maltedev/price-search/internal/scraper"
)

const (
	DefaultStoreTimeout = 60 * time.Second
	releaseTimeout      = 10 * time.Second
)

var (
	ErrNoScraper    = errors.New("no scraper registered for store")
	ErrScraperPanic = errors.New("scraper panicked")
	ErrJobPanic     = errors.New("job panicked")
	ErrSession      = errors.New("failed to open browser session")
)

type Job struct {
	ID        string
	Query     string
	City      string
	Province  string
	LockScope string
	LockKey   string
}

type StoreResolver interface {
	StoresFor(city, province string) []string
}

type SessionProvider interface {
	NewSession(ctx context.Context) (browser.Session, error)
}

type BrandClassifier interface {
	Classify(name string) string
}

type ResultStore interface {
	SaveBatch(ctx context.Context, b database.Batch) (int, error)
	JobResults(ctx context.Context, query string, since time.Time) ([]models.PriceRecord, error)
}

// JobLock is the held admission lock of a running job.
type JobLock interface {
	Touch(ctx context.Context, scope, key string) error
	Release(ctx context.Context, scope, key string) error
}

type Config struct {
	// StoreTimeout bounds one store's scrape including retries.
	StoreTimeout time.Duration
	Retry        queue.RetryPolicy
}

type Runner struct {
	resolver StoreResolver
	sessions SessionProvider
	scrapers map[string]scraper.Scraper
	brands   BrandClassifier
	store    ResultStore
	locks    JobLock
	config   Config
	logger   *slog.Logger
	now      func() time.Time
}

func NewRunner(
	resolver StoreResolver,
	sessions SessionProvider,
	scrapers map[string]scraper.Scraper,
	brands BrandClassifier,
	store ResultStore,
	locks JobLock,
	config Config,
	logger *slog.Logger,
) *Runner {
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = DefaultStoreTimeout
	}
	if config.Retry.MaxAttempts < 1 {
		config.Retry = queue.DefaultRetryPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		resolver: resolver,
		sessions: sessions,
		scrapers: scrapers,
		brands:   brands,
		store:    store,
		locks:    locks,
		config:   config,
		logger:   logger.With("component", "job_runner"),
		now:      time.Now,
	}
}

type storeResult struct {
	store string
	items []models.RawItem
	err   error
}

// RunJob scrapes, persists and returns the job's rows cheapest first. Store
// failures only shrink the result. The job's lock is released on every path,
// and a failed release is logged rather than returned.
func (r *Runner) RunJob(ctx context.Context, job Job) (records []models.PriceRecord, err error) {
	logger := r.logger.With("job_id", job.ID, "query", job.Query, "lock_key", job.LockKey)
	start := r.now()

	defer r.release(ctx, job, logger)
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("job panicked", "panic", rec, "stack", string(debug.Stack()))
			records, err = nil, fmt.Errorf("%w: %v", ErrJobPanic, rec)
		}
	}()

	// The lock was stamped at admission; time spent queued must not count
	// towards staleness.
	if err := r.locks.Touch(ctx, job.LockScope, job.LockKey); err != nil {
		logger.Warn("failed to refresh lock", "scope", job.LockScope, "error", err)
	}

	storeIDs := r.resolver.StoresFor(job.City, job.Province)
	logger.Info("job started", "stores", storeIDs, "city", job.City, "province", job.Province)

	results, err := r.scrapeAll(ctx, job, storeIDs, logger)
	if err != nil {
		return nil, err
	}

	var failed []string
	var raw []models.Observation
	for _, res := range results {
		if res.err != nil {
			failed = append(failed, res.store)
			continue
		}
		for _, item := range res.items {
			if err := item.Validate(); err != nil {
				logger.Debug("dropping invalid item", "store", res.store, "name", item.Name, "error", err)
				continue
			}
			raw = append(raw, models.Observation{
				Store: res.store,
				City:  job.City,
				Query: job.Query,
				Item:  item,
			})
		}
	}

	observations := Dedupe(raw)
	for i := range observations {
		observations[i].Brand = r.brands.Classify(observations[i].Item.Name)
	}

	capturedAt := r.now().UTC().Truncate(time.Microsecond)
	batch := database.Batch{
		Query:        job.Query,
		Observations: observations,
		CapturedAt:   capturedAt,
	}

	event, evErr := events.SearchCompleted(job.LockKey, events.SearchCompletedPayload{
		JobID:        job.ID,
		Query:        job.Query,
		City:         job.City,
		Province:     job.Province,
		Stores:       storeIDs,
		FailedStores: failed,
		ResultCount:  len(observations),
		NoResults:    len(observations) == 0,
	})
	if evErr != nil {
		logger.Warn("failed to build completion event", "error", evErr)
	} else {
		batch.Event = event
	}

	saved, err := r.store.SaveBatch(ctx, batch)
	if err != nil {
		logger.Error("failed to persist results", "error", err)
		return nil, fmt.Errorf("failed to persist results: %w", err)
	}

	if saved == 0 {
		logger.Info("job finished without results", "failed_stores", failed,
			"duration", r.now().Sub(start))
		return []models.PriceRecord{}, nil
	}

	records, err = r.store.JobResults(ctx, job.Query, capturedAt)
	if err != nil {
		logger.Error("failed to load persisted results", "error", err)
		return nil, fmt.Errorf("failed to load job results: %w", err)
	}

	logger.Info("job finished",
		"saved", saved,
		"returned", len(records),
		"failed_stores", failed,
		"duration", r.now().Sub(start))
	return records, nil
}

// scrapeAll runs every store concurrently on one isolated session. Results
// keep the order of storeIDs whatever order the stores finish in. A session
// that cannot be opened fails the whole job so nothing is cached for it.
func (r *Runner) scrapeAll(ctx context.Context, job Job, storeIDs []string, logger *slog.Logger) ([]storeResult, error) {
	results := make([]storeResult, len(storeIDs))
	for i, id := range storeIDs {
		results[i].store = id
	}
	if len(storeIDs) == 0 {
		return results, nil
	}

	session, err := r.sessions.NewSession(ctx)
	if err != nil {
		logger.Error("failed to open browser session", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrSession, err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("failed to close browser session", "error", err)
		}
	}()

	var g errgroup.Group
	for i, id := range storeIDs {
		g.Go(func() error {
			items, err := r.scrapeStore(ctx, session, id, job.Query, logger)
			results[i].items = items
			results[i].err = err
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

func (r *Runner) scrapeStore(ctx context.Context, session browser.Session, store, query string, logger *slog.Logger) ([]models.RawItem, error) {
	logger = logger.With("store", store)

	s, ok := r.scrapers[store]
	if !ok {
		logger.Warn("no scraper registered")
		return nil, fmt.Errorf("%w: %s", ErrNoScraper, store)
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.StoreTimeout)
	defer cancel()

	start := r.now()
	var items []models.RawItem
	err := r.config.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		got, err := safeScrape(ctx, s, session, query)
		if err != nil {
			logger.Warn("scrape attempt failed", "attempt", attempt, "error", err)
			if errors.Is(err, scraper.ErrInvalidConfig) || errors.Is(err, ErrScraperPanic) {
				return queue.Permanent(err)
			}
			return err
		}
		items = got
		return nil
	})
	if err != nil {
		logger.Error("store failed", "error", err, "duration", r.now().Sub(start))
		return nil, err
	}

	logger.Info("store scraped", "items", len(items), "duration", r.now().Sub(start))
	return items, nil
}

func safeScrape(ctx context.Context, s scraper.Scraper, fetcher scraper.Fetcher, query string) (items []models.RawItem, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			items, err = nil, fmt.Errorf("%w: %v", ErrScraperPanic, rec)
		}
	}()
	return s.Scrape(ctx, fetcher, query)
}

func (r *Runner) release(ctx context.Context, job Job, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := r.locks.Release(ctx, job.LockScope, job.LockKey); err != nil {
		logger.Error("failed to release lock", "scope", job.LockScope, "error", err)
		return
	}
	logger.Debug("lock released", "scope", job.LockScope)
}

// Dedupe keeps the first observation for every natural key.
func Dedupe(observations []models.Observation) []models.Observation {
	seen := make(map[string]struct{}, len(observations))
	out := make([]models.Observation, 0, len(observations))
	for _, obs := range observations {
		key := obs.NaturalKey()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, obs)
	}
	return out
}
