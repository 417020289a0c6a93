// Package search answers search requests from the cache or by admitting
// exactly one scrape job per (query, location) through the lock table.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/maltedev/price-search/internal/jobs"
	"github.com/maltedev/price-search/internal/models"
	"github.com/maltedev/price-search/internal/normalize"
	"github.com/maltedev/price-search/internal/queue"
)

type Status string

const (
	StatusEmpty      Status = "EMPTY"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusStarted    Status = "STARTED"
)

type Source string

const (
	SourceCache Source = "cache"
	SourceFresh Source = "fresh"
)

type Mode string

const (
	ModeAwait Mode = "await"
	ModeAsync Mode = "async"
)

const (
	MinQueryLength      = 2
	DefaultPageSize     = 20
	MaxPageSize         = 100
	DefaultAwaitTimeout = 90 * time.Second

	noResultsMessage = "No se encontraron productos en su zona."
	failedMessage    = "No pudimos completar la búsqueda, intente nuevamente."
)

var ErrUnknownMode = errors.New("unknown search mode")

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModeAwait:
		return ModeAwait, nil
	case ModeAsync:
		return ModeAsync, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

type Request struct {
	Query    string
	City     string
	Province string
	Page     int
	Limit    int
}

type Pagination struct {
	Total   int  `json:"total"`
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	HasMore bool `json:"hasMore"`
}

type Response struct {
	Status     Status               `json:"status"`
	Source     Source               `json:"source,omitempty"`
	Results    []models.PriceRecord `json:"results"`
	Pagination *Pagination          `json:"pagination,omitempty"`
	Message    string               `json:"message,omitempty"`
	JobID      string               `json:"job_id,omitempty"`
}

type Locker interface {
	Acquire(ctx context.Context, scope, key string) (bool, error)
	Release(ctx context.Context, scope, key string) error
	ReclaimStale(ctx context.Context, scope, key string) (bool, error)
}

type JobRunner interface {
	RunJob(ctx context.Context, job jobs.Job) ([]models.PriceRecord, error)
}

type Config struct {
	Mode         Mode
	AwaitTimeout time.Duration
	Freshness    time.Duration
	PageSize     int
}

type Coordinator struct {
	cache  *Cache
	locks  Locker
	runner JobRunner
	pool   *queue.Pool
	config Config
	logger *slog.Logger
}

func NewCoordinator(reader PriceReader, locks Locker, runner JobRunner, pool *queue.Pool, config Config, logger *slog.Logger) *Coordinator {
	if config.Mode == "" {
		config.Mode = ModeAwait
	}
	if config.AwaitTimeout <= 0 {
		config.AwaitTimeout = DefaultAwaitTimeout
	}
	if config.PageSize < 1 {
		config.PageSize = DefaultPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		cache:  NewCache(reader, config.Freshness),
		locks:  locks,
		runner: runner,
		pool:   pool,
		config: config,
		logger: logger.With("component", "coordinator"),
	}
}

// Search serves req from the cache when fresh rows exist. Otherwise it admits
// a scrape job unless one is already running for the same key, in which case
// the answer is PROCESSING and the client polls again.
func (c *Coordinator) Search(ctx context.Context, req Request) (Response, error) {
	raw := strings.TrimSpace(req.Query)
	if utf8.RuneCountInString(raw) < MinQueryLength {
		return Response{Status: StatusEmpty, Results: []models.PriceRecord{}}, nil
	}

	page, limit := c.pageBounds(req.Page, req.Limit)
	query := normalize.Query(raw)
	city := normalize.Location(req.City)
	province := normalize.Location(req.Province)
	key := normalize.LockKey(query, province, city)
	logger := c.logger.With("query", query, "lock_key", key)

	entry, hit, err := c.cache.Lookup(ctx, query, page, limit)
	if err != nil {
		return Response{}, fmt.Errorf("cache lookup failed: %w", err)
	}
	if hit {
		logger.Debug("cache hit", "total", entry.Total, "no_results", entry.NoResults)
		if entry.NoResults {
			return Response{
				Status:  StatusCompleted,
				Source:  SourceCache,
				Results: entry.Records,
				Message: noResultsMessage,
			}, nil
		}
		return Response{
			Status:     StatusCompleted,
			Source:     SourceCache,
			Results:    entry.Records,
			Pagination: paginate(entry.Total, page, limit),
		}, nil
	}

	if _, err := c.locks.ReclaimStale(ctx, models.GlobalScope, key); err != nil {
		logger.Warn("stale lock cleanup failed", "error", err)
	}

	acquired, err := c.locks.Acquire(ctx, models.GlobalScope, key)
	if err != nil {
		return Response{}, fmt.Errorf("lock acquisition failed: %w", err)
	}
	if !acquired {
		logger.Info("search already in progress")
		return Response{
			Status:  StatusProcessing,
			Results: []models.PriceRecord{},
			Message: searchingMessage(req.City),
		}, nil
	}

	job := jobs.Job{
		ID:        uuid.New().String(),
		Query:     query,
		City:      city,
		Province:  province,
		LockScope: models.GlobalScope,
		LockKey:   key,
	}

	future, err := queue.Submit(c.pool, "search:"+key, func(ctx context.Context) ([]models.PriceRecord, error) {
		return c.runner.RunJob(ctx, job)
	})
	if err != nil {
		c.releaseAfterRejectedSubmit(ctx, key, logger)
		return Response{}, fmt.Errorf("failed to schedule search: %w", err)
	}
	logger.Info("search job admitted", "job_id", job.ID, "city", city, "province", province)

	if c.config.Mode == ModeAsync {
		return c.started(job.ID, req.City), nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.config.AwaitTimeout)
	defer cancel()

	records, err := future.Wait(waitCtx)
	if err != nil && waitCtx.Err() != nil {
		if !done(future) {
			logger.Info("search still running, client will poll", "job_id", job.ID)
			return c.started(job.ID, req.City), nil
		}
		// Finished while the wait gave up; the result is already there.
		records, err = future.Wait(context.Background())
	}
	if err != nil {
		logger.Error("search job failed", "job_id", job.ID, "error", err)
		return Response{
			Status:  StatusCompleted,
			Source:  SourceFresh,
			Results: []models.PriceRecord{},
			Message: failedMessage,
			JobID:   job.ID,
		}, nil
	}

	if len(records) == 0 {
		return Response{
			Status:  StatusCompleted,
			Source:  SourceFresh,
			Results: []models.PriceRecord{},
			Message: noResultsMessage,
			JobID:   job.ID,
		}, nil
	}

	return Response{
		Status:     StatusCompleted,
		Source:     SourceFresh,
		Results:    pageOf(records, page, limit),
		Pagination: paginate(len(records), page, limit),
		JobID:      job.ID,
	}, nil
}

func (c *Coordinator) started(jobID, city string) Response {
	return Response{
		Status:  StatusStarted,
		Results: []models.PriceRecord{},
		Message: searchingMessage(city),
		JobID:   jobID,
	}
}

func (c *Coordinator) releaseAfterRejectedSubmit(ctx context.Context, key string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.locks.Release(ctx, models.GlobalScope, key); err != nil {
		logger.Error("failed to release lock after rejected submit", "error", err)
	}
}

func (c *Coordinator) pageBounds(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = c.config.PageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return page, limit
}

func searchingMessage(city string) string {
	city = strings.TrimSpace(city)
	if city == "" {
		city = "su zona"
	}
	return fmt.Sprintf("Buscando los mejores precios en %s...", city)
}

func paginate(total, page, limit int) *Pagination {
	return &Pagination{
		Total:   total,
		Page:    page,
		Limit:   limit,
		HasMore: page*limit < total,
	}
}

func pageOf(records []models.PriceRecord, page, limit int) []models.PriceRecord {
	start := (page - 1) * limit
	if start >= len(records) {
		return []models.PriceRecord{}
	}
	end := min(start+limit, len(records))
	return records[start:end]
}

func done[T any](f *queue.Future[T]) bool {
	select {
	case <-f.Done():
		return true
	default:
		return false
	}
}
