package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/maltedev/price-search/internal/database"
	"github.com/maltedev/price-search/internal/models"
	"github.com/maltedev/price-search/internal/queue"
	"github.com/maltedev/price-search/internal/search"
)

const (
	defaultListLimit    = 100
	maxListLimit        = 500
	defaultHistoryLimit = 50

	pendingWarnThreshold    = 1000
	deadLetterFailThreshold = 100
)

type Searcher interface {
	Search(ctx context.Context, req search.Request) (search.Response, error)
}

type PriceStore interface {
	All(ctx context.Context, limit, offset int) ([]models.PriceRecord, error)
	Cheapest(ctx context.Context) ([]models.PriceRecord, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	ProductHistory(ctx context.Context, sku string, limit int) (*models.Product, []models.PricePoint, error)
}

type OutboxCounter interface {
	Counts(ctx context.Context) (database.OutboxCounts, error)
}

type SchedulerStats interface {
	Stats() queue.Stats
}

type Handlers struct {
	search    Searcher
	prices    PriceStore
	outbox    OutboxCounter
	scheduler SchedulerStats
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewHandlers(searcher Searcher, prices PriceStore, outbox OutboxCounter, scheduler SchedulerStats, retention time.Duration, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		search:    searcher,
		prices:    prices,
		outbox:    outbox,
		scheduler: scheduler,
		retention: retention,
		logger:    logger.With("component", "api"),
		now:       time.Now,
	}
}

// Search handles GET /api/search?q=&userCity=&userProvince=&page=&limit=
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, err := intParam(q.Get("page"), 1)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "page must be a number")
		return
	}
	limit, err := intParam(q.Get("limit"), 0)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "limit must be a number")
		return
	}

	resp, err := h.search.Search(r.Context(), search.Request{
		Query:    q.Get("q"),
		City:     q.Get("userCity"),
		Province: q.Get("userProvince"),
		Page:     page,
		Limit:    limit,
	})
	if err != nil {
		h.logger.Error("search failed", "error", err, "query", q.Get("q"),
			"request_id", middleware.GetReqID(r.Context()))
		h.respondError(w, r, http.StatusInternalServerError, "internal server error")
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// ListPrices handles GET /api/prices, most recent first.
func (h *Handlers) ListPrices(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), defaultListLimit)
	if err != nil || limit < 1 {
		h.respondError(w, r, http.StatusBadRequest, "limit must be a positive number")
		return
	}
	offset, err := intParam(r.URL.Query().Get("offset"), 0)
	if err != nil || offset < 0 {
		h.respondError(w, r, http.StatusBadRequest, "offset must be a non-negative number")
		return
	}
	limit = min(limit, maxListLimit)

	prices, err := h.prices.All(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("failed to list prices", "error", err)
		h.respondError(w, r, http.StatusInternalServerError, "failed to list prices")
		return
	}

	h.respondJSON(w, http.StatusOK, nonNil(prices))
}

// Cheapest handles GET /api/cheapest.
func (h *Handlers) Cheapest(w http.ResponseWriter, r *http.Request) {
	prices, err := h.prices.Cheapest(r.Context())
	if err != nil {
		h.logger.Error("failed to get cheapest prices", "error", err)
		h.respondError(w, r, http.StatusInternalServerError, "failed to get cheapest prices")
		return
	}

	h.respondJSON(w, http.StatusOK, nonNil(prices))
}

type ProductHistoryResponse struct {
	Product *models.Product     `json:"product"`
	History []models.PricePoint `json:"history"`
}

// ProductHistory handles GET /api/products/{sku}/history.
func (h *Handlers) ProductHistory(w http.ResponseWriter, r *http.Request) {
	sku := chi.URLParam(r, "sku")
	if sku == "" {
		h.respondError(w, r, http.StatusBadRequest, "sku is required")
		return
	}

	limit, err := intParam(r.URL.Query().Get("limit"), defaultHistoryLimit)
	if err != nil || limit < 1 {
		h.respondError(w, r, http.StatusBadRequest, "limit must be a positive number")
		return
	}
	limit = min(limit, maxListLimit)

	product, points, err := h.prices.ProductHistory(r.Context(), sku, limit)
	if errors.Is(err, database.ErrNotFound) {
		h.respondError(w, r, http.StatusNotFound, "product not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get product history", "error", err, "sku", sku)
		h.respondError(w, r, http.StatusInternalServerError, "failed to get product history")
		return
	}

	if points == nil {
		points = []models.PricePoint{}
	}
	h.respondJSON(w, http.StatusOK, ProductHistoryResponse{Product: product, History: points})
}

type CleanupResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Removed int64  `json:"removed"`
}

// Cleanup handles POST /admin/cleanup, deleting rows older than the
// retention age.
func (h *Handlers) Cleanup(w http.ResponseWriter, r *http.Request) {
	cutoff := h.now().Add(-h.retention)

	removed, err := h.prices.DeleteOlderThan(r.Context(), cutoff)
	if err != nil {
		h.logger.Error("cleanup failed", "error", err)
		h.respondJSON(w, http.StatusInternalServerError, CleanupResponse{
			Success: false,
			Message: "Cleanup failed",
		})
		return
	}

	h.logger.Info("cleanup finished", "removed", removed, "cutoff", cutoff)
	h.respondJSON(w, http.StatusOK, CleanupResponse{
		Success: true,
		Message: fmt.Sprintf("Manual cleanup successful. Removed %d records.", removed),
		Removed: removed,
	})
}

type HealthResponse struct {
	Status    string                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Outbox    *database.OutboxCounts `json:"outbox,omitempty"`
	Scheduler queue.Stats            `json:"scheduler"`
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:    "ok",
		Scheduler: h.scheduler.Stats(),
	}

	counts, err := h.outbox.Counts(r.Context())
	if err != nil {
		h.logger.Error("health check failed", "error", err)
		health.Status = "error"
		health.Message = "database unavailable"
		h.respondJSON(w, http.StatusServiceUnavailable, health)
		return
	}
	health.Outbox = &counts

	status := http.StatusOK
	if counts.Pending > pendingWarnThreshold {
		health.Status = "warning"
		health.Message = "High number of pending outbox events"
	}
	if counts.DeadLetter > deadLetterFailThreshold {
		health.Status = "error"
		health.Message = "High number of dead letter events"
		status = http.StatusServiceUnavailable
	}

	h.respondJSON(w, status, health)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	body := map[string]string{"error": message}
	if id := middleware.GetReqID(r.Context()); id != "" {
		body["request_id"] = id
	}
	h.respondJSON(w, status, body)
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func nonNil(prices []models.PriceRecord) []models.PriceRecord {
	if prices == nil {
		return []models.PriceRecord{}
	}
	return prices
}
