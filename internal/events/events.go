// Package events defines the domain events written to the transactional outbox.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/price-search/internal/database"
)

type EventType string

const (
	// EventTypeSearchCompleted is emitted when a scrape job persisted its results.
	EventTypeSearchCompleted EventType = "SEARCH_COMPLETED"

	AggregateSearch = "search"
)

type SearchCompletedPayload struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	Timestamp    time.Time `json:"timestamp"`
	JobID        string    `json:"job_id,omitempty"`
	Query        string    `json:"query"`
	City         string    `json:"city"`
	Province     string    `json:"province"`
	Stores       []string  `json:"stores"`
	FailedStores []string  `json:"failed_stores,omitempty"`
	ResultCount  int       `json:"result_count"`
	NoResults    bool      `json:"no_results"`
	Source       string    `json:"source"`
}

// SearchCompleted builds the outbox row for a finished job. lockKey is the
// aggregate id, so consumers see every run of one (query, location) in order.
func SearchCompleted(lockKey string, payload SearchCompletedPayload) (*database.OutboxEvent, error) {
	if payload.EventID == "" {
		payload.EventID = uuid.New().String()
	}
	payload.EventType = string(EventTypeSearchCompleted)
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}
	if payload.Source == "" {
		payload.Source = "scraper"
	}
	if payload.Stores == nil {
		payload.Stores = []string{}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	return &database.OutboxEvent{
		AggregateType: AggregateSearch,
		AggregateID:   lockKey,
		EventType:     string(EventTypeSearchCompleted),
		Payload:       data,
		TargetStream:  database.DefaultStream,
	}, nil
}
