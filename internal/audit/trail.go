// Package audit is the append-only trail of optimization events. Events are
// written once and fanned out only after they are durable.
package audit

import (
	"context"
	"fmt"

	"symbol-optimizer/internal/database"
	"symbol-optimizer/internal/logging"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Store appends and lists events
type Store interface {
	InsertEvent(ctx context.Context, e *database.OptimizationEvent) error
	ListEvents(ctx context.Context, f database.EventFilter) ([]database.OptimizationEvent, error)
}

// Publisher receives committed events
type Publisher interface {
	Publish(event database.OptimizationEvent)
}

// Trail records standalone events and publishes events committed elsewhere
// (status transitions commit their event in the same transaction as the
// state change).
type Trail struct {
	store     Store
	publisher Publisher
	logger    *logging.Logger
}

// NewTrail creates a trail. publisher may be nil.
func NewTrail(store Store, publisher Publisher, logger *logging.Logger) *Trail {
	if logger == nil {
		logger = logging.Default()
	}
	return &Trail{store: store, publisher: publisher, logger: logger.WithComponent("audit")}
}

// Record appends e and publishes it once written
func (t *Trail) Record(ctx context.Context, e *database.OptimizationEvent) error {
	if e == nil {
		return fmt.Errorf("nil event")
	}
	if e.AccountID == "" || e.EventType == "" {
		return fmt.Errorf("event needs account_id and event_type")
	}
	if err := t.store.InsertEvent(ctx, e); err != nil {
		return fmt.Errorf("failed to insert %s event: %w", e.EventType, err)
	}
	t.Publish(e)
	return nil
}

// Publish fans out an already committed event
func (t *Trail) Publish(e *database.OptimizationEvent) {
	if e == nil || t.publisher == nil {
		return
	}
	t.logger.Debug("Publishing event",
		"event_id", e.ID,
		"account_id", e.AccountID,
		"symbol", e.Symbol,
		"event_type", e.EventType)
	t.publisher.Publish(*e)
}

// List returns events newest first
func (t *Trail) List(ctx context.Context, f database.EventFilter) ([]database.OptimizationEvent, error) {
	switch {
	case f.Limit <= 0:
		f.Limit = defaultListLimit
	case f.Limit > maxListLimit:
		f.Limit = maxListLimit
	}
	return t.store.ListEvents(ctx, f)
}
