// Package monitor implements the price-monitoring core: the change detector
// that classifies fresh observations against stored history, and the
// scheduler that drives periodic check cycles and feeds the outbound queue.
package monitor

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EventKind string

const (
	EventPriceDrop      EventKind = "price_drop"
	EventPriceRise      EventKind = "price_rise"
	EventDailyDigest    EventKind = "daily_digest"
	EventAdminBroadcast EventKind = "admin_broadcast"
)

// Event is a candidate notification. Immutable once created.
type Event struct {
	ID        string
	Kind      EventKind
	CreatedAt time.Time

	// Price-change fields; empty for digests and broadcasts.
	ProductID     string
	ProductTitle  string
	Currency      string
	OldPrice      decimal.Decimal
	NewPrice      decimal.Decimal
	PercentChange float64 // signed; -6.0 means a 6% drop

	// Text is the pre-rendered body for digest/broadcast events.
	Text string
}

// DedupKey collapses repeat events for the same product within a cycle.
func (e Event) DedupKey() string { return e.ProductID + "|" + string(e.Kind) }

// NewTextEvent builds a digest or broadcast event carrying ready-made text.
func NewTextEvent(kind EventKind, text string) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		CreatedAt: time.Now(),
		Text:      text,
	}
}

// Sink accepts events for delivery. Implemented by the dispatch engine.
type Sink interface {
	Enqueue(Event) error
}

var (
	// ErrInvalidPrice rejects observations without a positive price.
	ErrInvalidPrice = errors.New("monitor: observation price must be positive")
	// ErrStaleObservation rejects observations older than the product's
	// last successful check.
	ErrStaleObservation = errors.New("monitor: observation older than last check")
)
