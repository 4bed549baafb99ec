// Package pricesource defines the price fetch capability consumed by the
// monitor, plus a circuit-breaker wrapper and a simulator backend.
package pricesource

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dealbot/internal/catalog"
	"dealbot/pkg/logx"
)

// Observation is one successful price reading. It is ephemeral: consumed by
// the change detector and never persisted standalone.
type Observation struct {
	ProductID string
	Price     decimal.Decimal
	At        time.Time
	Latency   time.Duration
}

// Source fetches the current price of a product.
type Source interface {
	Fetch(ctx context.Context, p catalog.Product) (Observation, error)
}

// FetchError classifies a failed fetch. Transient failures are retried on
// the next monitoring cycle; permanent ones flag the product for review.
type FetchError struct {
	Permanent bool
	Err       error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return "pricesource: " + e.Err.Error()
	}
	return "pricesource: fetch failed"
}

func (e *FetchError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable fetch failure.
func Transient(err error) *FetchError { return &FetchError{Err: err} }

// Delisted marks a product as permanently gone at the retailer.
func Delisted(productID string) *FetchError {
	return &FetchError{Permanent: true, Err: errors.New("product delisted: " + productID)}
}

// IsPermanent reports whether err is a non-retryable fetch failure.
func IsPermanent(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Permanent
}

// Config selects the source backend.
type Config struct {
	Driver  string
	Breaker BreakerConfig
}

// Open builds the configured source, wrapped in a circuit breaker.
func Open(cfg Config, log logx.Logger) (Source, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	var inner Source
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "simulator":
		inner = NewSimulator(0)
	default:
		return nil, errors.New("unknown price source driver: " + cfg.Driver)
	}
	return WithBreaker(inner, cfg.Breaker, log), nil
}
