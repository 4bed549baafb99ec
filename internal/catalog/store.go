package catalog

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dealbot/pkg/logx"
)

// Store is the single point of truth for products and destinations.
// Every operation is atomic per key; implementations must serialize
// conflicting writes.
type Store interface {
	ListProducts(ctx context.Context, opt ListProductsOptions) ([]Product, error)
	GetProduct(ctx context.Context, id string) (Product, error)
	PutProduct(ctx context.Context, p Product) error

	// UpdateProductPrice advances the price history in one step:
	// prev <- current, current <- price, last_checked <- at.
	UpdateProductPrice(ctx context.Context, id string, price decimal.Decimal, at time.Time) error

	// FlagProduct marks a product for manual review without deactivating it.
	FlagProduct(ctx context.Context, id, reason string) error

	ListDestinations(ctx context.Context, f DestinationFilter) ([]Destination, error)
	GetDestination(ctx context.Context, chatID int64) (Destination, error)
	PutDestination(ctx context.Context, d Destination) error
	SetDestinationAuthorized(ctx context.Context, chatID int64, authorized bool) error

	// TouchDestination records the time of the latest delivered message.
	TouchDestination(ctx context.Context, chatID int64, at time.Time) error

	Close() error
}

// Config selects the store backend.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown catalog driver: " + cfg.Driver)
	}
}
