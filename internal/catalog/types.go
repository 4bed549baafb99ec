package catalog

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("catalog: not found")

// Product is a tracked affiliate product.
//
// Price and PrevPrice move together: PrevPrice always holds the value before
// the most recent successful observation.
type Product struct {
	ID         string
	Title      string
	RetailerID string
	URL        string

	Currency  string
	Price     decimal.Decimal
	PrevPrice decimal.Decimal

	LastChecked   time.Time
	CheckInterval time.Duration // 0 means check every cycle

	// Threshold is the per-product notification-worthy change fraction.
	// 0 means use the global default.
	Threshold float64

	Active bool

	// ReviewReason is set when a permanent fetch failure flags the product
	// for manual review (e.g. delisted at the retailer).
	ReviewReason string
}

// DropPercent reports how far Price sits below PrevPrice, in percent.
// Returns 0 when there is no usable history.
func (p Product) DropPercent() float64 {
	if p.PrevPrice.Sign() <= 0 || p.Price.Sign() <= 0 {
		return 0
	}
	if !p.Price.LessThan(p.PrevPrice) {
		return 0
	}
	diff := p.PrevPrice.Sub(p.Price)
	pct, _ := diff.Div(p.PrevPrice).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

type DestinationKind string

const (
	DestinationUser  DestinationKind = "user"
	DestinationGroup DestinationKind = "group"
)

// Destination is a chat eligible to receive notifications.
type Destination struct {
	ChatID int64
	Kind   DestinationKind
	Title  string

	// Authorized gates all delivery. Groups start unauthorized until an
	// admin authorizes them; users are authorized by subscribing.
	Authorized bool

	AlertsEnabled bool // price drop/rise alerts
	DigestEnabled bool // daily digests

	// LastMessageAt drives the per-destination rate limit.
	LastMessageAt time.Time
}

// DestinationFilter narrows ListDestinations.
type DestinationFilter struct {
	AuthorizedOnly bool
	AlertsOnly     bool
	DigestOnly     bool
}

func (f DestinationFilter) matches(d Destination) bool {
	if f.AuthorizedOnly && !d.Authorized {
		return false
	}
	if f.AlertsOnly && !d.AlertsEnabled {
		return false
	}
	if f.DigestOnly && !d.DigestEnabled {
		return false
	}
	return true
}

// ListProductsOptions pages through the product list.
type ListProductsOptions struct {
	ActiveOnly bool
	Offset     int
	Limit      int // 0 means no limit
}
