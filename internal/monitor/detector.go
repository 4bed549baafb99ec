package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dealbot/internal/catalog"
	"dealbot/internal/pricesource"
	"dealbot/pkg/logx"
)

// DefaultThreshold is the notification-worthy change fraction used when
// neither the product nor the config says otherwise.
const DefaultThreshold = 0.05

var hundred = decimal.NewFromInt(100)

// Detector classifies fresh observations against a product's stored price.
type Detector struct {
	store     catalog.Store
	threshold float64
	log       logx.Logger
}

func NewDetector(store catalog.Store, defaultThreshold float64, log logx.Logger) *Detector {
	if defaultThreshold <= 0 || defaultThreshold >= 1 {
		defaultThreshold = DefaultThreshold
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Detector{store: store, threshold: defaultThreshold, log: log}
}

// Evaluate advances the product's price history and returns an event when
// the change clears the threshold.
//
// Every successful observation updates the store, event or not, so history
// moves even for quiet products; re-evaluating the same observation is
// idempotent. The first observation for a product only establishes the
// baseline. Returned store errors abort the caller's cycle; validation
// errors (ErrInvalidPrice, ErrStaleObservation) are per-product.
func (d *Detector) Evaluate(ctx context.Context, p catalog.Product, obs pricesource.Observation) (*Event, error) {
	if obs.Price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: product %s got %s", ErrInvalidPrice, p.ID, obs.Price)
	}
	if !p.LastChecked.IsZero() && obs.At.Before(p.LastChecked) {
		return nil, fmt.Errorf("%w: product %s observed %s, last checked %s",
			ErrStaleObservation, p.ID, obs.At.Format(time.RFC3339), p.LastChecked.Format(time.RFC3339))
	}

	baseline := p.LastChecked.IsZero() || p.Price.Sign() <= 0

	if err := d.store.UpdateProductPrice(ctx, p.ID, obs.Price, obs.At); err != nil {
		return nil, fmt.Errorf("update price for %s: %w", p.ID, err)
	}

	if baseline {
		d.log.Debug("price baseline established",
			logx.String("product", p.ID), logx.String("price", obs.Price.String()))
		return nil, nil
	}

	oldPrice, newPrice := p.Price, obs.Price
	threshold := p.Threshold
	if threshold <= 0 || threshold >= 1 {
		threshold = d.threshold
	}
	t := decimal.NewFromFloat(threshold)

	var kind EventKind
	switch {
	case newPrice.LessThan(oldPrice.Mul(decimal.NewFromInt(1).Sub(t))):
		kind = EventPriceDrop
	case newPrice.GreaterThan(oldPrice.Mul(decimal.NewFromInt(1).Add(t))):
		kind = EventPriceRise
	default:
		return nil, nil
	}

	pct, _ := newPrice.Sub(oldPrice).Div(oldPrice).Mul(hundred).Float64()
	ev := &Event{
		ID:            uuid.NewString(),
		Kind:          kind,
		CreatedAt:     obs.At,
		ProductID:     p.ID,
		ProductTitle:  p.Title,
		Currency:      p.Currency,
		OldPrice:      oldPrice,
		NewPrice:      newPrice,
		PercentChange: pct,
	}
	d.log.Info("notification-worthy price change",
		logx.String("product", p.ID),
		logx.String("kind", string(kind)),
		logx.String("old", oldPrice.String()),
		logx.String("new", newPrice.String()),
		logx.Float64("pct", pct))
	return ev, nil
}
