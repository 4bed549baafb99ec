package pricesource

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dealbot/internal/catalog"
)

var minSimPrice = decimal.RequireFromString("0.99")

// Simulator produces a random walk around the product's last known price.
// It exists for local runs and load tests; real retailer adapters implement
// Source against their own HTTP clients.
//
// Distribution: 70% unchanged, 20% within ±5%, 10% within ±15%.
type Simulator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulator creates a simulator. seed 0 means time-based.
func NewSimulator(seed int64) *Simulator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{rng: rand.New(rand.NewSource(seed))}
}

func (s *Simulator) Fetch(ctx context.Context, p catalog.Product) (Observation, error) {
	if err := ctx.Err(); err != nil {
		return Observation{}, Transient(err)
	}
	start := time.Now()

	base := p.Price
	if base.Sign() <= 0 {
		base = decimal.RequireFromString("19.99")
	}

	s.mu.Lock()
	roll := s.rng.Float64()
	spread := s.rng.Float64()
	s.mu.Unlock()

	var factor float64
	switch {
	case roll < 0.70:
		factor = 1
	case roll < 0.90:
		factor = 0.95 + spread*0.10 // ±5%
	default:
		factor = 0.85 + spread*0.30 // ±15%
	}

	price := base.Mul(decimal.NewFromFloat(factor)).Round(2)
	if price.LessThan(minSimPrice) {
		price = minSimPrice
	}

	return Observation{
		ProductID: p.ID,
		Price:     price,
		At:        time.Now(),
		Latency:   time.Since(start),
	}, nil
}
