package pricesource

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"dealbot/internal/catalog"
	"dealbot/pkg/logx"
)

// BreakerConfig tunes the circuit breaker guarding the price source.
type BreakerConfig struct {
	MaxRequests      uint32        // allowed in half-open state
	Interval         time.Duration // closed-state count reset period
	Timeout          time.Duration // open-state cool-down
	FailureThreshold float64       // failure ratio that trips the circuit
	MinRequests      uint32        // minimum samples before tripping
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxRequests == 0 {
		c.MaxRequests = 3
	}
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 0.6
	}
	if c.MinRequests == 0 {
		c.MinRequests = 5
	}
	return c
}

type breakerSource struct {
	inner Source
	cb    *gobreaker.CircuitBreaker
}

// WithBreaker guards a source so a broken retailer endpoint sheds load
// instead of stalling every cycle. Permanent fetch errors do not count as
// breaker failures; the endpoint answered.
func WithBreaker(inner Source, cfg BreakerConfig, log logx.Logger) Source {
	cfg = cfg.withDefaults()
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "price-source",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("price source circuit state changed",
				logx.String("circuit", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
	})
	return &breakerSource{inner: inner, cb: cb}
}

func (s *breakerSource) Fetch(ctx context.Context, p catalog.Product) (Observation, error) {
	v, err := s.cb.Execute(func() (any, error) {
		return s.inner.Fetch(ctx, p)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Observation{}, Transient(err)
		}
		return Observation{}, err
	}
	obs, _ := v.(Observation)
	return obs, nil
}
