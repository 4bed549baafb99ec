package pricesource

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dealbot/internal/catalog"
	"dealbot/pkg/logx"
)

type scriptedSource struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (s *scriptedSource) Fetch(ctx context.Context, p catalog.Product) (Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return Observation{}, s.err
	}
	return Observation{ProductID: p.ID, At: time.Now()}, nil
}

func (s *scriptedSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestBreakerOpensAfterTransientFailures(t *testing.T) {
	t.Parallel()
	inner := &scriptedSource{err: Transient(errors.New("connect refused"))}
	src := WithBreaker(inner, BreakerConfig{
		MinRequests:      2,
		FailureThreshold: 0.5,
		Timeout:          time.Minute,
	}, logx.Nop())

	ctx := context.Background()
	p := catalog.Product{ID: "p1"}
	for i := 0; i < 2; i++ {
		_, err := src.Fetch(ctx, p)
		require.Error(t, err)
	}

	// Circuit is open: the inner source is not called again.
	before := inner.callCount()
	_, err := src.Fetch(ctx, p)
	require.Error(t, err)
	require.False(t, IsPermanent(err), "open-circuit errors are retryable next cycle")
	require.Equal(t, before, inner.callCount())
}

func TestBreakerIgnoresPermanentFailures(t *testing.T) {
	t.Parallel()
	inner := &scriptedSource{err: Delisted("p1")}
	src := WithBreaker(inner, BreakerConfig{
		MinRequests:      2,
		FailureThreshold: 0.5,
	}, logx.Nop())

	// The endpoint answered; delistings must never trip the circuit.
	ctx := context.Background()
	p := catalog.Product{ID: "p1"}
	for i := 0; i < 10; i++ {
		_, err := src.Fetch(ctx, p)
		require.True(t, IsPermanent(err))
	}
	require.Equal(t, 10, inner.callCount())
}

func TestBreakerPassesObservationsThrough(t *testing.T) {
	t.Parallel()
	inner := &scriptedSource{}
	src := WithBreaker(inner, BreakerConfig{}, logx.Nop())

	obs, err := src.Fetch(context.Background(), catalog.Product{ID: "p1"})
	require.NoError(t, err)
	require.Equal(t, "p1", obs.ProductID)
}
