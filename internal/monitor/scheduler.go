package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"dealbot/internal/catalog"
	"dealbot/internal/pricesource"
	"dealbot/pkg/logx"
)

// Phase is the scheduler's position in its cycle state machine.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseFetching
	PhaseDetecting
	PhaseEnqueuing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetching:
		return "fetching"
	case PhaseDetecting:
		return "detecting"
	case PhaseEnqueuing:
		return "enqueuing"
	default:
		return "unknown"
	}
}

// SchedulerConfig controls the periodic check cycle.
type SchedulerConfig struct {
	Interval     time.Duration // default 30m
	FetchTimeout time.Duration // per price fetch, default 15s
	MaxInFlight  int           // concurrent fetches, default 8
	PageSize     int           // product list page, default 200
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Minute
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 15 * time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 8
	}
	if c.PageSize <= 0 {
		c.PageSize = 200
	}
	return c
}

// SchedulerStatus is an introspection snapshot.
type SchedulerStatus struct {
	Phase     string
	Cycles    uint64
	LastError string
	LastCycle time.Duration
}

// Scheduler drives repeating monitoring cycles: list products, fetch prices
// with bounded concurrency, classify changes, and push deduplicated events
// to the sink. Cycles never overlap; an overrunning cycle's successor starts
// immediately after it completes.
type Scheduler struct {
	mu  sync.Mutex
	cfg SchedulerConfig

	store  catalog.Store
	source pricesource.Source
	det    *Detector
	sink   Sink
	log    logx.Logger

	phase   atomic.Int32
	cycles  atomic.Uint64
	lastErr atomic.Value // string
	lastDur atomic.Int64 // nanoseconds

	stopCh    chan struct{}
	stopDone  chan struct{}
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func NewScheduler(cfg SchedulerConfig, store catalog.Store, source pricesource.Source, det *Detector, sink Sink, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		cfg:    cfg.withDefaults(),
		store:  store,
		source: source,
		det:    det,
		sink:   sink,
		log:    log,
	}
	s.lastErr.Store("")
	return s
}

// Apply swaps cycle tuning. Takes effect from the next cycle.
func (s *Scheduler) Apply(cfg SchedulerConfig) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Scheduler) config() SchedulerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches the monitoring loop. The first cycle runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in monitor loop", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		s.run(runCtx, stopCh)
	}()
	s.log.Info("monitoring started", logx.Duration("interval", s.config().Interval))
}

// Stop signals the loop and waits for the in-flight cycle to finish, up to
// ctx's deadline; the cycle keeps winding down in the background past it.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.wg.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("monitoring stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Status reports the current phase and cycle counters.
func (s *Scheduler) Status() SchedulerStatus {
	errStr, _ := s.lastErr.Load().(string)
	return SchedulerStatus{
		Phase:     Phase(s.phase.Load()).String(),
		Cycles:    s.cycles.Load(),
		LastError: errStr,
		LastCycle: time.Duration(s.lastDur.Load()),
	}
}

func (s *Scheduler) run(ctx context.Context, stopCh <-chan struct{}) {
	for {
		interval := s.config().Interval
		// Arm the timer before the cycle so a cycle that overruns the
		// interval is followed immediately, never concurrently.
		timer := time.NewTimer(interval)

		started := time.Now()
		err := s.cycle(ctx)
		s.lastDur.Store(int64(time.Since(started)))
		s.cycles.Add(1)
		if err != nil {
			s.lastErr.Store(err.Error())
			s.log.Error("monitoring cycle aborted", logx.Err(err), logx.Duration("dur", time.Since(started)))
		} else {
			s.lastErr.Store("")
			s.log.Debug("monitoring cycle completed", logx.Duration("dur", time.Since(started)))
		}

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

type fetchResult struct {
	product catalog.Product
	obs     pricesource.Observation
	err     error
}

// cycle runs one pass: Fetching -> Detecting -> Enqueuing.
// An error return means the whole cycle was aborted (store failure); the
// next cycle proceeds independently.
func (s *Scheduler) cycle(ctx context.Context) error {
	cfg := s.config()
	s.phase.Store(int32(PhaseFetching))
	defer s.phase.Store(int32(PhaseIdle))

	products, err := s.listDue(ctx, cfg)
	if err != nil {
		return err
	}
	if len(products) == 0 {
		return nil
	}

	results := make([]fetchResult, len(products))
	g := new(errgroup.Group)
	g.SetLimit(cfg.MaxInFlight)
	for i, p := range products {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout)
			defer cancel()
			obs, err := s.source.Fetch(fctx, p)
			results[i] = fetchResult{product: p, obs: obs, err: err}
			return nil
		})
	}
	_ = g.Wait()

	s.phase.Store(int32(PhaseDetecting))
	events, err := s.detect(ctx, results)
	if err != nil {
		return err
	}

	s.phase.Store(int32(PhaseEnqueuing))
	for _, ev := range events {
		if err := s.sink.Enqueue(ev); err != nil {
			s.log.Warn("event not enqueued", logx.String("key", ev.DedupKey()), logx.Err(err))
		}
	}
	return ctx.Err()
}

// listDue pages through active products and keeps the ones whose own check
// interval has elapsed.
func (s *Scheduler) listDue(ctx context.Context, cfg SchedulerConfig) ([]catalog.Product, error) {
	now := time.Now()
	var due []catalog.Product
	for offset := 0; ; offset += cfg.PageSize {
		page, err := s.store.ListProducts(ctx, catalog.ListProductsOptions{
			ActiveOnly: true,
			Offset:     offset,
			Limit:      cfg.PageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("list products: %w", err)
		}
		for _, p := range page {
			if p.CheckInterval > 0 && now.Sub(p.LastChecked) < p.CheckInterval {
				continue
			}
			due = append(due, p)
		}
		if len(page) < cfg.PageSize {
			return due, nil
		}
	}
}

// detect feeds observations to the detector and collapses the resulting
// events by dedup key, keeping the most recent per key. A fetch failure for
// one product never aborts the cycle; a store failure does.
func (s *Scheduler) detect(ctx context.Context, results []fetchResult) ([]Event, error) {
	latest := map[string]Event{}
	var order []string

	for _, r := range results {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.err != nil {
			if pricesource.IsPermanent(r.err) {
				s.log.Warn("permanent fetch failure; flagging product",
					logx.String("product", r.product.ID), logx.Err(r.err))
				if ferr := s.store.FlagProduct(ctx, r.product.ID, r.err.Error()); ferr != nil {
					return nil, fmt.Errorf("flag product %s: %w", r.product.ID, ferr)
				}
			} else {
				s.log.Debug("price fetch failed; retrying next cycle",
					logx.String("product", r.product.ID), logx.Err(r.err))
			}
			continue
		}

		ev, err := s.det.Evaluate(ctx, r.product, r.obs)
		if err != nil {
			if errors.Is(err, ErrInvalidPrice) || errors.Is(err, ErrStaleObservation) {
				s.log.Warn("observation rejected", logx.String("product", r.product.ID), logx.Err(err))
				continue
			}
			return nil, err
		}
		if ev == nil {
			continue
		}
		key := ev.DedupKey()
		if _, seen := latest[key]; !seen {
			order = append(order, key)
		}
		latest[key] = *ev // latest payload wins
	}

	events := make([]Event, 0, len(order))
	for _, key := range order {
		events = append(events, latest[key])
	}
	// FIFO by creation time; stable sort preserves arrival order on ties.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	return events, nil
}
