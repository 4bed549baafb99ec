package dispatch

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"dealbot/internal/catalog"
	"dealbot/internal/monitor"
	"dealbot/internal/transport"
	"dealbot/pkg/logx"
)

// Engine owns the outbound queue and the delivery worker pool.
type Engine struct {
	mu  sync.Mutex
	cfg Config

	store catalog.Store
	tr    transport.Transport
	log   logx.Logger

	// queue outlives Start/Stop toggles so events enqueued while the
	// engine is down are delivered once it runs again.
	queue   chan monitor.Event
	limiter *rate.Limiter

	// lastSent serializes per-destination pacing across concurrent events;
	// the store's LastMessageAt seeds it and stays the persisted truth.
	sentMu   sync.Mutex
	lastSent map[int64]time.Time

	delivered atomic.Uint64
	failed    atomic.Uint64
	aborted   atomic.Uint64

	histMu  sync.Mutex
	history []DeliveryAttempt

	stopCh    chan struct{}
	stopDone  chan struct{}
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}

func New(cfg Config, store catalog.Store, tr transport.Transport, log logx.Logger) *Engine {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		tr:       tr,
		log:      log,
		queue:    make(chan monitor.Event, cfg.QueueSize),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		lastSent: map[int64]time.Time{},
	}
}

// Apply swaps tunables. Queue capacity is fixed at construction.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	e.cfg = cfg
	e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Enqueue adds an event to the outbound queue in FIFO order. It accepts
// out-of-band events (admin broadcasts, digests) as well as cycle events.
func (e *Engine) Enqueue(ev monitor.Event) error {
	select {
	case e.queue <- ev:
		e.log.Debug("event enqueued",
			logx.String("kind", string(ev.Kind)),
			logx.String("event", ev.ID),
			logx.Int("queue_len", len(e.queue)))
		return nil
	default:
		e.log.Warn("outbound queue full; rejecting event",
			logx.String("kind", string(ev.Kind)), logx.String("event", ev.ID))
		return ErrQueueFull
	}
}

// QueueDepth reports the number of events waiting for dispatch.
func (e *Engine) QueueDepth() int { return len(e.queue) }

// Start launches the worker pool. If a Stop is in progress it waits for the
// previous pool to fully exit first, so pools never overlap.
func (e *Engine) Start(ctx context.Context) {
	for {
		e.mu.Lock()
		if e.stopCh == nil {
			break
		}
		done := e.stopDone
		if done == nil {
			// already running
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}

	e.stopCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	e.runCancel = cancel
	cfg := e.cfg
	stopCh := e.stopCh
	queue := e.queue
	e.mu.Unlock()

	e.workerWG.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go func() {
			defer e.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("panic in dispatch worker",
						logx.Int("worker", i), logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			e.worker(runCtx, stopCh, queue)
		}()
	}
	e.log.Info("dispatch started",
		logx.Int("workers", cfg.Workers), logx.Int("rate_per_sec", cfg.RatePerSec))
}

// Stop admits no new work and waits for in-flight deliveries up to ctx's
// deadline; cleanup continues in the background past it.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if e.stopCh == nil {
		e.mu.Unlock()
		return
	}
	if e.stopDone != nil {
		done := e.stopDone
		e.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	e.stopDone = done
	stopCh := e.stopCh
	cancel := e.runCancel
	e.runCancel = nil
	e.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		e.workerWG.Wait()
		e.mu.Lock()
		e.stopCh = nil
		e.stopDone = nil
		e.mu.Unlock()
		close(done)
		e.log.Info("dispatch stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Snapshot reports queue depth, counters, and recent terminal attempts.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	running := e.stopCh != nil && e.stopDone == nil
	e.mu.Unlock()

	e.histMu.Lock()
	recent := append([]DeliveryAttempt(nil), e.history...)
	e.histMu.Unlock()

	return Snapshot{
		Running:         running,
		QueueDepth:      len(e.queue),
		QueueCap:        cap(e.queue),
		Delivered:       e.delivered.Load(),
		FailedPermanent: e.failed.Load(),
		PassesAborted:   e.aborted.Load(),
		Recent:          recent,
	}
}

func (e *Engine) record(att DeliveryAttempt) {
	att.DoneAt = time.Now()
	switch att.Status {
	case StatusDelivered:
		e.delivered.Add(1)
	case StatusFailedPermanent:
		e.failed.Add(1)
	}

	e.histMu.Lock()
	defer e.histMu.Unlock()
	e.history = append(e.history, att)
	if size := e.config().HistorySize; len(e.history) > size {
		e.history = e.history[len(e.history)-size:]
	}
}
