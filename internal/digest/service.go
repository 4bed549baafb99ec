// Package digest builds the scheduled daily-deals digest and admin
// broadcast events that enter the outbound queue out-of-band.
package digest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dealbot/internal/catalog"
	"dealbot/internal/monitor"
	"dealbot/pkg/logx"
)

// ErrNoDeals means no product currently clears the digest discount bar.
var ErrNoDeals = errors.New("digest: no qualifying deals")

type Config struct {
	Enabled  bool
	Schedule string // cron spec, default "0 9 * * *"
	Timezone string // IANA TZ, default local

	TopDeals           int     // default 5
	MinDiscountPercent float64 // default 10
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = "0 9 * * *"
	}
	if c.TopDeals <= 0 {
		c.TopDeals = 5
	}
	if c.MinDiscountPercent <= 0 {
		c.MinDiscountPercent = 10
	}
	return c
}

// Service emits a digest event on the configured cron schedule.
type Service struct {
	mu  sync.Mutex
	cfg Config

	store catalog.Store
	sink  monitor.Sink
	log   logx.Logger

	c *cron.Cron
}

func New(cfg Config, store catalog.Store, sink monitor.Sink, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), store: store, sink: sink, log: log}
}

func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.c != nil {
		return nil
	}

	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("digest timezone: %w", err)
		}
		loc = l
	}

	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(s.cfg.Schedule, s.emit); err != nil {
		return fmt.Errorf("digest schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.c = c
	s.log.Info("digest scheduled",
		logx.String("spec", s.cfg.Schedule), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Service) emit() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ev, err := s.Build(ctx)
	if err != nil {
		if errors.Is(err, ErrNoDeals) {
			s.log.Info("no daily deals to send")
			return
		}
		s.log.Error("digest build failed", logx.Err(err))
		return
	}
	if err := s.sink.Enqueue(ev); err != nil {
		s.log.Warn("digest not enqueued", logx.Err(err))
		return
	}
	s.log.Info("digest enqueued", logx.String("event", ev.ID))
}

// Build selects today's best deals: active products ordered by how far the
// current price dropped below the previous one, cut at the configured
// discount bar.
func (s *Service) Build(ctx context.Context) (monitor.Event, error) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	products, err := s.store.ListProducts(ctx, catalog.ListProductsOptions{ActiveOnly: true})
	if err != nil {
		return monitor.Event{}, fmt.Errorf("digest: list products: %w", err)
	}

	var deals []catalog.Product
	for _, p := range products {
		if p.DropPercent() >= cfg.MinDiscountPercent {
			deals = append(deals, p)
		}
	}
	if len(deals) == 0 {
		return monitor.Event{}, ErrNoDeals
	}
	sort.Slice(deals, func(i, j int) bool { return deals[i].DropPercent() > deals[j].DropPercent() })
	if len(deals) > cfg.TopDeals {
		deals = deals[:cfg.TopDeals]
	}

	var b strings.Builder
	b.WriteString("Today's hot deals\n")
	for i, p := range deals {
		fmt.Fprintf(&b, "%d. %s: %s %s (was %s, -%.0f%%)\n",
			i+1, p.Title, p.Price, p.Currency, p.PrevPrice, p.DropPercent())
	}
	return monitor.NewTextEvent(monitor.EventDailyDigest, b.String()), nil
}

// Broadcast wraps admin-provided text as an out-of-band broadcast event.
func Broadcast(text string) monitor.Event {
	return monitor.NewTextEvent(monitor.EventAdminBroadcast, text)
}
