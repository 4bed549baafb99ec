package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"dealbot/internal/catalog"
	"dealbot/internal/monitor"
	"dealbot/internal/transport"
	"dealbot/pkg/logx"
)

func (e *Engine) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan monitor.Event) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case ev := <-queue:
			e.fanout(ctx, ev)
		}
	}
}

// fanout delivers one event to every eligible destination. A store failure
// aborts only this pass; the event's per-destination outcomes are recorded
// independently.
func (e *Engine) fanout(ctx context.Context, ev monitor.Event) {
	dests, err := e.store.ListDestinations(ctx, filterFor(ev.Kind))
	if err != nil {
		e.aborted.Add(1)
		e.log.Error("fan-out pass aborted: destination lookup failed",
			logx.String("event", ev.ID), logx.Err(err))
		return
	}
	if len(dests) == 0 {
		return
	}

	cfg := e.config()
	e.mu.Lock()
	limiter := e.limiter
	e.mu.Unlock()

	text := renderText(ev)
	start := time.Now()

	g := new(errgroup.Group)
	g.SetLimit(cfg.SendConcurrency)
	for _, d := range dests {
		if !eligible(d, ev.Kind) {
			continue
		}
		g.Go(func() error {
			e.deliver(ctx, cfg, limiter, ev, d, text)
			return nil
		})
	}
	_ = g.Wait()

	e.log.Info("event dispatched",
		logx.String("event", ev.ID),
		logx.String("kind", string(ev.Kind)),
		logx.Int("destinations", len(dests)),
		logx.Duration("dur", time.Since(start)))
}

// filterFor narrows the destination query by subscription preference.
// Admin broadcasts go to every authorized destination.
func filterFor(kind monitor.EventKind) catalog.DestinationFilter {
	f := catalog.DestinationFilter{AuthorizedOnly: true}
	switch kind {
	case monitor.EventPriceDrop, monitor.EventPriceRise:
		f.AlertsOnly = true
	case monitor.EventDailyDigest:
		f.DigestOnly = true
	}
	return f
}

// eligible re-checks the filter per destination; the store query already
// filters, but the engine must never deliver past an authorization flip.
func eligible(d catalog.Destination, kind monitor.EventKind) bool {
	if !d.Authorized {
		return false
	}
	switch kind {
	case monitor.EventPriceDrop, monitor.EventPriceRise:
		return d.AlertsEnabled
	case monitor.EventDailyDigest:
		return d.DigestEnabled
	default:
		return true
	}
}

// deliver runs the full attempt loop for one destination: defer inside the
// per-destination window, respect the global throughput cap, retry
// transient transport failures with backoff, and record the terminal state.
func (e *Engine) deliver(ctx context.Context, cfg Config, limiter *rate.Limiter, ev monitor.Event, d catalog.Destination, text string) {
	att := DeliveryAttempt{
		EventID:   ev.ID,
		Kind:      ev.Kind,
		ChatID:    d.ChatID,
		Status:    StatusPendingRetry,
		StartedAt: time.Now(),
	}

	for {
		// Platform-wide ceiling: excess sends wait here, they never fail.
		if err := limiter.Wait(ctx); err != nil {
			att.LastError = err.Error()
			e.record(att) // still pending_retry: safe to resume after restart
			return
		}

		// Per-destination minimum interval: defer, don't drop.
		if wait := e.reserve(d, cfg.PerDestinationInterval); wait > 0 {
			if !sleep(ctx, wait) {
				att.LastError = ctx.Err().Error()
				e.record(att)
				return
			}
			continue
		}

		att.Attempts++
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := e.tr.Send(sctx, transport.Target{ChatID: d.ChatID}, transport.Payload{Text: text})
		cancel()

		if err == nil {
			now := time.Now()
			if terr := e.store.TouchDestination(ctx, d.ChatID, now); terr != nil {
				e.log.Warn("last-message timestamp not persisted",
					logx.Int64("chat_id", d.ChatID), logx.Err(terr))
			}
			att.Status = StatusDelivered
			e.record(att)
			return
		}

		att.LastError = err.Error()

		if transport.IsPermanent(err) {
			att.Status = StatusFailedPermanent
			if transport.IsBlocked(err) {
				// Stop future fan-outs from even attempting this chat.
				if aerr := e.store.SetDestinationAuthorized(ctx, d.ChatID, false); aerr != nil {
					e.log.Error("destination not deauthorized",
						logx.Int64("chat_id", d.ChatID), logx.Err(aerr))
				} else {
					e.log.Warn("destination unreachable; deauthorized",
						logx.Int64("chat_id", d.ChatID), logx.Err(err))
				}
			}
			e.record(att)
			return
		}

		if att.Attempts >= cfg.RetryMax {
			att.Status = StatusFailedPermanent
			e.record(att)
			e.log.Warn("delivery retries exhausted",
				logx.String("event", ev.ID),
				logx.Int64("chat_id", d.ChatID),
				logx.Int("attempts", att.Attempts),
				logx.Err(err))
			return
		}

		delay := backoffDelay(cfg, att.Attempts)
		if hint := transport.RetryAfterHint(err); hint > delay {
			delay = hint
		}
		e.log.Debug("transient send failure; retrying",
			logx.Int64("chat_id", d.ChatID),
			logx.Int("attempt", att.Attempts),
			logx.Duration("delay", delay),
			logx.Err(err))
		if !sleep(ctx, delay) {
			e.record(att)
			return
		}
	}
}

// reserve claims a send slot for the chat, returning how long the caller
// must still wait if the previous message was too recent.
func (e *Engine) reserve(d catalog.Destination, minInterval time.Duration) time.Duration {
	e.sentMu.Lock()
	defer e.sentMu.Unlock()

	last, ok := e.lastSent[d.ChatID]
	if !ok {
		// Cold cache: trust the persisted timestamp.
		last = d.LastMessageAt
	}
	now := time.Now()
	if since := now.Sub(last); since < minInterval {
		return minInterval - since
	}
	e.lastSent[d.ChatID] = now
	return 0
}

func sleep(ctx context.Context, d time.Duration) bool {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-tmr.C:
		return true
	}
}

// backoffDelay grows exponentially from RetryBase with ±jitter, capped at
// RetryMaxDelay. attempt starts at 1.
func backoffDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	if cfg.RetryJitter > 0 {
		r := (rand.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

// renderText produces the minimal plain-text body for an event. Digests and
// broadcasts arrive with their text already built.
func renderText(ev monitor.Event) string {
	switch ev.Kind {
	case monitor.EventDailyDigest, monitor.EventAdminBroadcast:
		return ev.Text
	case monitor.EventPriceDrop:
		return fmt.Sprintf("Price drop: %s\nWas %s %s, now %s %s (%.1f%%)",
			ev.ProductTitle, ev.OldPrice, ev.Currency, ev.NewPrice, ev.Currency, ev.PercentChange)
	case monitor.EventPriceRise:
		return fmt.Sprintf("Price rise: %s\nWas %s %s, now %s %s (+%.1f%%)",
			ev.ProductTitle, ev.OldPrice, ev.Currency, ev.NewPrice, ev.Currency, ev.PercentChange)
	default:
		return ev.Text
	}
}
