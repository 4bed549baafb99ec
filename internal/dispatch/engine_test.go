package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"dealbot/internal/catalog"
	"dealbot/internal/monitor"
	"dealbot/internal/transport"
	"dealbot/pkg/logx"
)

type sentMessage struct {
	chatID int64
	text   string
	at     time.Time
}

// fakeTransport scripts per-chat error sequences and records every send.
type fakeTransport struct {
	mu      sync.Mutex
	scripts map[int64][]error
	sent    []sentMessage
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{scripts: map[int64][]error{}}
}

func (f *fakeTransport) script(chatID int64, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[chatID] = append(f.scripts[chatID], errs...)
}

func (f *fakeTransport) Send(ctx context.Context, to transport.Target, p transport.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{chatID: to.ChatID, text: p.Text, at: time.Now()})
	if q := f.scripts[to.ChatID]; len(q) > 0 {
		err := q[0]
		f.scripts[to.ChatID] = q[1:]
		return err
	}
	return nil
}

func (f *fakeTransport) sends(chatID int64) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.sent {
		if m.chatID == chatID {
			out = append(out, m)
		}
	}
	return out
}

func fastConfig() Config {
	return Config{
		Workers:                1,
		QueueSize:              16,
		RatePerSec:             1000,
		SendConcurrency:        4,
		PerDestinationInterval: time.Millisecond,
		RetryMax:               3,
		RetryBase:              time.Millisecond,
		RetryMaxDelay:          5 * time.Millisecond,
		SendTimeout:            time.Second,
	}
}

func putDest(t *testing.T, store catalog.Store, d catalog.Destination) {
	t.Helper()
	require.NoError(t, store.PutDestination(context.Background(), d))
}

func dropEvent(productID string) monitor.Event {
	return monitor.Event{
		ID:            "ev-" + productID,
		Kind:          monitor.EventPriceDrop,
		CreatedAt:     time.Now(),
		ProductID:     productID,
		ProductTitle:  "Product " + productID,
		Currency:      "USD",
		OldPrice:      decimal.RequireFromString("50.00"),
		NewPrice:      decimal.RequireFromString("45.00"),
		PercentChange: -10,
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.QueueSize = 1
	e := New(cfg, catalog.NewMemory(), newFakeTransport(), logx.Nop())

	require.NoError(t, e.Enqueue(dropEvent("a")))
	require.ErrorIs(t, e.Enqueue(dropEvent("b")), ErrQueueFull)
	require.Equal(t, 1, e.QueueDepth())
}

func TestFanoutSkipsUnauthorizedDestinations(t *testing.T) {
	t.Parallel()
	store := catalog.NewMemory()
	putDest(t, store, catalog.Destination{ChatID: 1, Kind: catalog.DestinationUser, Authorized: true, AlertsEnabled: true, DigestEnabled: true})
	putDest(t, store, catalog.Destination{ChatID: 2, Kind: catalog.DestinationGroup, Authorized: false, AlertsEnabled: true, DigestEnabled: true})
	tr := newFakeTransport()
	e := New(fastConfig(), store, tr, logx.Nop())

	kinds := []monitor.Event{
		dropEvent("p1"),
		monitor.NewTextEvent(monitor.EventDailyDigest, "digest"),
		monitor.NewTextEvent(monitor.EventAdminBroadcast, "hello"),
	}
	for _, ev := range kinds {
		e.fanout(context.Background(), ev)
	}

	require.Len(t, tr.sends(1), 3)
	require.Empty(t, tr.sends(2), "unauthorized destination must never receive a message")
}

func TestFanoutHonorsSubscriptions(t *testing.T) {
	t.Parallel()
	store := catalog.NewMemory()
	putDest(t, store, catalog.Destination{ChatID: 1, Kind: catalog.DestinationUser, Authorized: true, AlertsEnabled: false, DigestEnabled: true})
	tr := newFakeTransport()
	e := New(fastConfig(), store, tr, logx.Nop())

	e.fanout(context.Background(), dropEvent("p1"))
	require.Empty(t, tr.sends(1))

	e.fanout(context.Background(), monitor.NewTextEvent(monitor.EventDailyDigest, "digest"))
	require.Len(t, tr.sends(1), 1)

	// Broadcasts ignore per-feature subscriptions.
	e.fanout(context.Background(), monitor.NewTextEvent(monitor.EventAdminBroadcast, "hello"))
	require.Len(t, tr.sends(1), 2)
}

func TestDeliverRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()
	store := catalog.NewMemory()
	putDest(t, store, catalog.Destination{ChatID: 1, Kind: catalog.DestinationUser, Authorized: true, AlertsEnabled: true})
	tr := newFakeTransport()
	tr.script(1, transport.Transient(errors.New("gateway hiccup")))
	e := New(fastConfig(), store, tr, logx.Nop())

	e.fanout(context.Background(), dropEvent("p1"))

	require.Len(t, tr.sends(1), 2)
	snap := e.Snapshot()
	require.Equal(t, uint64(1), snap.Delivered)
	require.Zero(t, snap.FailedPermanent)
	require.Len(t, snap.Recent, 1)
	require.Equal(t, StatusDelivered, snap.Recent[0].Status)
	require.Equal(t, 2, snap.Recent[0].Attempts)

	got, err := store.GetDestination(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, got.LastMessageAt.IsZero())
}

func TestDeliverExhaustsRetriesAtMaxAttempts(t *testing.T) {
	t.Parallel()
	store := catalog.NewMemory()
	putDest(t, store, catalog.Destination{ChatID: 1, Kind: catalog.DestinationUser, Authorized: true, AlertsEnabled: true})
	tr := newFakeTransport()
	tr.script(1,
		transport.Transient(errors.New("boom")),
		transport.Transient(errors.New("boom")),
		transport.Transient(errors.New("boom")),
		transport.Transient(errors.New("boom")))
	e := New(fastConfig(), store, tr, logx.Nop()) // RetryMax 3

	e.fanout(context.Background(), dropEvent("p1"))

	require.Len(t, tr.sends(1), 3, "RetryMax bounds total attempts, not retries after the first")
	snap := e.Snapshot()
	require.Equal(t, uint64(1), snap.FailedPermanent)
	require.Len(t, snap.Recent, 1)
	require.Equal(t, StatusFailedPermanent, snap.Recent[0].Status)
	require.Equal(t, 3, snap.Recent[0].Attempts)

	// Exhaustion is not a block: the destination stays authorized.
	got, err := store.GetDestination(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, got.Authorized)
}

func TestDeliverBlockedDeauthorizesDestination(t *testing.T) {
	t.Parallel()
	store := catalog.NewMemory()
	putDest(t, store, catalog.Destination{ChatID: 1, Kind: catalog.DestinationUser, Authorized: true, AlertsEnabled: true})
	tr := newFakeTransport()
	tr.script(1, &transport.SendError{Permanent: true, Blocked: true, Err: errors.New("bot blocked by user")})
	e := New(fastConfig(), store, tr, logx.Nop())

	e.fanout(context.Background(), dropEvent("p1"))

	require.Len(t, tr.sends(1), 1, "permanent failures are never retried")
	got, err := store.GetDestination(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, got.Authorized)

	// Subsequent fan-outs skip the chat entirely.
	e.fanout(context.Background(), dropEvent("p2"))
	require.Len(t, tr.sends(1), 1)
}

func TestDeliverPermanentNonBlockedKeepsAuthorization(t *testing.T) {
	t.Parallel()
	store := catalog.NewMemory()
	putDest(t, store, catalog.Destination{ChatID: 1, Kind: catalog.DestinationUser, Authorized: true, AlertsEnabled: true})
	tr := newFakeTransport()
	tr.script(1, &transport.SendError{Permanent: true, Err: errors.New("message too long")})
	e := New(fastConfig(), store, tr, logx.Nop())

	e.fanout(context.Background(), dropEvent("p1"))

	require.Len(t, tr.sends(1), 1)
	require.Equal(t, uint64(1), e.Snapshot().FailedPermanent)
	got, err := store.GetDestination(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, got.Authorized)
}

func TestPerDestinationSpacingDefersSends(t *testing.T) {
	t.Parallel()
	const gap = 80 * time.Millisecond
	store := catalog.NewMemory()
	putDest(t, store, catalog.Destination{ChatID: 1, Kind: catalog.DestinationUser, Authorized: true, AlertsEnabled: true})
	tr := newFakeTransport()
	cfg := fastConfig()
	cfg.PerDestinationInterval = gap
	e := New(cfg, store, tr, logx.Nop())

	e.fanout(context.Background(), dropEvent("p1"))
	e.fanout(context.Background(), dropEvent("p2"))

	sends := tr.sends(1)
	require.Len(t, sends, 2, "the second send is deferred, not dropped")
	// The window is reserved just before each send, so allow a little slack
	// between reservation and the recorded send time.
	require.GreaterOrEqual(t, sends[1].at.Sub(sends[0].at), gap-10*time.Millisecond)
}

func TestRetryAfterHintStretchesBackoff(t *testing.T) {
	t.Parallel()
	const hint = 60 * time.Millisecond
	store := catalog.NewMemory()
	putDest(t, store, catalog.Destination{ChatID: 1, Kind: catalog.DestinationUser, Authorized: true, AlertsEnabled: true})
	tr := newFakeTransport()
	tr.script(1, &transport.SendError{RetryAfter: hint, Err: errors.New("too many requests")})
	e := New(fastConfig(), store, tr, logx.Nop())

	e.fanout(context.Background(), dropEvent("p1"))

	sends := tr.sends(1)
	require.Len(t, sends, 2)
	require.GreaterOrEqual(t, sends[1].at.Sub(sends[0].at), hint)
}

func TestEngineDrainsQueueAcrossRestart(t *testing.T) {
	t.Parallel()
	store := catalog.NewMemory()
	putDest(t, store, catalog.Destination{ChatID: 1, Kind: catalog.DestinationUser, Authorized: true, AlertsEnabled: true})
	tr := newFakeTransport()
	e := New(fastConfig(), store, tr, logx.Nop())

	// Queued while down, delivered once running.
	require.NoError(t, e.Enqueue(dropEvent("p1")))
	e.Start(context.Background())
	require.Eventually(t, func() bool { return e.Snapshot().Delivered == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e.Stop(ctx)
	require.False(t, e.Snapshot().Running)

	require.NoError(t, e.Enqueue(dropEvent("p2")))
	e.Start(context.Background())
	require.Eventually(t, func() bool { return e.Snapshot().Delivered == 2 }, 2*time.Second, 5*time.Millisecond)
	e.Stop(ctx)
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: 300 * time.Millisecond, RetryJitter: 0.2}.withDefaults()

	for attempt := 1; attempt <= 6; attempt++ {
		d := backoffDelay(cfg, attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, cfg.RetryMaxDelay)
	}
	// First attempt stays near the base even with jitter.
	d := backoffDelay(cfg, 1)
	require.LessOrEqual(t, d, 120*time.Millisecond)
	require.GreaterOrEqual(t, d, 80*time.Millisecond)
}
