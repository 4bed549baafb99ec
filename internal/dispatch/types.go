// Package dispatch drains the outbound event queue and fans each event out
// to every eligible destination, under per-destination and platform-wide
// rate limits, with bounded retries for transient transport failures.
package dispatch

import (
	"errors"
	"time"

	"dealbot/internal/monitor"
)

// Config controls the fan-out engine.
type Config struct {
	Workers         int // queue drain workers, default 4
	QueueSize       int // outbound queue capacity, default 256
	RatePerSec      int // platform-wide send ceiling, default 25
	SendConcurrency int // concurrent sends per event, default 8

	// PerDestinationInterval is the minimum gap between two messages to
	// the same chat; sends inside the window are deferred, never dropped.
	PerDestinationInterval time.Duration // default 3s

	RetryMax      int           // total attempts per destination, default 4
	RetryBase     time.Duration // default 500ms
	RetryMaxDelay time.Duration // default 30s
	RetryJitter   float64       // default 0.2
	SendTimeout   time.Duration // per send call, default 10s
	HistorySize   int           // retained terminal attempts, default 200
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 25
	}
	if c.SendConcurrency <= 0 {
		c.SendConcurrency = 8
	}
	if c.PerDestinationInterval <= 0 {
		c.PerDestinationInterval = 3 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 4
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

type AttemptStatus string

const (
	StatusDelivered       AttemptStatus = "delivered"
	StatusFailedPermanent AttemptStatus = "failed_permanent"
	StatusPendingRetry    AttemptStatus = "pending_retry"
)

// DeliveryAttempt tracks one event/destination delivery. Attempts only grow
// until a terminal status is reached; terminal statuses are never revised.
type DeliveryAttempt struct {
	EventID   string
	Kind      monitor.EventKind
	ChatID    int64
	Attempts  int
	LastError string
	Status    AttemptStatus
	StartedAt time.Time
	DoneAt    time.Time
}

// Snapshot is an introspection view of the engine.
type Snapshot struct {
	Running    bool
	QueueDepth int
	QueueCap   int

	Delivered       uint64
	FailedPermanent uint64
	PassesAborted   uint64 // fan-out passes lost to store failures

	Recent []DeliveryAttempt // most recent terminal attempts, oldest first
}

// ErrQueueFull is returned by Enqueue when the outbound queue is saturated.
var ErrQueueFull = errors.New("dispatch: outbound queue full")
