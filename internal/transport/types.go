// Package transport defines the outbound messaging capability consumed by
// the dispatch engine, with a transient/permanent error taxonomy at the
// boundary.
package transport

import (
	"context"
	"errors"
	"time"
)

// Target is a chat to deliver to.
type Target struct {
	ChatID int64
}

// Payload is one outbound message.
type Payload struct {
	Text           string
	ParseMode      string
	DisablePreview bool
}

// Transport sends messages to a chat platform.
type Transport interface {
	Send(ctx context.Context, to Target, p Payload) error
}

// SendError classifies a delivery failure.
//
// Permanent errors are never retried. Blocked additionally means the
// destination itself is gone (blocked the bot, kicked it, deleted account)
// and should stop receiving future events.
type SendError struct {
	Permanent  bool
	Blocked    bool
	RetryAfter time.Duration // flood-wait hint; 0 if none
	Err        error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return "transport: " + e.Err.Error()
	}
	return "transport: send failed"
}

func (e *SendError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable send failure.
func Transient(err error) *SendError { return &SendError{Err: err} }

// IsPermanent reports whether err is a non-retryable send failure.
func IsPermanent(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Permanent
}

// IsBlocked reports whether err means the destination is gone for good.
func IsBlocked(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Blocked
}

// RetryAfterHint extracts the platform's flood-wait hint, if any.
func RetryAfterHint(err error) time.Duration {
	var se *SendError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
