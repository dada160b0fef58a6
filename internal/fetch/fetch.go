// Package fetch defines the provider-facing collaborator: the Fetcher
// interface the scheduler core calls, the bar payload it hands to the sink,
// and the error taxonomy the executor uses to decide whether a failure is a
// throttling signal.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Bar is one OHLCV candle. Opaque to the scheduler core; it flows from the
// provider response straight to the sink.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// TimeSeries is the ordered bar list for one (entity, interval) fetch.
type TimeSeries []Bar

// Fetcher pulls bars for one entity at one interval. since is the last known
// successful fetch time; the zero value asks for full history. A nil error
// with an empty series is a valid outcome (nothing new).
type Fetcher interface {
	Fetch(ctx context.Context, entity, interval string, since time.Time) (TimeSeries, error)
}

// Kind classifies a fetch failure.
type Kind int

const (
	// KindRateLimited: the provider is throttling us. Retryable; widens the
	// adaptive limiter.
	KindRateLimited Kind = iota + 1
	// KindNotFound: the entity is unknown to the provider. Permanent; counts
	// as a failure but is not a throttling signal.
	KindNotFound
	// KindTransient: timeouts, connection resets, 5xx. Retryable; widens the
	// adaptive limiter.
	KindTransient
	// KindMalformed: the provider answered but the payload or request was
	// broken. Permanent; needs operator attention, not slower polling.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified fetch failure.
type Error struct {
	Kind     Kind
	Entity   string
	Interval string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s:%s: %s: %v", e.Entity, e.Interval, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure should widen the rate limiter.
func (e *Error) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindTransient
}

// Retryable classifies an arbitrary error from a Fetcher. Unclassified errors
// count as transient: an unknown failure mode should slow us down, not keep
// the current pace.
func Retryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return true
}

// KindOf extracts the failure kind, defaulting to KindTransient for errors
// that did not come from this package.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}
