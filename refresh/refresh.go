// Package refresh decides how long fetched data stays fresh and how often it
// should be fetched again, and wraps fetches in a bounded exponential backoff.
package refresh

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Window is the freshness policy for one moment in time.
type Window struct {
	// StaleAfter is how old data may get before a re-watch fetches it again.
	StaleAfter time.Duration
	// RefetchEvery is how often watched data is fetched in the background.
	RefetchEvery time.Duration
}

// Policy holds the windows used while the market is open and closed.
type Policy struct {
	Open   Window
	Closed Window
}

// DefaultPolicy keeps prices live while trading and backs off to hourly otherwise.
var DefaultPolicy = Policy{
	Open:   Window{StaleAfter: 3 * time.Minute, RefetchEvery: time.Minute},
	Closed: Window{StaleAfter: time.Hour, RefetchEvery: time.Hour},
}

// Window returns the window for the market state.
func (p Policy) Window(open bool) Window {
	if open {
		return p.Open
	}
	return p.Closed
}

// MarketClock is satisfied by marketclock.Clock.
type MarketClock interface {
	IsOpen(now time.Time) bool
}

// Scheduler combines a Policy with a MarketClock.
type Scheduler struct {
	Policy Policy
	Clock  MarketClock
}

// Window returns the window that applies at now.
func (s Scheduler) Window(now time.Time) Window {
	return s.Policy.Window(s.Clock.IsOpen(now))
}

// Stale reports if data fetched at fetchedAt is stale at now.
func (s Scheduler) Stale(fetchedAt, now time.Time) bool {
	return now.Sub(fetchedAt) > s.Window(now).StaleAfter
}

// Due reports if data fetched at fetchedAt should be fetched again at now.
func (s Scheduler) Due(fetchedAt, now time.Time) bool {
	return now.Sub(fetchedAt) >= s.Window(now).RefetchEvery
}

// Backoff retries an operation with exponentially growing, capped delays.
type Backoff struct {
	// Attempts is the total number of tries, including the first. Values < 1 mean 1.
	Attempts int
	// Base is the delay after the first failure.
	Base time.Duration
	// Max caps any single delay. Zero means no cap.
	Max time.Duration
	// Retryable decides if an error is worth another attempt. nil retries everything.
	Retryable func(error) bool

	// timer is replaced in tests.
	timer backoff.Timer
}

// DefaultBackoff makes three attempts with delays of 1s then 2s, never above 30s.
var DefaultBackoff = Backoff{Attempts: 3, Base: time.Second, Max: 30 * time.Second}

// exponential returns the delay sequence min(Base*2^n, Max) with no jitter.
func (b Backoff) exponential() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Base
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = b.Max
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = time.Duration(math.MaxInt64)
	}
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

// Delay is the wait before attempt n+1, where n counts from 0.
func (b Backoff) Delay(n int) time.Duration {
	eb := b.exponential()
	d := eb.NextBackOff()
	for i := 0; i < n; i++ {
		d = eb.NextBackOff()
	}
	return d
}

// Retry calls op until it succeeds, returns a non-retryable error, attempts run
// out or ctx is done. The last error from op is returned.
func (b Backoff) Retry(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	operation := func() error {
		last = op(ctx)
		if last != nil && b.Retryable != nil && !b.Retryable(last) {
			return backoff.Permanent(last)
		}
		return last
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b.exponential(), uint64(attempts-1)), ctx)
	err := backoff.RetryNotifyWithTimer(operation, policy, nil, b.timer)
	if err != nil && last != nil {
		// A cancelled ctx reports ctx.Err(), the fetch error says more.
		return last
	}
	return err
}
