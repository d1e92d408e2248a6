package retry

import "time"

// Backoff is the reconnect schedule of a long lived connection. Delays start
// at Min and double up to Max. A rate limited failure never waits less than
// RateLimitMin. The schedule resets only once a connection stayed up for
// StableAfter.
type Backoff struct {
	Min          time.Duration
	Max          time.Duration
	RateLimitMin time.Duration
	StableAfter  time.Duration

	current time.Duration
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next(rateLimited bool) time.Duration {
	switch {
	case b.current == 0:
		b.current = b.Min
	default:
		b.current *= 2
	}
	if b.Max > 0 && b.current > b.Max {
		b.current = b.Max
	}
	d := b.current
	if rateLimited && d < b.RateLimitMin {
		d = b.RateLimitMin
		b.current = d
	}
	return d
}

// Connected reports how long the last connection lasted and resets the
// schedule when it was stable.
func (b *Backoff) Connected(lasted time.Duration) {
	if lasted >= b.StableAfter {
		b.Reset()
	}
}

func (b *Backoff) Reset() {
	b.current = 0
}

// RefreshPolicy bounds credential refreshes for one publish attempt.
type RefreshPolicy struct {
	MaxRefreshes int
}

func DefaultRefreshPolicy() RefreshPolicy {
	return RefreshPolicy{MaxRefreshes: 1}
}
