package kiwibnc

import (
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// backoffer implements a simple exponential backoff.
type backoffer struct {
	min, max, jitter time.Duration
	n                int64
}

func newBackoffer(min, max, jitter time.Duration) *backoffer {
	return &backoffer{min: min, max: max, jitter: jitter}
}

func (b *backoffer) Reset() {
	b.n = 0
}

func (b *backoffer) Next() time.Duration {
	if b.n == 0 {
		b.n = 1
		return 0
	}

	d := time.Duration(b.n) * b.min
	if d > b.max {
		d = b.max
	} else {
		b.n *= 2
	}

	if b.jitter != 0 {
		d += time.Duration(rand.Int63n(int64(b.jitter)))
	}

	return d
}

// downstreamMessageLimiter throttles how fast a single downstream
// connection may have its inbound lines dispatched, so that one misbehaving
// or compromised client can't starve the goroutine scheduler or hammer the
// credential store with PASS attempts.
type downstreamMessageLimiter struct {
	limiter *rate.Limiter
}

func newDownstreamMessageLimiter(messagesPerSecond float64, burst int) *downstreamMessageLimiter {
	return &downstreamMessageLimiter{limiter: rate.NewLimiter(rate.Limit(messagesPerSecond), burst)}
}

// Allow reports whether a message may be dispatched right now without
// blocking the connection's goroutine.
func (l *downstreamMessageLimiter) Allow() bool {
	return l.limiter.Allow()
}
