package stream

import (
	"sync"
	"time"
)

// rateLimiter caps throughput with a sliding one-second window of send
// times, plus a burst token bucket that lets sends bypass the window
// check. Tokens refill gradually while the window has headroom.
type rateLimiter struct {
	maxRate   int
	burstSize int

	mu         sync.Mutex
	window     []time.Time
	tokens     float64
	lastRefill time.Time
}

func newRateLimiter(maxRate, burstSize int) *rateLimiter {
	return &rateLimiter{
		maxRate:    maxRate,
		burstSize:  burstSize,
		tokens:     float64(burstSize),
		lastRefill: time.Now(),
	}
}

// tryAcquire reports whether a send may happen now and records it if so.
func (r *rateLimiter) tryAcquire(now time.Time) bool {
	if r == nil {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(now)
	r.refillLocked(now)

	// Token-funded sends bypass the window entirely.
	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	if len(r.window) < r.maxRate {
		r.window = append(r.window, now)
		return true
	}
	return false
}

// wait blocks until a send slot is available or stop closes.
func (r *rateLimiter) wait(stop <-chan struct{}) bool {
	for {
		if r.tryAcquire(time.Now()) {
			return true
		}
		select {
		case <-time.After(5 * time.Millisecond):
		case <-stop:
			return false
		}
	}
}

func (r *rateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Second)
	i := 0
	for i < len(r.window) && !r.window[i].After(cutoff) {
		i++
	}
	r.window = r.window[i:]
}

// refillLocked adds a fraction of burstSize per elapsed tick, but only
// while the window has headroom.
func (r *rateLimiter) refillLocked(now time.Time) {
	if r.burstSize == 0 || len(r.window) >= r.maxRate {
		r.lastRefill = now
		return
	}
	elapsed := now.Sub(r.lastRefill)
	if elapsed <= 0 {
		return
	}
	r.lastRefill = now
	// A full bucket refills over one second of headroom.
	r.tokens += float64(r.burstSize) * elapsed.Seconds()
	if r.tokens > float64(r.burstSize) {
		r.tokens = float64(r.burstSize)
	}
}
