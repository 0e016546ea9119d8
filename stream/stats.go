package stream

import (
	"sync"
	"time"
)

// StatsRecorder receives stream statistics as they happen. The metrics
// package provides a Prometheus-backed implementation.
type StatsRecorder interface {
	RecordSent(stream string)
	RecordDelivered(stream string)
	RecordReceived(stream string)
	RecordAcknowledged(stream string)
	RecordDropped(stream string)
	RecordError(stream string)
	RecordBufferSize(stream string, size int)
}

// OutStreamStats is a snapshot of producer-side statistics.
type OutStreamStats struct {
	Sent       uint64
	Delivered  uint64
	Errors     uint64
	Dropped    uint64
	Throughput float64
	AvgLatency time.Duration
}

// InStreamStats is a snapshot of consumer-side statistics.
type InStreamStats struct {
	Received     uint64
	Processed    uint64
	Acknowledged uint64
	Errors       uint64
	Dropped      uint64
	Redelivered  uint64
	DeadLettered uint64
	Throughput   float64
}

// rollingWindow counts events over a sliding one-second window.
type rollingWindow struct {
	mu    sync.Mutex
	span  time.Duration
	times []time.Time
}

func newRollingWindow(span time.Duration) *rollingWindow {
	return &rollingWindow{span: span}
}

func (w *rollingWindow) record(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	w.times = append(w.times, now)
}

// count returns the number of events inside the window.
func (w *rollingWindow) count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return len(w.times)
}

// rate returns events per second over the window span.
func (w *rollingWindow) rate(now time.Time) float64 {
	return float64(w.count(now)) / w.span.Seconds()
}

func (w *rollingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	w.times = w.times[i:]
}

// latencyRing keeps the most recent delivery latencies for averaging.
type latencyRing struct {
	mu      sync.Mutex
	size    int
	samples []time.Duration
	next    int
	full    bool
}

func newLatencyRing(size int) *latencyRing {
	return &latencyRing{
		size:    size,
		samples: make([]time.Duration, size),
	}
}

func (r *latencyRing) record(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = d
	r.next = (r.next + 1) % r.size
	if r.next == 0 {
		r.full = true
	}
}

func (r *latencyRing) average() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.full {
		n = r.size
	}
	if n == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < n; i++ {
		total += r.samples[i]
	}
	return total / time.Duration(n)
}
