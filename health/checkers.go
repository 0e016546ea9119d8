package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/hemolab/hemo-go/broker"
	"github.com/hemolab/hemo-go/stream"
)

// BrokerChecker probes an in-process broker: an inactive broker is
// unhealthy, a queue above depthWarn or a dead-letter share above
// deadLetterWarn is degraded.
type BrokerChecker struct {
	broker         *broker.Broker
	depthWarn      int
	deadLetterWarn float64
}

// NewBrokerChecker returns a checker over b. depthWarn bounds the queue
// depth and deadLetterWarn the dead-lettered fraction of published
// cells before the broker reports degraded; zero disables either bound.
func NewBrokerChecker(b *broker.Broker, depthWarn int, deadLetterWarn float64) *BrokerChecker {
	return &BrokerChecker{
		broker:         b,
		depthWarn:      depthWarn,
		deadLetterWarn: deadLetterWarn,
	}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	stats := c.broker.GetStats()
	depth := c.broker.QueueDepth()
	result.Details["queue_depth"] = depth
	result.Details["published"] = stats.Published
	result.Details["delivered"] = stats.Delivered
	result.Details["dead_lettered"] = stats.DeadLettered

	if !c.broker.Active() {
		result.Status = StatusUnhealthy
		result.Message = "broker is stopped"
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "broker is running"

	if c.depthWarn > 0 && depth > c.depthWarn {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue depth %d above threshold %d", depth, c.depthWarn)
	}
	if c.deadLetterWarn > 0 && stats.Published > 0 {
		share := float64(stats.DeadLettered) / float64(stats.Published)
		result.Details["dead_letter_share"] = share
		if share > c.deadLetterWarn {
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("dead-letter share %.2f above threshold %.2f", share, c.deadLetterWarn)
		}
	}

	result.Duration = time.Since(start)
	return result
}

// OutStreamChecker probes a producer stream: inactive is unhealthy,
// paused or buffered above bufferWarn is degraded.
type OutStreamChecker struct {
	stream     *stream.OutStream
	bufferWarn int
}

// NewOutStreamChecker returns a checker over s.
func NewOutStreamChecker(s *stream.OutStream, bufferWarn int) *OutStreamChecker {
	return &OutStreamChecker{stream: s, bufferWarn: bufferWarn}
}

func (c *OutStreamChecker) Name() string {
	return "outstream"
}

func (c *OutStreamChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	size := c.stream.BufferSize()
	stats := c.stream.GetStats()
	result.Details["buffer_size"] = size
	result.Details["sent"] = stats.Sent
	result.Details["delivered"] = stats.Delivered
	result.Details["errors"] = stats.Errors

	switch {
	case !c.stream.Active():
		result.Status = StatusUnhealthy
		result.Message = "stream is not active"
	case c.stream.IsPaused():
		result.Status = StatusDegraded
		result.Message = "stream is paused on backpressure"
	case c.bufferWarn > 0 && size > c.bufferWarn:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("buffer size %d above threshold %d", size, c.bufferWarn)
	default:
		result.Status = StatusHealthy
		result.Message = "stream is flowing"
	}

	result.Duration = time.Since(start)
	return result
}

// InStreamChecker probes a consumer stream: inactive is unhealthy, a
// pending-acknowledgment backlog above pendingWarn is degraded.
type InStreamChecker struct {
	stream      *stream.InStream
	pendingWarn int
}

// NewInStreamChecker returns a checker over s.
func NewInStreamChecker(s *stream.InStream, pendingWarn int) *InStreamChecker {
	return &InStreamChecker{stream: s, pendingWarn: pendingWarn}
}

func (c *InStreamChecker) Name() string {
	return "instream"
}

func (c *InStreamChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	pending := c.stream.PendingCount()
	stats := c.stream.GetStats()
	result.Details["buffer_size"] = c.stream.BufferSize()
	result.Details["pending_acks"] = pending
	result.Details["received"] = stats.Received
	result.Details["redelivered"] = stats.Redelivered
	result.Details["dead_lettered"] = stats.DeadLettered

	switch {
	case !c.stream.Active():
		result.Status = StatusUnhealthy
		result.Message = "stream is not active"
	case c.pendingWarn > 0 && pending > c.pendingWarn:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d unacknowledged cells above threshold %d", pending, c.pendingWarn)
	default:
		result.Status = StatusHealthy
		result.Message = "stream is flowing"
	}

	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker guards against runaway goroutine counts.
type GoroutineChecker struct {
	warnThreshold     int
	criticalThreshold int
}

// NewGoroutineChecker returns a checker with the given thresholds.
func NewGoroutineChecker(warn, critical int) *GoroutineChecker {
	return &GoroutineChecker{warnThreshold: warn, criticalThreshold: critical}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()
	result.Details["goroutines"] = goroutines
	result.Details["memory_sys_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC

	switch {
	case goroutines > c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warnThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "goroutine count is normal"
	}

	result.Duration = time.Since(start)
	return result
}
