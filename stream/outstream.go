package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hemolab/hemo-go/contracts"
)

// Transform is a pure cell-to-cell function applied before filtering. The
// result of each transform feeds the next.
type Transform func(cell *contracts.Cell) (*contracts.Cell, error)

// Filter decides whether a cell continues down the pipeline. Returning
// false drops the cell; that is not an error.
type Filter func(cell *contracts.Cell) (bool, error)

// DataHandler receives individually delivered cells.
type DataHandler func(cell *contracts.Cell) error

// BatchHandler receives flushed batches.
type BatchHandler func(cells []*contracts.Cell) error

// ErrorHandler receives contained pipeline errors.
type ErrorHandler func(err error)

// BackpressureEvent describes a buffer crossing its high water mark or
// refusing a send at capacity.
type BackpressureEvent struct {
	BufferSize    int
	HighWaterMark int
	LowWaterMark  int
	// Rejected is true when a send was refused because the buffer was at
	// maxBufferSize; the cell was not enqueued.
	Rejected bool
}

// BackpressureHandler receives backpressure events.
type BackpressureHandler func(event BackpressureEvent)

type outEntry struct {
	cell       *contracts.Cell
	enqueuedAt time.Time
}

// OutStream is the producer-side pipeline: transform, filter, rate limit,
// then batch or deliver, with watermark backpressure on its buffer.
type OutStream struct {
	name            string
	maxBufferSize   int
	highWater       int
	lowWater        int
	maxRate         int
	burstSize       int
	batchSize       int
	batchTimeout    time.Duration
	pauseDelay      time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger
	recorder        StatsRecorder

	mu           sync.Mutex
	active       bool
	draining     bool
	paused       bool
	buffer       []outEntry
	enqueuedAt   map[string]time.Time
	transforms   []Transform
	filters      []Filter
	dataHandlers map[string]DataHandler
	batchHands   map[string]BatchHandler
	errorHands   map[string]ErrorHandler
	bpHands      map[string]BackpressureHandler
	sent         uint64
	delivered    uint64
	errorCount   uint64
	dropped      uint64

	limiter    *rateLimiter
	batcher    *batcher
	throughput *rollingWindow
	latencies  *latencyRing

	wake   chan struct{}
	stopCh chan struct{}
	done   chan struct{}
}

// OutStreamOption configures an OutStream.
type OutStreamOption func(*OutStream)

// WithOutLogger sets the logger.
func WithOutLogger(logger *slog.Logger) OutStreamOption {
	return func(s *OutStream) {
		s.logger = logger
	}
}

// WithOutName names the stream for logging and metrics labels.
func WithOutName(name string) OutStreamOption {
	return func(s *OutStream) {
		s.name = name
	}
}

// WithOutBufferSize sets the hard buffer capacity. Sends beyond it fail
// with ErrBufferFull.
func WithOutBufferSize(size int) OutStreamOption {
	return func(s *OutStream) {
		s.maxBufferSize = size
	}
}

// WithWatermarks sets the high and low water marks controlling the soft
// backpressure pause.
func WithWatermarks(high, low int) OutStreamOption {
	return func(s *OutStream) {
		s.highWater = high
		s.lowWater = low
	}
}

// WithRateLimit caps throughput at maxRate cells per second, with a burst
// bucket of burstSize immediate sends.
func WithRateLimit(maxRate, burstSize int) OutStreamOption {
	return func(s *OutStream) {
		s.maxRate = maxRate
		s.burstSize = burstSize
	}
}

// WithOutBatching accumulates cells into batches flushed at size cells or
// after timeout since the first cell, whichever comes first.
func WithOutBatching(size int, timeout time.Duration) OutStreamOption {
	return func(s *OutStream) {
		s.batchSize = size
		s.batchTimeout = timeout
	}
}

// WithPauseDelay sets the delay inserted between sends while the stream is
// paused above the high water mark.
func WithPauseDelay(delay time.Duration) OutStreamOption {
	return func(s *OutStream) {
		s.pauseDelay = delay
	}
}

// WithOutDrainTimeout bounds how long Stop waits for the buffer to drain.
func WithOutDrainTimeout(timeout time.Duration) OutStreamOption {
	return func(s *OutStream) {
		s.shutdownTimeout = timeout
	}
}

// WithOutRecorder attaches an external statistics sink.
func WithOutRecorder(recorder StatsRecorder) OutStreamOption {
	return func(s *OutStream) {
		s.recorder = recorder
	}
}

// NewOutStream creates an inactive OutStream. Call Start before Send.
func NewOutStream(options ...OutStreamOption) *OutStream {
	s := &OutStream{
		name:          "outstream",
		maxBufferSize: 1000,
		pauseDelay:    10 * time.Millisecond,
		logger:        slog.Default(),
		enqueuedAt:    make(map[string]time.Time),
		dataHandlers:  make(map[string]DataHandler),
		batchHands:    make(map[string]BatchHandler),
		errorHands:    make(map[string]ErrorHandler),
		bpHands:       make(map[string]BackpressureHandler),
		throughput:    newRollingWindow(time.Second),
		latencies:     newLatencyRing(100),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.highWater <= 0 || s.highWater > s.maxBufferSize {
		s.highWater = s.maxBufferSize * 8 / 10
		if s.highWater < 1 {
			s.highWater = 1
		}
	}
	if s.lowWater <= 0 || s.lowWater >= s.highWater {
		s.lowWater = s.maxBufferSize * 2 / 10
		if s.lowWater < 1 {
			s.lowWater = 1
		}
	}
	if s.maxRate > 0 {
		s.limiter = newRateLimiter(s.maxRate, s.burstSize)
	}
	if s.batchSize > 0 {
		s.batcher = newBatcher(s.batchSize, s.batchTimeout, s.deliverBatch)
	}
	return s
}

// Start activates the stream and its draining pump.
func (s *OutStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return ErrAlreadyActive
	}
	s.active = true
	s.draining = false
	s.wake = make(chan struct{}, 1)
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	go s.pump()
	s.logger.Info("outstream started", "stream", s.name)
	return nil
}

// Stop drains the buffer, flushes any partial batch, and deactivates the
// stream. The wait is bounded by the context and, when configured, the
// drain timeout.
func (s *OutStream) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return ErrNotActive
	}
	alreadyDraining := s.draining
	s.draining = true
	done := s.done
	s.mu.Unlock()

	if !alreadyDraining {
		close(s.stopCh)
	}

	if s.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
	}

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stream: %s drain incomplete: %w", s.name, ctx.Err())
	}

	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	s.logger.Info("outstream stopped", "stream", s.name)
	return nil
}

// Pause enters the degraded-throughput mode. Sends still succeed; the
// pump inserts a delay between deliveries.
func (s *OutStream) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume leaves the degraded-throughput mode.
func (s *OutStream) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

// Send enqueues a cell into the pipeline. It fails with ErrNotActive on a
// stopped stream and ErrBufferFull when the buffer is at capacity; a
// rejected cell is not enqueued and a backpressure event fires.
func (s *OutStream) Send(cell *contracts.Cell) error {
	if cell == nil {
		return fmt.Errorf("stream: cell cannot be nil")
	}

	s.mu.Lock()
	if !s.active || s.draining {
		s.mu.Unlock()
		return ErrNotActive
	}
	if len(s.buffer) >= s.maxBufferSize {
		s.dropped++
		size := len(s.buffer)
		s.mu.Unlock()
		if s.recorder != nil {
			s.recorder.RecordDropped(s.name)
		}
		s.fireBackpressure(BackpressureEvent{
			BufferSize:    size,
			HighWaterMark: s.highWater,
			LowWaterMark:  s.lowWater,
			Rejected:      true,
		})
		return ErrBufferFull
	}

	now := time.Now()
	s.buffer = append(s.buffer, outEntry{cell: cell, enqueuedAt: now})
	s.enqueuedAt[cell.ID()] = now
	s.sent++
	size := len(s.buffer)
	crossedHigh := !s.paused && size >= s.highWater
	if crossedHigh {
		s.paused = true
	}
	s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.RecordSent(s.name)
		s.recorder.RecordBufferSize(s.name, size)
	}
	if crossedHigh {
		s.fireBackpressure(BackpressureEvent{
			BufferSize:    size,
			HighWaterMark: s.highWater,
			LowWaterMark:  s.lowWater,
		})
	}
	s.signal()
	return nil
}

// AddTransform appends a transform; transforms apply in registration
// order.
func (s *OutStream) AddTransform(t Transform) {
	s.mu.Lock()
	s.transforms = append(s.transforms, t)
	s.mu.Unlock()
}

// AddFilter appends a filter; filters apply in registration order, after
// all transforms.
func (s *OutStream) AddFilter(f Filter) {
	s.mu.Lock()
	s.filters = append(s.filters, f)
	s.mu.Unlock()
}

// OnData registers a handler for individually delivered cells and returns
// a function that removes it.
func (s *OutStream) OnData(h DataHandler) func() {
	id := uuid.New().String()
	s.mu.Lock()
	s.dataHandlers[id] = h
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.dataHandlers, id)
		s.mu.Unlock()
	}
}

// OnBatch registers a batch handler and returns a function that removes
// it.
func (s *OutStream) OnBatch(h BatchHandler) func() {
	id := uuid.New().String()
	s.mu.Lock()
	s.batchHands[id] = h
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.batchHands, id)
		s.mu.Unlock()
	}
}

// OnError registers an error handler and returns a function that removes
// it.
func (s *OutStream) OnError(h ErrorHandler) func() {
	id := uuid.New().String()
	s.mu.Lock()
	s.errorHands[id] = h
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.errorHands, id)
		s.mu.Unlock()
	}
}

// OnBackpressure registers a backpressure handler and returns a function
// that removes it.
func (s *OutStream) OnBackpressure(h BackpressureHandler) func() {
	id := uuid.New().String()
	s.mu.Lock()
	s.bpHands[id] = h
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.bpHands, id)
		s.mu.Unlock()
	}
}

// Flush forces an out-of-band flush of the pending batch.
func (s *OutStream) Flush() {
	if s.batcher != nil {
		s.batcher.flush()
	}
}

// GetStats returns a snapshot of producer statistics.
func (s *OutStream) GetStats() OutStreamStats {
	s.mu.Lock()
	stats := OutStreamStats{
		Sent:      s.sent,
		Delivered: s.delivered,
		Errors:    s.errorCount,
		Dropped:   s.dropped,
	}
	s.mu.Unlock()
	stats.Throughput = s.throughput.rate(time.Now())
	stats.AvgLatency = s.latencies.average()
	return stats
}

// BufferSize returns the current number of buffered cells.
func (s *OutStream) BufferSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// IsPaused reports whether the stream is in degraded-throughput mode.
func (s *OutStream) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Active reports whether the stream accepts sends.
func (s *OutStream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active && !s.draining
}

// signal wakes the pump. The channel is snapshotted under the mutex so a
// send racing a restart never touches a channel mid-reassignment.
func (s *OutStream) signal() {
	s.mu.Lock()
	wake := s.wake
	s.mu.Unlock()
	select {
	case wake <- struct{}{}:
	default:
	}
}

// pump drains the buffer: one cell per pass through the degraded-pause
// delay, the rate limiter, and the transform/filter pipeline.
func (s *OutStream) pump() {
	defer close(s.done)

	for {
		s.mu.Lock()
		if len(s.buffer) == 0 {
			draining := s.draining
			s.mu.Unlock()
			if draining {
				if s.batcher != nil {
					s.batcher.flush()
				}
				return
			}
			select {
			case <-s.wake:
			case <-s.stopCh:
			}
			continue
		}

		entry := s.buffer[0]
		s.buffer = s.buffer[1:]
		if s.paused && len(s.buffer) < s.lowWater {
			s.paused = false
		}
		paused := s.paused
		s.mu.Unlock()

		if paused {
			time.Sleep(s.pauseDelay)
		}
		if s.limiter != nil {
			s.limiter.wait(nil)
		}
		s.process(entry)
	}
}

func (s *OutStream) process(entry outEntry) {
	cell := entry.cell

	s.mu.Lock()
	transforms := make([]Transform, len(s.transforms))
	copy(transforms, s.transforms)
	filters := make([]Filter, len(s.filters))
	copy(filters, s.filters)
	s.mu.Unlock()

	current := cell
	for _, transform := range transforms {
		next, err := applyTransform(transform, current)
		if err != nil {
			s.abandon(current, &PipelineError{Stage: "transform", Cell: current, Err: err})
			return
		}
		if next == nil {
			s.abandon(current, &PipelineError{Stage: "transform", Cell: current, Err: fmt.Errorf("transform returned nil cell")})
			return
		}
		current = next
	}

	if current.ID() != cell.ID() {
		s.mu.Lock()
		if at, ok := s.enqueuedAt[cell.ID()]; ok {
			delete(s.enqueuedAt, cell.ID())
			s.enqueuedAt[current.ID()] = at
		}
		s.mu.Unlock()
	}

	for _, filter := range filters {
		keep, err := applyFilter(filter, current)
		if err != nil {
			s.abandon(current, &PipelineError{Stage: "filter", Cell: current, Err: err})
			return
		}
		if !keep {
			s.mu.Lock()
			s.dropped++
			delete(s.enqueuedAt, current.ID())
			s.mu.Unlock()
			if s.recorder != nil {
				s.recorder.RecordDropped(s.name)
			}
			return
		}
	}

	if s.batcher != nil {
		s.batcher.add(current)
		return
	}
	s.deliverBatch([]*contracts.Cell{current})
}

// deliverBatch hands a flushed batch to the batch handlers and then, batch
// handlers or not, delivers the same cells individually to the data
// handlers.
func (s *OutStream) deliverBatch(cells []*contracts.Cell) {
	if len(cells) == 0 {
		return
	}

	s.mu.Lock()
	batchHandlers := make([]BatchHandler, 0, len(s.batchHands))
	for _, h := range s.batchHands {
		batchHandlers = append(batchHandlers, h)
	}
	dataHandlers := make([]DataHandler, 0, len(s.dataHandlers))
	for _, h := range s.dataHandlers {
		dataHandlers = append(dataHandlers, h)
	}
	s.mu.Unlock()

	for _, handler := range batchHandlers {
		if err := applyBatchHandler(handler, cells); err != nil {
			s.reportError(&PipelineError{Stage: "batch handler", Err: err})
		}
	}

	now := time.Now()
	for _, cell := range cells {
		failed := false
		for _, handler := range dataHandlers {
			if err := applyDataHandler(handler, cell); err != nil {
				s.reportError(&PipelineError{Stage: "data handler", Cell: cell, Err: err})
				failed = true
			}
		}

		s.mu.Lock()
		enqueuedAt, tracked := s.enqueuedAt[cell.ID()]
		delete(s.enqueuedAt, cell.ID())
		if !failed {
			s.delivered++
		}
		s.mu.Unlock()

		if failed {
			continue
		}
		s.throughput.record(now)
		if tracked {
			s.latencies.record(now.Sub(enqueuedAt))
		}
		if s.recorder != nil {
			s.recorder.RecordDelivered(s.name)
		}
	}
}

// abandon reports a pipeline error and forgets the cell; the pump
// continues with the next message.
func (s *OutStream) abandon(cell *contracts.Cell, err *PipelineError) {
	s.mu.Lock()
	delete(s.enqueuedAt, cell.ID())
	s.mu.Unlock()
	s.reportError(err)
}

func (s *OutStream) reportError(err error) {
	s.mu.Lock()
	s.errorCount++
	handlers := make([]ErrorHandler, 0, len(s.errorHands))
	for _, h := range s.errorHands {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.RecordError(s.name)
	}
	s.logger.Warn("pipeline error", "stream", s.name, "error", err)
	for _, h := range handlers {
		h(err)
	}
}

func (s *OutStream) fireBackpressure(event BackpressureEvent) {
	s.mu.Lock()
	handlers := make([]BackpressureHandler, 0, len(s.bpHands))
	for _, h := range s.bpHands {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(event)
	}
}

func applyTransform(t Transform, cell *contracts.Cell) (result *contracts.Cell, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t(cell)
}

func applyFilter(f Filter, cell *contracts.Cell) (keep bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return f(cell)
}

func applyDataHandler(h DataHandler, cell *contracts.Cell) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(cell)
}

func applyBatchHandler(h BatchHandler, cells []*contracts.Cell) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(cells)
}
