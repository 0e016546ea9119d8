package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hemolab/hemo-go/contracts"
)

// MessageHandler receives individually delivered cells in push mode.
type MessageHandler func(cell *contracts.Cell) error

// AcknowledgeHandler is invoked when a cell is acknowledged through the
// stream.
type AcknowledgeHandler func(cell *contracts.Cell)

// BufferFullHandler is invoked when a receive is refused at capacity.
type BufferFullHandler func(bufferSize int)

// DeadLetterHandler is invoked when a cell exhausts its redelivery budget
// waiting for acknowledgment.
type DeadLetterHandler func(cell *contracts.Cell)

// pendingAck tracks a received cell awaiting acknowledgment.
type pendingAck struct {
	cell         *contracts.Cell
	receivedAt   time.Time
	redeliveries int
	// queued is true while the cell sits in the buffer; the ack-timeout
	// scan only considers cells that have actually been handed out.
	queued bool
}

// InStream is the consumer-side pipeline: received cells are tracked as
// pending acknowledgments and delivered either by an internal push loop
// or through Pull/PullBatch in pull mode.
type InStream struct {
	name            string
	maxBufferSize   int
	autoAck         bool
	ackTimeout      time.Duration
	batchSize       int
	batchTimeout    time.Duration
	pullMode        bool
	priorityMode    bool
	maxRedeliveries int
	shutdownTimeout time.Duration
	logger          *slog.Logger
	recorder        StatsRecorder

	mu           sync.Mutex
	active       bool
	draining     bool
	buffer       []*contracts.Cell
	pending      map[string]*pendingAck
	msgHandlers  map[string]MessageHandler
	batchHands   map[string]BatchHandler
	errorHands   map[string]ErrorHandler
	ackHands     map[string]AcknowledgeHandler
	fullHands    map[string]BufferFullHandler
	deadHands    map[string]DeadLetterHandler
	received     uint64
	processed    uint64
	acknowledged uint64
	errorCount   uint64
	dropped      uint64
	redelivered  uint64
	deadLettered uint64

	batcher    *batcher
	throughput *rollingWindow

	wake    chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
	ackDone chan struct{}
}

// InStreamOption configures an InStream.
type InStreamOption func(*InStream)

// WithInLogger sets the logger.
func WithInLogger(logger *slog.Logger) InStreamOption {
	return func(s *InStream) {
		s.logger = logger
	}
}

// WithInName names the stream for logging and metrics labels.
func WithInName(name string) InStreamOption {
	return func(s *InStream) {
		s.name = name
	}
}

// WithInBufferSize sets the hard buffer capacity. Receives beyond it fail
// with ErrBufferFull and the cell is dropped.
func WithInBufferSize(size int) InStreamOption {
	return func(s *InStream) {
		s.maxBufferSize = size
	}
}

// WithAutoAck acknowledges cells automatically after delivery.
func WithAutoAck() InStreamOption {
	return func(s *InStream) {
		s.autoAck = true
	}
}

// WithAckTimeout enables timed redelivery: cells not acknowledged within
// the timeout are reinserted at the front of the buffer. The pending set
// is scanned every timeout/2.
func WithAckTimeout(timeout time.Duration) InStreamOption {
	return func(s *InStream) {
		s.ackTimeout = timeout
	}
}

// WithInBatching accumulates cells into batches flushed at size cells or
// after timeout since the first cell, whichever comes first.
func WithInBatching(size int, timeout time.Duration) InStreamOption {
	return func(s *InStream) {
		s.batchSize = size
		s.batchTimeout = timeout
	}
}

// WithPullMode disables the push loop; Pull and PullBatch become the only
// dequeue paths. The mode is fixed at construction.
func WithPullMode() InStreamOption {
	return func(s *InStream) {
		s.pullMode = true
	}
}

// WithPriorityMode keeps the buffer ordered by descending priority, ties
// broken by ascending creation time.
func WithPriorityMode() InStreamOption {
	return func(s *InStream) {
		s.priorityMode = true
	}
}

// WithMaxRedeliveries bounds ack-timeout redelivery. A cell redelivered
// more than n times is rejected and handed to the dead-letter handlers.
// Zero means unlimited redelivery.
func WithMaxRedeliveries(n int) InStreamOption {
	return func(s *InStream) {
		s.maxRedeliveries = n
	}
}

// WithInDrainTimeout bounds how long Stop waits for the push loop to
// drain the buffer.
func WithInDrainTimeout(timeout time.Duration) InStreamOption {
	return func(s *InStream) {
		s.shutdownTimeout = timeout
	}
}

// WithInRecorder attaches an external statistics sink.
func WithInRecorder(recorder StatsRecorder) InStreamOption {
	return func(s *InStream) {
		s.recorder = recorder
	}
}

// NewInStream creates an inactive InStream. Call Start before Receive.
func NewInStream(options ...InStreamOption) *InStream {
	s := &InStream{
		name:          "instream",
		maxBufferSize: 1000,
		logger:        slog.Default(),
		pending:       make(map[string]*pendingAck),
		msgHandlers:   make(map[string]MessageHandler),
		batchHands:    make(map[string]BatchHandler),
		errorHands:    make(map[string]ErrorHandler),
		ackHands:      make(map[string]AcknowledgeHandler),
		fullHands:     make(map[string]BufferFullHandler),
		deadHands:     make(map[string]DeadLetterHandler),
		throughput:    newRollingWindow(time.Second),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.batchSize > 0 && !s.pullMode {
		s.batcher = newBatcher(s.batchSize, s.batchTimeout, s.deliverBatch)
	}
	return s
}

// Start activates the stream: the push loop in push mode, and the
// ack-timeout checker when an ack timeout is configured.
func (s *InStream) Start() error {
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
	s.ackDone = make(chan struct{})

	if s.pullMode {
		close(s.done)
	} else {
		go s.pump()
	}
	if s.ackTimeout > 0 {
		go s.ackChecker()
	} else {
		close(s.ackDone)
	}
	s.logger.Info("instream started", "stream", s.name, "pullMode", s.pullMode)
	return nil
}

// Stop deactivates the stream. In push mode it first waits for the buffer
// to drain, bounded by the context and the drain timeout.
func (s *InStream) Stop(ctx context.Context) error {
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
	<-s.ackDone

	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	s.logger.Info("instream stopped", "stream", s.name)
	return nil
}

// Receive admits a cell into the stream. It fails with ErrNotActive on a
// stopped stream and ErrBufferFull at capacity; a refused cell is dropped
// and a buffer-full event fires.
func (s *InStream) Receive(cell *contracts.Cell) error {
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
		s.fireBufferFull(size)
		return ErrBufferFull
	}

	s.buffer = append(s.buffer, cell)
	if s.priorityMode {
		sortBuffer(s.buffer)
	}
	s.pending[cell.ID()] = &pendingAck{
		cell:       cell,
		receivedAt: time.Now(),
		queued:     true,
	}
	s.received++
	size := len(s.buffer)
	s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.RecordReceived(s.name)
		s.recorder.RecordBufferSize(s.name, size)
	}
	s.signal()
	return nil
}

// Pull removes and returns the head cell, or nil when the buffer is
// empty. Only valid in pull mode.
func (s *InStream) Pull() (*contracts.Cell, error) {
	cells, err := s.PullBatch(1)
	if err != nil || len(cells) == 0 {
		return nil, err
	}
	return cells[0], nil
}

// PullBatch removes and returns up to n cells from the head of the
// buffer.
func (s *InStream) PullBatch(n int) ([]*contracts.Cell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil, ErrNotActive
	}
	if !s.pullMode {
		return nil, ErrPullModeOnly
	}
	if n > len(s.buffer) {
		n = len(s.buffer)
	}
	if n <= 0 {
		return nil, nil
	}

	cells := make([]*contracts.Cell, n)
	copy(cells, s.buffer[:n])
	s.buffer = s.buffer[n:]
	now := time.Now()
	for _, cell := range cells {
		s.markDequeuedLocked(cell, now)
		s.processed++
	}
	return cells, nil
}

// Acknowledge marks a cell acknowledged, removes its pending entry, and
// fires the acknowledgment handlers.
func (s *InStream) Acknowledge(cell *contracts.Cell) {
	if cell == nil {
		return
	}
	cell.Acknowledge()

	s.mu.Lock()
	_, tracked := s.pending[cell.ID()]
	if tracked {
		delete(s.pending, cell.ID())
		s.acknowledged++
	}
	handlers := s.ackHandlersLocked()
	s.mu.Unlock()

	if !tracked {
		return
	}
	if s.recorder != nil {
		s.recorder.RecordAcknowledged(s.name)
	}
	for _, h := range handlers {
		h(cell)
	}
}

// AcknowledgeBatch acknowledges every cell in the batch.
func (s *InStream) AcknowledgeBatch(cells []*contracts.Cell) {
	for _, cell := range cells {
		s.Acknowledge(cell)
	}
}

// OnMessage registers a handler for individually delivered cells and
// returns a function that removes it. Message handlers only fire when no
// batch handlers are registered.
func (s *InStream) OnMessage(h MessageHandler) func() {
	id := uuid.New().String()
	s.mu.Lock()
	s.msgHandlers[id] = h
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.msgHandlers, id)
		s.mu.Unlock()
	}
}

// OnBatch registers a batch handler and returns a function that removes
// it.
func (s *InStream) OnBatch(h BatchHandler) func() {
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
func (s *InStream) OnError(h ErrorHandler) func() {
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

// OnAcknowledge registers an acknowledgment handler and returns a
// function that removes it.
func (s *InStream) OnAcknowledge(h AcknowledgeHandler) func() {
	id := uuid.New().String()
	s.mu.Lock()
	s.ackHands[id] = h
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.ackHands, id)
		s.mu.Unlock()
	}
}

// OnBufferFull registers a buffer-full handler and returns a function
// that removes it.
func (s *InStream) OnBufferFull(h BufferFullHandler) func() {
	id := uuid.New().String()
	s.mu.Lock()
	s.fullHands[id] = h
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.fullHands, id)
		s.mu.Unlock()
	}
}

// OnDeadLetter registers a handler for cells that exhaust their
// redelivery budget and returns a function that removes it.
func (s *InStream) OnDeadLetter(h DeadLetterHandler) func() {
	id := uuid.New().String()
	s.mu.Lock()
	s.deadHands[id] = h
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.deadHands, id)
		s.mu.Unlock()
	}
}

// Flush forces an out-of-band flush of the pending batch.
func (s *InStream) Flush() {
	if s.batcher != nil {
		s.batcher.flush()
	}
}

// GetStats returns a snapshot of consumer statistics.
func (s *InStream) GetStats() InStreamStats {
	s.mu.Lock()
	stats := InStreamStats{
		Received:     s.received,
		Processed:    s.processed,
		Acknowledged: s.acknowledged,
		Errors:       s.errorCount,
		Dropped:      s.dropped,
		Redelivered:  s.redelivered,
		DeadLettered: s.deadLettered,
	}
	s.mu.Unlock()
	stats.Throughput = s.throughput.rate(time.Now())
	return stats
}

// BufferSize returns the current number of buffered cells.
func (s *InStream) BufferSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// PendingCount returns the number of cells awaiting acknowledgment.
func (s *InStream) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Active reports whether the stream accepts cells.
func (s *InStream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active && !s.draining
}

// signal wakes the pump. The channel is snapshotted under the mutex so a
// receive racing a restart never touches a channel mid-reassignment.
func (s *InStream) signal() {
	s.mu.Lock()
	wake := s.wake
	s.mu.Unlock()
	select {
	case wake <- struct{}{}:
	default:
	}
}

// pump is the push-mode delivery loop.
func (s *InStream) pump() {
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

		cell := s.buffer[0]
		s.buffer = s.buffer[1:]
		s.markDequeuedLocked(cell, time.Now())
		s.mu.Unlock()

		if s.batcher != nil {
			s.batcher.add(cell)
			continue
		}
		s.deliverBatch([]*contracts.Cell{cell})
	}
}

// deliverBatch hands cells to the batch handlers when any are registered,
// otherwise individually to the message handlers. The two are mutually
// exclusive on the consumer side.
func (s *InStream) deliverBatch(cells []*contracts.Cell) {
	if len(cells) == 0 {
		return
	}

	s.mu.Lock()
	batchHandlers := make([]BatchHandler, 0, len(s.batchHands))
	for _, h := range s.batchHands {
		batchHandlers = append(batchHandlers, h)
	}
	msgHandlers := make([]MessageHandler, 0, len(s.msgHandlers))
	for _, h := range s.msgHandlers {
		msgHandlers = append(msgHandlers, h)
	}
	s.mu.Unlock()

	if len(batchHandlers) > 0 {
		for _, handler := range batchHandlers {
			if err := applyBatchHandler(handler, cells); err != nil {
				s.reportError(&PipelineError{Stage: "batch handler", Err: err})
			}
		}
	} else {
		for _, cell := range cells {
			for _, handler := range msgHandlers {
				if err := applyMessageHandler(handler, cell); err != nil {
					s.reportError(&PipelineError{Stage: "message handler", Cell: cell, Err: err})
				}
			}
		}
	}

	now := time.Now()
	s.mu.Lock()
	s.processed += uint64(len(cells))
	s.mu.Unlock()
	for range cells {
		s.throughput.record(now)
	}

	if s.autoAck {
		s.AcknowledgeBatch(cells)
	}
}

// ackChecker scans the pending set every ackTimeout/2: acknowledged cells
// are reconciled and removed, and cells whose acknowledgment is overdue
// are redelivered or, past the redelivery budget, dead-lettered.
func (s *InStream) ackChecker() {
	defer close(s.ackDone)

	ticker := time.NewTicker(s.ackTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.checkPending()
		case <-s.stopCh:
			return
		}
	}
}

func (s *InStream) checkPending() {
	now := time.Now()

	var reconciled []*contracts.Cell
	var deadLettered []*contracts.Cell
	redelivered := false

	s.mu.Lock()
	for id, p := range s.pending {
		if p.cell.IsAcknowledged() {
			delete(s.pending, id)
			s.acknowledged++
			reconciled = append(reconciled, p.cell)
			continue
		}
		if p.queued || now.Sub(p.receivedAt) <= s.ackTimeout {
			continue
		}

		p.redeliveries++
		if s.maxRedeliveries > 0 && p.redeliveries > s.maxRedeliveries {
			delete(s.pending, id)
			s.deadLettered++
			deadLettered = append(deadLettered, p.cell)
			continue
		}

		// Reinsert at the front of the buffer for redelivery.
		p.queued = true
		p.receivedAt = now
		s.buffer = append([]*contracts.Cell{p.cell}, s.buffer...)
		s.redelivered++
		redelivered = true
	}
	ackHandlers := s.ackHandlersLocked()
	deadHandlers := make([]DeadLetterHandler, 0, len(s.deadHands))
	for _, h := range s.deadHands {
		deadHandlers = append(deadHandlers, h)
	}
	s.mu.Unlock()

	for _, cell := range reconciled {
		if s.recorder != nil {
			s.recorder.RecordAcknowledged(s.name)
		}
		for _, h := range ackHandlers {
			h(cell)
		}
	}
	for _, cell := range deadLettered {
		cell.Reject("Ack timeout exceeded")
		s.logger.Warn("cell dead-lettered after redelivery budget",
			"stream", s.name, "cellId", cell.ID())
		for _, h := range deadHandlers {
			h(cell)
		}
	}
	if redelivered {
		s.signal()
	}
}

func (s *InStream) markDequeuedLocked(cell *contracts.Cell, now time.Time) {
	if p, ok := s.pending[cell.ID()]; ok {
		p.queued = false
		p.receivedAt = now
	}
}

func (s *InStream) ackHandlersLocked() []AcknowledgeHandler {
	handlers := make([]AcknowledgeHandler, 0, len(s.ackHands))
	for _, h := range s.ackHands {
		handlers = append(handlers, h)
	}
	return handlers
}

func (s *InStream) reportError(err error) {
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

func (s *InStream) fireBufferFull(size int) {
	s.mu.Lock()
	handlers := make([]BufferFullHandler, 0, len(s.fullHands))
	for _, h := range s.fullHands {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(size)
	}
}

func applyMessageHandler(h MessageHandler, cell *contracts.Cell) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(cell)
}

// sortBuffer orders cells by descending priority, ties broken by
// ascending creation time.
func sortBuffer(buffer []*contracts.Cell) {
	sort.SliceStable(buffer, func(i, j int) bool {
		pi, pj := buffer[i].Priority(), buffer[j].Priority()
		if pi != pj {
			return pi > pj
		}
		return buffer[i].Timestamp().Before(buffer[j].Timestamp())
	})
}
