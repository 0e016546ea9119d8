package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hemolab/hemo-go/contracts"
)

const defaultRetryDelay = 100 * time.Millisecond

// Handler processes a delivered cell. Returning an error marks the whole
// delivery failed and drives the retry state machine.
type Handler interface {
	Handle(ctx context.Context, cell *contracts.Cell) error
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, cell *contracts.Cell) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, cell *contracts.Cell) error {
	return f(ctx, cell)
}

// DeadLetterHandler is invoked once per cell that exhausts its retry
// budget. The error is the combined failure of the final attempt.
type DeadLetterHandler func(topic string, cell *contracts.Cell, err error)

// AckHandler is invoked when a delivered cell's status becomes
// acknowledged.
type AckHandler func(cell *contracts.Cell)

// StatsRecorder receives delivery statistics as they happen. The metrics
// package provides a Prometheus-backed implementation.
type StatsRecorder interface {
	RecordPublished(topic string)
	RecordDelivered(topic string)
	RecordRetried(topic string)
	RecordDeadLettered(topic string)
	RecordExpired(topic string)
}

// Stats is a snapshot of broker delivery statistics.
type Stats struct {
	Published    uint64
	Delivered    uint64
	Failed       uint64
	Retried      uint64
	DeadLettered uint64
	Expired      uint64
}

type subscription struct {
	id      string
	matcher *TopicMatcher
	handler Handler
}

// Broker routes cells to topic subscriptions through a priority queue with
// retry and dead-letter semantics. A single pump goroutine owns the queue;
// all public methods are safe for concurrent use.
type Broker struct {
	mu             sync.Mutex
	subscriptions  []*subscription
	queue          []*queuedEnvelope
	persisted      map[string][]*contracts.Cell
	deadLetter     map[string]DeadLetterHandler
	ackHandlers    map[string]AckHandler
	stats          Stats
	seq            uint64
	stopping       bool

	persistence     bool
	shutdownTimeout time.Duration
	recorder        StatsRecorder
	logger          *slog.Logger

	wake   chan struct{}
	stopCh chan struct{}
	done   chan struct{}
}

// BrokerOption configures the broker.
type BrokerOption func(*Broker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithPersistence enables the in-memory replay log. Every published cell
// is appended to its topic's log, even when it is later dropped for TTL.
func WithPersistence() BrokerOption {
	return func(b *Broker) {
		b.persistence = true
	}
}

// WithShutdownTimeout bounds how long Stop waits for the queue to drain
// before giving up.
func WithShutdownTimeout(timeout time.Duration) BrokerOption {
	return func(b *Broker) {
		b.shutdownTimeout = timeout
	}
}

// WithStatsRecorder attaches an external statistics sink.
func WithStatsRecorder(recorder StatsRecorder) BrokerOption {
	return func(b *Broker) {
		b.recorder = recorder
	}
}

// NewBroker creates a broker and starts its delivery pump.
func NewBroker(options ...BrokerOption) *Broker {
	b := &Broker{
		persisted:   make(map[string][]*contracts.Cell),
		deadLetter:  make(map[string]DeadLetterHandler),
		ackHandlers: make(map[string]AckHandler),
		logger:      slog.Default(),
		wake:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(b)
	}

	go b.pump()
	return b
}

// Subscribe registers a handler for every topic matching the pattern and
// returns an unsubscribe function. The pattern is compiled once, here.
func (b *Broker) Subscribe(pattern string, handler Handler) (func(), error) {
	if handler == nil {
		return nil, fmt.Errorf("broker: handler cannot be nil")
	}
	matcher, err := CompileTopic(pattern)
	if err != nil {
		return nil, err
	}

	sub := &subscription{
		id:      uuid.New().String(),
		matcher: matcher,
		handler: handler,
	}

	b.mu.Lock()
	b.subscriptions = append(b.subscriptions, sub)
	b.mu.Unlock()

	b.logger.Debug("subscribed", "pattern", pattern, "subscriptionId", sub.id)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subscriptions {
			if s.id == sub.id {
				b.subscriptions = append(b.subscriptions[:i], b.subscriptions[i+1:]...)
				return
			}
		}
	}, nil
}

// SubscribeFunc registers a handler function.
func (b *Broker) SubscribeFunc(pattern string, handler HandlerFunc) (func(), error) {
	return b.Subscribe(pattern, handler)
}

// Publish enqueues a cell for delivery to all matching subscriptions.
// Expired cells are dropped without queueing, but still reach the replay
// log when persistence is enabled.
func (b *Broker) Publish(topic string, cell *contracts.Cell, options ...PublishOption) error {
	if cell == nil {
		return ErrNilCell
	}

	opts := PublishOptions{
		RetryDelay:   defaultRetryDelay,
		DeliveryMode: AtMostOnce,
	}
	for _, opt := range options {
		opt(&opts)
	}

	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return ErrStopped
	}
	if b.persistence {
		b.persisted[topic] = append(b.persisted[topic], cell)
	}
	if cell.IsExpired() {
		b.stats.Expired++
		b.mu.Unlock()
		if b.recorder != nil {
			b.recorder.RecordExpired(topic)
		}
		b.logger.Debug("dropped expired cell", "topic", topic, "cellId", cell.ID())
		return nil
	}

	b.seq++
	b.queue = append(b.queue, &queuedEnvelope{
		cell:  cell,
		topic: topic,
		opts:  opts,
		seq:   b.seq,
	})
	sortQueue(b.queue)
	b.stats.Published++
	b.mu.Unlock()

	if b.recorder != nil {
		b.recorder.RecordPublished(topic)
	}
	b.signal()
	return nil
}

// OnDeadLetter registers a dead-letter handler and returns a function that
// removes it.
func (b *Broker) OnDeadLetter(handler DeadLetterHandler) func() {
	id := uuid.New().String()
	b.mu.Lock()
	b.deadLetter[id] = handler
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.deadLetter, id)
		b.mu.Unlock()
	}
}

// OnAcknowledge registers an acknowledgment handler and returns a function
// that removes it.
func (b *Broker) OnAcknowledge(handler AckHandler) func() {
	id := uuid.New().String()
	b.mu.Lock()
	b.ackHandlers[id] = handler
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.ackHandlers, id)
		b.mu.Unlock()
	}
}

// PersistedMessages returns the replay log for a topic.
func (b *Broker) PersistedMessages(topic string) []*contracts.Cell {
	b.mu.Lock()
	defer b.mu.Unlock()
	log := b.persisted[topic]
	out := make([]*contracts.Cell, len(log))
	copy(out, log)
	return out
}

// Replay delivers every persisted cell for a topic directly to the current
// subscribers, bypassing the retry queue and the TTL check.
func (b *Broker) Replay(ctx context.Context, topic string) error {
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return ErrStopped
	}
	cells := make([]*contracts.Cell, len(b.persisted[topic]))
	copy(cells, b.persisted[topic])
	b.mu.Unlock()

	var errs []error
	for _, cell := range cells {
		subs := b.matching(topic)
		for _, err := range b.invokeAll(ctx, subs, cell) {
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// GetStats returns a snapshot of delivery statistics.
func (b *Broker) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Active reports whether the broker still accepts publishes.
func (b *Broker) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.stopping
}

// QueueDepth returns the number of envelopes waiting in the queue.
func (b *Broker) QueueDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Stop stops accepting publishes and waits for the queue to drain. The
// wait is bounded by the context and, when configured, the shutdown
// timeout.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	alreadyStopping := b.stopping
	b.stopping = true
	b.mu.Unlock()

	if !alreadyStopping {
		close(b.stopCh)
	}

	if b.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.shutdownTimeout)
		defer cancel()
	}

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("broker: shutdown incomplete: %w", ctx.Err())
	}
}

func (b *Broker) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// pump is the delivery loop. It owns the head of the queue exclusively;
// everything else touches the queue only under the mutex.
func (b *Broker) pump() {
	defer close(b.done)

	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			stopping := b.stopping
			b.mu.Unlock()
			if stopping {
				return
			}
			select {
			case <-b.wake:
			case <-b.stopCh:
			}
			continue
		}
		env := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.deliver(env)
	}
}

func (b *Broker) deliver(env *queuedEnvelope) {
	cell := env.cell

	if cell.IsExpired() {
		b.mu.Lock()
		b.stats.Expired++
		b.mu.Unlock()
		if b.recorder != nil {
			b.recorder.RecordExpired(env.topic)
		}
		b.logger.Debug("skipped expired cell", "topic", env.topic, "cellId", cell.ID())
		return
	}

	subs := b.matching(env.topic)
	results := b.invokeAll(context.Background(), subs, cell)

	var errs []error
	for _, err := range results {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		b.mu.Lock()
		b.stats.Delivered++
		b.mu.Unlock()
		if b.recorder != nil {
			b.recorder.RecordDelivered(env.topic)
		}
		if cell.IsAcknowledged() {
			b.fireAcknowledged(cell)
		}
		return
	}

	deliveryErr := errors.Join(errs...)
	env.attempts++
	cell.IncrementRetry()

	b.mu.Lock()
	b.stats.Failed++
	b.mu.Unlock()

	if env.attempts <= env.opts.MaxRetries {
		b.mu.Lock()
		b.stats.Retried++
		b.mu.Unlock()
		if b.recorder != nil {
			b.recorder.RecordRetried(env.topic)
		}
		b.logger.Warn("delivery failed, retrying",
			"topic", env.topic,
			"cellId", cell.ID(),
			"attempt", env.attempts,
			"maxRetries", env.opts.MaxRetries,
			"error", deliveryErr,
		)
		time.Sleep(env.retryDelay())
		b.requeue(env)
		return
	}

	cell.Reject("Max retries exceeded")
	b.mu.Lock()
	b.stats.DeadLettered++
	handlers := make([]DeadLetterHandler, 0, len(b.deadLetter))
	for _, h := range b.deadLetter {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	if b.recorder != nil {
		b.recorder.RecordDeadLettered(env.topic)
	}
	b.logger.Error("cell dead-lettered",
		"topic", env.topic,
		"cellId", cell.ID(),
		"attempts", env.attempts,
		"error", deliveryErr,
	)
	for _, h := range handlers {
		h(env.topic, cell, deliveryErr)
	}
}

func (b *Broker) requeue(env *queuedEnvelope) {
	b.mu.Lock()
	b.seq++
	env.seq = b.seq
	b.queue = append(b.queue, env)
	sortQueue(b.queue)
	b.mu.Unlock()
	b.signal()
}

func (b *Broker) matching(topic string) []*subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	var subs []*subscription
	for _, s := range b.subscriptions {
		if s.matcher.Matches(topic) {
			subs = append(subs, s)
		}
	}
	return subs
}

// invokeAll runs every subscriber concurrently and waits for all of them.
// Panics are contained and reported as delivery errors.
func (b *Broker) invokeAll(ctx context.Context, subs []*subscription, cell *contracts.Cell) []error {
	results := make([]error, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *subscription) {
			defer wg.Done()
			results[i] = b.invoke(ctx, sub, cell)
		}(i, sub)
	}
	wg.Wait()
	return results
}

func (b *Broker) invoke(ctx context.Context, sub *subscription, cell *contracts.Cell) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("broker: subscriber panic: %v", r)
		}
	}()
	return sub.handler.Handle(ctx, cell)
}

func (b *Broker) fireAcknowledged(cell *contracts.Cell) {
	b.mu.Lock()
	handlers := make([]AckHandler, 0, len(b.ackHandlers))
	for _, h := range b.ackHandlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(cell)
	}
}
