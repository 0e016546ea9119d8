package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hemolab/hemo-go/broker"
	"github.com/hemolab/hemo-go/contracts"
	"github.com/hemolab/hemo-go/internal/reliability"
)

// ErrBridgeClosed is returned by operations on a closed bridge.
var ErrBridgeClosed = errors.New("bridge: closed")

// AMQPChannel is the slice of *amqp.Channel the bridge uses. Declared as
// an interface so tests can substitute a fake channel.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Close() error
}

// AMQPBridge relays cells between a Broker and a RabbitMQ topic
// exchange. Topic patterns translate directly: AMQP's "*" and "#"
// binding wildcards cover the broker's.
type AMQPBridge struct {
	broker   *broker.Broker
	channel  AMQPChannel
	exchange string
	prefetch int
	policy   reliability.RetryPolicy
	logger   *slog.Logger

	mu           sync.Mutex
	closed       bool
	unsubscribes []func()
	cancels      []context.CancelFunc
}

// AMQPOption configures an AMQPBridge.
type AMQPOption func(*AMQPBridge)

// WithAMQPExchange sets the topic exchange name.
func WithAMQPExchange(name string) AMQPOption {
	return func(b *AMQPBridge) {
		b.exchange = name
	}
}

// WithAMQPPrefetch sets the consumer prefetch count.
func WithAMQPPrefetch(count int) AMQPOption {
	return func(b *AMQPBridge) {
		b.prefetch = count
	}
}

// WithAMQPRetryPolicy sets the retry policy applied to publishes.
func WithAMQPRetryPolicy(policy reliability.RetryPolicy) AMQPOption {
	return func(b *AMQPBridge) {
		b.policy = policy
	}
}

// WithAMQPLogger sets the logger.
func WithAMQPLogger(logger *slog.Logger) AMQPOption {
	return func(b *AMQPBridge) {
		b.logger = logger
	}
}

// NewAMQPBridge declares the topic exchange on channel and returns a
// bridge relaying to and from b.
func NewAMQPBridge(b *broker.Broker, channel AMQPChannel, options ...AMQPOption) (*AMQPBridge, error) {
	if b == nil {
		return nil, fmt.Errorf("bridge: broker cannot be nil")
	}
	if channel == nil {
		return nil, fmt.Errorf("bridge: channel cannot be nil")
	}

	bridge := &AMQPBridge{
		broker:   b,
		channel:  channel,
		exchange: "hemo.cells",
		prefetch: 32,
		policy:   reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3),
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(bridge)
	}

	err := channel.ExchangeDeclare(bridge.exchange, "topic", true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: declare exchange %s: %w", bridge.exchange, err)
	}
	return bridge, nil
}

// Outbound subscribes to topic on the broker and republishes every
// delivered cell to the exchange. The routing key is the cell's
// destination when set, otherwise the subscribed topic, so wildcard
// subscriptions need cells that carry a destination. The returned
// function removes the subscription.
func (b *AMQPBridge) Outbound(topic string) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBridgeClosed
	}
	b.mu.Unlock()

	unsubscribe, err := b.broker.SubscribeFunc(topic, func(ctx context.Context, cell *contracts.Cell) error {
		return b.relay(ctx, topic, cell)
	})
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.unsubscribes = append(b.unsubscribes, unsubscribe)
	b.mu.Unlock()
	return unsubscribe, nil
}

func (b *AMQPBridge) relay(ctx context.Context, topic string, cell *contracts.Cell) error {
	body, err := cell.ToJSON()
	if err != nil {
		return fmt.Errorf("bridge: encode cell %s: %w", cell.ID(), err)
	}

	key := cell.Destination()
	if key == "" {
		key = topic
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp.Persistent,
		MessageId:     cell.ID(),
		CorrelationId: cell.CorrelationID(),
		Timestamp:     cell.Timestamp(),
		Type:          cell.Type(),
		Priority:      amqpPriority(cell.Priority()),
	}
	if ttl := cell.TTL(); ttl > 0 {
		msg.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
	}

	err = reliability.Retry(ctx, b.policy, func() error {
		return b.channel.PublishWithContext(ctx, b.exchange, key, false, false, msg)
	})
	if err != nil {
		b.logger.Error("outbound relay failed", "cellId", cell.ID(), "routingKey", key, "error", err)
		return err
	}
	b.logger.Debug("cell relayed to amqp", "cellId", cell.ID(), "routingKey", key)
	return nil
}

// Inbound binds queue to pattern on the exchange and publishes every
// consumed delivery into the broker under its routing key. Decodable
// deliveries are acked after a successful broker publish; undecodable
// ones are rejected without requeue.
func (b *AMQPBridge) Inbound(ctx context.Context, queue, pattern string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBridgeClosed
	}
	b.mu.Unlock()

	if _, err := b.channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("bridge: declare queue %s: %w", queue, err)
	}
	if err := b.channel.QueueBind(queue, pattern, b.exchange, false, nil); err != nil {
		return fmt.Errorf("bridge: bind queue %s to %s: %w", queue, pattern, err)
	}
	if err := b.channel.Qos(b.prefetch, 0, false); err != nil {
		return fmt.Errorf("bridge: set qos: %w", err)
	}

	deliveries, err := b.channel.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("bridge: consume %s: %w", queue, err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()

	go b.consume(consumeCtx, deliveries)
	return nil
}

func (b *AMQPBridge) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			b.ingest(d)
		}
	}
}

func (b *AMQPBridge) ingest(d amqp.Delivery) {
	cell, err := contracts.FromJSON(d.Body)
	if err != nil {
		b.logger.Warn("undecodable amqp delivery rejected", "routingKey", d.RoutingKey, "error", err)
		_ = d.Nack(false, false)
		return
	}

	if err := b.broker.Publish(d.RoutingKey, cell); err != nil {
		b.logger.Error("inbound publish failed", "cellId", cell.ID(), "topic", d.RoutingKey, "error", err)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
	b.logger.Debug("cell ingested from amqp", "cellId", cell.ID(), "topic", d.RoutingKey)
}

// Close cancels consumers, removes broker subscriptions, and closes the
// channel. Safe to call more than once.
func (b *AMQPBridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancels := b.cancels
	unsubscribes := b.unsubscribes
	b.cancels = nil
	b.unsubscribes = nil
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	return b.channel.Close()
}

// amqpPriority clamps a cell priority into AMQP's 0..9 range.
func amqpPriority(p int) uint8 {
	if p < 0 {
		return 0
	}
	if p > 9 {
		return 9
	}
	return uint8(p)
}
