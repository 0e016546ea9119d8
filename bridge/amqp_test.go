package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemolab/hemo-go/broker"
	"github.com/hemolab/hemo-go/contracts"
	"github.com/hemolab/hemo-go/internal/reliability"
)

type publishedMessage struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

// fakeChannel records AMQP operations and lets tests feed deliveries.
type fakeChannel struct {
	mu         sync.Mutex
	exchanges  []string
	queues     []string
	bindings   map[string]string
	published  []publishedMessage
	publishErr error
	deliveries chan amqp.Delivery
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		bindings:   make(map[string]string),
		deliveries: make(chan amqp.Delivery, 16),
	}
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges = append(c.exchanges, name+"/"+kind)
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues = append(c.queues, name)
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings[name] = key
	return nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, publishedMessage{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) lastPublished(t *testing.T) publishedMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.published)
	return c.published[len(c.published)-1]
}

// fakeAcknowledger records the ack outcome of a delivery.
type fakeAcknowledger struct {
	mu      sync.Mutex
	acked   bool
	nacked  bool
	requeue bool
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = true
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = true
	a.requeue = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func stopBroker(t *testing.T, b *broker.Broker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Stop(ctx))
}

func TestNewAMQPBridge(t *testing.T) {
	t.Run("declares a durable topic exchange", func(t *testing.T) {
		b := broker.NewBroker()
		defer stopBroker(t, b)
		channel := newFakeChannel()

		bridge, err := NewAMQPBridge(b, channel, WithAMQPExchange("cells.test"))

		require.NoError(t, err)
		require.NotNil(t, bridge)
		assert.Equal(t, []string{"cells.test/topic"}, channel.exchanges)
	})

	t.Run("rejects a nil broker", func(t *testing.T) {
		_, err := NewAMQPBridge(nil, newFakeChannel())

		assert.Error(t, err)
	})
}

func TestAMQPBridgeOutbound(t *testing.T) {
	t.Run("republishes broker cells with the topic as routing key", func(t *testing.T) {
		b := broker.NewBroker()
		defer stopBroker(t, b)
		channel := newFakeChannel()
		bridge, err := NewAMQPBridge(b, channel)
		require.NoError(t, err)

		_, err = bridge.Outbound("orders.created")
		require.NoError(t, err)

		cell, err := contracts.NewCell(map[string]any{"orderId": "42"},
			contracts.WithType("OrderCreated"),
			contracts.WithPriority(7),
			contracts.WithTTL(30*time.Second),
		)
		require.NoError(t, err)
		require.NoError(t, b.Publish("orders.created", cell))

		assert.Eventually(t, func() bool {
			channel.mu.Lock()
			defer channel.mu.Unlock()
			return len(channel.published) == 1
		}, time.Second, 5*time.Millisecond)

		got := channel.lastPublished(t)
		assert.Equal(t, "hemo.cells", got.exchange)
		assert.Equal(t, "orders.created", got.key)
		assert.Equal(t, cell.ID(), got.msg.MessageId)
		assert.Equal(t, "OrderCreated", got.msg.Type)
		assert.Equal(t, uint8(7), got.msg.Priority)
		assert.Equal(t, "30000", got.msg.Expiration)

		decoded, err := contracts.FromJSON(got.msg.Body)
		require.NoError(t, err)
		assert.Equal(t, cell.ID(), decoded.ID())
	})

	t.Run("a cell destination overrides the routing key", func(t *testing.T) {
		b := broker.NewBroker()
		defer stopBroker(t, b)
		channel := newFakeChannel()
		bridge, err := NewAMQPBridge(b, channel)
		require.NoError(t, err)

		_, err = bridge.Outbound("orders.*")
		require.NoError(t, err)

		cell, err := contracts.NewCell("p", contracts.WithDestination("orders.eu.created"))
		require.NoError(t, err)
		require.NoError(t, b.Publish("orders.created", cell))

		assert.Eventually(t, func() bool {
			channel.mu.Lock()
			defer channel.mu.Unlock()
			return len(channel.published) == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, "orders.eu.created", channel.lastPublished(t).key)
	})

	t.Run("publish failures are retried per policy", func(t *testing.T) {
		b := broker.NewBroker()
		defer stopBroker(t, b)
		channel := newFakeChannel()
		channel.publishErr = errors.New("connection reset")
		bridge, err := NewAMQPBridge(b, channel,
			WithAMQPRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 2)))
		require.NoError(t, err)

		_, err = bridge.Outbound("orders.created")
		require.NoError(t, err)

		// Let two retries fail, then heal the channel and verify the
		// broker-level retry eventually lands the message.
		cell, err := contracts.NewCell("p")
		require.NoError(t, err)
		require.NoError(t, b.Publish("orders.created", cell,
			broker.WithMaxRetries(3), broker.WithRetryDelay(5*time.Millisecond)))

		time.Sleep(20 * time.Millisecond)
		channel.mu.Lock()
		channel.publishErr = nil
		channel.mu.Unlock()

		assert.Eventually(t, func() bool {
			channel.mu.Lock()
			defer channel.mu.Unlock()
			return len(channel.published) == 1
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestAMQPBridgeInbound(t *testing.T) {
	t.Run("decodable deliveries are published to the broker and acked", func(t *testing.T) {
		b := broker.NewBroker()
		defer stopBroker(t, b)
		channel := newFakeChannel()
		bridge, err := NewAMQPBridge(b, channel)
		require.NoError(t, err)

		received := make(chan *contracts.Cell, 1)
		_, err = b.SubscribeFunc("orders.created", func(ctx context.Context, cell *contracts.Cell) error {
			received <- cell
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, bridge.Inbound(context.Background(), "intake", "orders.#"))
		assert.Equal(t, "orders.#", channel.bindings["intake"])

		cell, err := contracts.NewCell("p")
		require.NoError(t, err)
		body, err := cell.ToJSON()
		require.NoError(t, err)

		ack := &fakeAcknowledger{}
		channel.deliveries <- amqp.Delivery{
			Acknowledger: ack,
			RoutingKey:   "orders.created",
			Body:         body,
		}

		select {
		case got := <-received:
			assert.Equal(t, cell.ID(), got.ID())
		case <-time.After(time.Second):
			t.Fatal("cell never reached the broker")
		}
		assert.Eventually(t, func() bool {
			ack.mu.Lock()
			defer ack.mu.Unlock()
			return ack.acked
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("undecodable deliveries are rejected without requeue", func(t *testing.T) {
		b := broker.NewBroker()
		defer stopBroker(t, b)
		channel := newFakeChannel()
		bridge, err := NewAMQPBridge(b, channel)
		require.NoError(t, err)
		require.NoError(t, bridge.Inbound(context.Background(), "intake", "orders.#"))

		ack := &fakeAcknowledger{}
		channel.deliveries <- amqp.Delivery{
			Acknowledger: ack,
			RoutingKey:   "orders.created",
			Body:         []byte("not json"),
		}

		assert.Eventually(t, func() bool {
			ack.mu.Lock()
			defer ack.mu.Unlock()
			return ack.nacked && !ack.requeue
		}, time.Second, 5*time.Millisecond)
	})
}

func TestAMQPBridgeClose(t *testing.T) {
	t.Run("close is idempotent and closes the channel", func(t *testing.T) {
		b := broker.NewBroker()
		defer stopBroker(t, b)
		channel := newFakeChannel()
		bridge, err := NewAMQPBridge(b, channel)
		require.NoError(t, err)

		require.NoError(t, bridge.Close())
		require.NoError(t, bridge.Close())

		assert.True(t, channel.closed)
		_, err = bridge.Outbound("orders.created")
		assert.ErrorIs(t, err, ErrBridgeClosed)
	})
}
