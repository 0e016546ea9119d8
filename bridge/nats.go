package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hemolab/hemo-go/broker"
	"github.com/hemolab/hemo-go/contracts"
	"github.com/hemolab/hemo-go/internal/reliability"
)

// NATSConn is the slice of *nats.Conn the bridge uses.
type NATSConn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// NATSBridge relays cells between a Broker and a NATS connection.
// Broker topic wildcards translate to NATS subject wildcards on
// subscribe: "*" maps to "*" and a trailing "#" segment maps to ">".
type NATSBridge struct {
	broker *broker.Broker
	conn   NATSConn
	policy reliability.RetryPolicy
	logger *slog.Logger

	mu           sync.Mutex
	closed       bool
	unsubscribes []func()
	subs         []*nats.Subscription
}

// NATSOption configures a NATSBridge.
type NATSOption func(*NATSBridge)

// WithNATSRetryPolicy sets the retry policy applied to publishes.
func WithNATSRetryPolicy(policy reliability.RetryPolicy) NATSOption {
	return func(b *NATSBridge) {
		b.policy = policy
	}
}

// WithNATSLogger sets the logger.
func WithNATSLogger(logger *slog.Logger) NATSOption {
	return func(b *NATSBridge) {
		b.logger = logger
	}
}

// NewNATSBridge returns a bridge relaying between b and conn.
func NewNATSBridge(b *broker.Broker, conn NATSConn, options ...NATSOption) (*NATSBridge, error) {
	if b == nil {
		return nil, fmt.Errorf("bridge: broker cannot be nil")
	}
	if conn == nil {
		return nil, fmt.Errorf("bridge: connection cannot be nil")
	}

	bridge := &NATSBridge{
		broker: b,
		conn:   conn,
		policy: reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(bridge)
	}
	return bridge, nil
}

// Outbound subscribes to topic on the broker and republishes every
// delivered cell to NATS. The subject is the cell's destination when
// set, otherwise the subscribed topic. The returned function removes
// the subscription.
func (b *NATSBridge) Outbound(topic string) (func(), error) {
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

func (b *NATSBridge) relay(ctx context.Context, topic string, cell *contracts.Cell) error {
	body, err := cell.ToJSON()
	if err != nil {
		return fmt.Errorf("bridge: encode cell %s: %w", cell.ID(), err)
	}

	subject := cell.Destination()
	if subject == "" {
		subject = topic
	}

	err = reliability.Retry(ctx, b.policy, func() error {
		return b.conn.Publish(subject, body)
	})
	if err != nil {
		b.logger.Error("outbound relay failed", "cellId", cell.ID(), "subject", subject, "error", err)
		return err
	}
	b.logger.Debug("cell relayed to nats", "cellId", cell.ID(), "subject", subject)
	return nil
}

// Inbound subscribes to pattern on NATS and publishes every decodable
// message into the broker under the message's subject.
func (b *NATSBridge) Inbound(pattern string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBridgeClosed
	}
	b.mu.Unlock()

	sub, err := b.conn.Subscribe(NATSSubject(pattern), func(msg *nats.Msg) {
		b.ingest(msg)
	})
	if err != nil {
		return fmt.Errorf("bridge: subscribe %s: %w", pattern, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

func (b *NATSBridge) ingest(msg *nats.Msg) {
	cell, err := contracts.FromJSON(msg.Data)
	if err != nil {
		b.logger.Warn("undecodable nats message dropped", "subject", msg.Subject, "error", err)
		return
	}
	if err := b.broker.Publish(msg.Subject, cell); err != nil {
		b.logger.Error("inbound publish failed", "cellId", cell.ID(), "topic", msg.Subject, "error", err)
		return
	}
	b.logger.Debug("cell ingested from nats", "cellId", cell.ID(), "topic", msg.Subject)
}

// Close unsubscribes everything and drains the connection. Safe to call
// more than once.
func (b *NATSBridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	unsubscribes := b.unsubscribes
	b.subs = nil
	b.unsubscribes = nil
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	return b.conn.Drain()
}

// NATSSubject translates a broker topic pattern into a NATS subject
// pattern. "*" already means one segment on both sides; a "#" segment
// becomes ">", which in NATS must be final, so anything after the first
// "#" is folded into it.
func NATSSubject(pattern string) string {
	segments := strings.Split(pattern, ".")
	for i, segment := range segments {
		if segment == "#" {
			return strings.Join(append(segments[:i], ">"), ".")
		}
	}
	return pattern
}
