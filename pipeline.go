// Package hemo is the entry point for the messaging substrate. A
// Pipeline wires the three moving parts together: an outbound stream
// feeding a topic broker feeding an inbound stream. Applications that
// need finer control use the broker and stream packages directly.
package hemo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hemolab/hemo-go/broker"
	"github.com/hemolab/hemo-go/contracts"
	"github.com/hemolab/hemo-go/stream"
)

// ErrNotStarted is returned by operations on a pipeline that is not
// running.
var ErrNotStarted = errors.New("hemo: pipeline not started")

// Pipeline connects an OutStream, a Broker, and an InStream under a
// single topic. Cells sent through the pipeline pass the producer
// pipeline stages, are routed by the broker, and arrive at the consumer
// side with acknowledgment tracking.
type Pipeline struct {
	topic  string
	logger *slog.Logger

	out    *stream.OutStream
	broker *broker.Broker
	in     *stream.InStream

	brokerOpts []broker.BrokerOption
	outOpts    []stream.OutStreamOption
	inOpts     []stream.InStreamOption

	mu          sync.Mutex
	started     bool
	removeData  func()
	unsubscribe func()
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets the logger shared by every component the pipeline
// creates.
func WithLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithBrokerOptions appends options to the underlying Broker.
func WithBrokerOptions(opts ...broker.BrokerOption) PipelineOption {
	return func(p *Pipeline) {
		p.brokerOpts = append(p.brokerOpts, opts...)
	}
}

// WithOutStreamOptions appends options to the underlying OutStream.
func WithOutStreamOptions(opts ...stream.OutStreamOption) PipelineOption {
	return func(p *Pipeline) {
		p.outOpts = append(p.outOpts, opts...)
	}
}

// WithInStreamOptions appends options to the underlying InStream.
func WithInStreamOptions(opts ...stream.InStreamOption) PipelineOption {
	return func(p *Pipeline) {
		p.inOpts = append(p.inOpts, opts...)
	}
}

// NewPipeline builds a pipeline routing through topic. The components
// are created immediately; nothing flows until Start.
func NewPipeline(topic string, options ...PipelineOption) (*Pipeline, error) {
	if topic == "" {
		return nil, fmt.Errorf("hemo: topic cannot be empty")
	}

	p := &Pipeline{
		topic:  topic,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}

	p.broker = broker.NewBroker(append([]broker.BrokerOption{
		broker.WithLogger(p.logger),
	}, p.brokerOpts...)...)
	p.out = stream.NewOutStream(append([]stream.OutStreamOption{
		stream.WithOutLogger(p.logger),
		stream.WithOutName(topic + ".out"),
	}, p.outOpts...)...)
	p.in = stream.NewInStream(append([]stream.InStreamOption{
		stream.WithInLogger(p.logger),
		stream.WithInName(topic + ".in"),
	}, p.inOpts...)...)
	return p, nil
}

// Start activates both streams and connects them through the broker.
// The outbound side publishes each processed cell under the cell's
// destination when set, otherwise under the pipeline topic.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return stream.ErrAlreadyActive
	}

	if err := p.out.Start(); err != nil {
		return err
	}
	if err := p.in.Start(); err != nil {
		return err
	}

	p.removeData = p.out.OnData(func(cell *contracts.Cell) error {
		topic := cell.Destination()
		if topic == "" {
			topic = p.topic
		}
		return p.broker.Publish(topic, cell)
	})

	unsubscribe, err := p.broker.SubscribeFunc(p.topic, func(ctx context.Context, cell *contracts.Cell) error {
		return p.in.Receive(cell)
	})
	if err != nil {
		return err
	}
	p.unsubscribe = unsubscribe

	p.started = true
	p.logger.Info("pipeline started", "topic", p.topic)
	return nil
}

// Send pushes a cell into the outbound stream.
func (p *Pipeline) Send(cell *contracts.Cell) error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	return p.out.Send(cell)
}

// SendPayload wraps payload in a new cell and sends it.
func (p *Pipeline) SendPayload(payload any, options ...contracts.CellOption) (*contracts.Cell, error) {
	cell, err := contracts.NewCell(payload, options...)
	if err != nil {
		return nil, err
	}
	if err := p.Send(cell); err != nil {
		return nil, err
	}
	return cell, nil
}

// OnMessage registers a consumer-side handler and returns a function
// that removes it.
func (p *Pipeline) OnMessage(h stream.MessageHandler) func() {
	return p.in.OnMessage(h)
}

// Acknowledge confirms consumer-side processing of a cell.
func (p *Pipeline) Acknowledge(cell *contracts.Cell) {
	p.in.Acknowledge(cell)
}

// Broker exposes the underlying broker for direct topic work.
func (p *Pipeline) Broker() *broker.Broker {
	return p.broker
}

// OutStream exposes the producer side of the pipeline.
func (p *Pipeline) OutStream() *stream.OutStream {
	return p.out
}

// InStream exposes the consumer side of the pipeline.
func (p *Pipeline) InStream() *stream.InStream {
	return p.in
}

// Stats is a combined snapshot of all three components.
type Stats struct {
	Out    stream.OutStreamStats
	Broker broker.Stats
	In     stream.InStreamStats
}

// GetStats snapshots the pipeline.
func (p *Pipeline) GetStats() Stats {
	return Stats{
		Out:    p.out.GetStats(),
		Broker: p.broker.GetStats(),
		In:     p.in.GetStats(),
	}
}

// Stop shuts the pipeline down from the producer side in: the outbound
// stream drains first so its tail reaches the broker, then the broker
// drains into the inbound stream, then the inbound stream drains its
// buffer. Each component honors ctx and its own drain timeout.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	p.started = false
	removeData := p.removeData
	unsubscribe := p.unsubscribe
	p.removeData = nil
	p.unsubscribe = nil
	p.mu.Unlock()

	var errs []error
	if err := p.out.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("hemo: stop outstream: %w", err))
	}
	if err := p.broker.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("hemo: stop broker: %w", err))
	}
	if err := p.in.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("hemo: stop instream: %w", err))
	}

	if removeData != nil {
		removeData()
	}
	if unsubscribe != nil {
		unsubscribe()
	}

	p.logger.Info("pipeline stopped", "topic", p.topic)
	return errors.Join(errs...)
}
