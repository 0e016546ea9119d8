package contracts

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the delivery status of a Cell. Transitions move forward only:
// a pending cell may become acknowledged or rejected, and terminal states
// never change again.
type Status string

const (
	StatusPending      Status = "pending"
	StatusAcknowledged Status = "acknowledged"
	StatusRejected     Status = "rejected"
)

// Cell is the message envelope. Identity, payload, lineage, priority, and
// expiry are fixed at construction; only status, the retry counter, and the
// metadata map may change afterwards, and those mutations are synchronized
// so a Cell can be shared across goroutines.
type Cell struct {
	id            string
	payload       any
	timestamp     time.Time
	source        string
	destination   string
	correlationID string
	causationID   string
	cellType      string
	priority      int
	ttl           time.Duration
	expiresAt     time.Time

	mu              sync.Mutex
	metadata        map[string]any
	status          Status
	rejectionReason string
	retryCount      int
}

type cellOptions struct {
	cellType      string
	source        string
	destination   string
	correlationID string
	causationID   string
	priority      int
	ttl           time.Duration
	metadata      map[string]any
	validator     PayloadValidator
}

// CellOption configures cell construction.
type CellOption func(*cellOptions)

// WithType sets the free-form classification string.
func WithType(cellType string) CellOption {
	return func(o *cellOptions) {
		o.cellType = cellType
	}
}

// WithSource sets the originating endpoint name.
func WithSource(source string) CellOption {
	return func(o *cellOptions) {
		o.source = source
	}
}

// WithDestination sets the target endpoint name.
func WithDestination(destination string) CellOption {
	return func(o *cellOptions) {
		o.destination = destination
	}
}

// WithCorrelationID sets the causal-chain root identifier.
func WithCorrelationID(correlationID string) CellOption {
	return func(o *cellOptions) {
		o.correlationID = correlationID
	}
}

// WithCausationID sets the immediate parent identifier.
func WithCausationID(causationID string) CellOption {
	return func(o *cellOptions) {
		o.causationID = causationID
	}
}

// WithPriority sets the delivery priority. Higher values are more urgent;
// the default is 0.
func WithPriority(priority int) CellOption {
	return func(o *cellOptions) {
		o.priority = priority
	}
}

// WithTTL sets the time-to-live. A cell without a TTL never expires.
func WithTTL(ttl time.Duration) CellOption {
	return func(o *cellOptions) {
		o.ttl = ttl
	}
}

// WithMetadata seeds the metadata map.
func WithMetadata(metadata map[string]any) CellOption {
	return func(o *cellOptions) {
		o.metadata = metadata
	}
}

// WithValidator validates the payload during construction. NewCell returns
// a *ValidationError when the validator rejects the payload.
func WithValidator(v PayloadValidator) CellOption {
	return func(o *cellOptions) {
		o.validator = v
	}
}

// NewCell creates a cell with a generated ID and the current timestamp.
func NewCell(payload any, options ...CellOption) (*Cell, error) {
	opts := cellOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	if opts.validator != nil {
		if result := opts.validator.Validate(payload); !result.Valid {
			return nil, &ValidationError{Errors: result.Errors}
		}
	}

	now := time.Now().UTC()
	c := &Cell{
		id:            uuid.New().String(),
		payload:       payload,
		timestamp:     now,
		source:        opts.source,
		destination:   opts.destination,
		correlationID: opts.correlationID,
		causationID:   opts.causationID,
		cellType:      opts.cellType,
		priority:      opts.priority,
		ttl:           opts.ttl,
		metadata:      opts.metadata,
		status:        StatusPending,
	}
	if c.metadata == nil {
		c.metadata = make(map[string]any)
	}
	if opts.ttl > 0 {
		c.expiresAt = now.Add(opts.ttl)
	}
	return c, nil
}

// ID returns the globally unique identifier assigned at construction.
func (c *Cell) ID() string { return c.id }

// Payload returns the message body.
func (c *Cell) Payload() any { return c.payload }

// Timestamp returns the creation time.
func (c *Cell) Timestamp() time.Time { return c.timestamp }

// Source returns the originating endpoint name, if any.
func (c *Cell) Source() string { return c.source }

// Destination returns the target endpoint name, if any.
func (c *Cell) Destination() string { return c.destination }

// CorrelationID identifies the root of this cell's causal chain.
func (c *Cell) CorrelationID() string { return c.correlationID }

// CausationID identifies this cell's immediate parent.
func (c *Cell) CausationID() string { return c.causationID }

// Type returns the classification string.
func (c *Cell) Type() string { return c.cellType }

// Priority returns the delivery priority.
func (c *Cell) Priority() int { return c.priority }

// TTL returns the time-to-live, zero if none.
func (c *Cell) TTL() time.Duration { return c.ttl }

// ExpiresAt returns the absolute expiry instant, zero if the cell never
// expires.
func (c *Cell) ExpiresAt() time.Time { return c.expiresAt }

// IsExpired reports whether the cell's TTL has elapsed. A cell without a
// TTL never expires.
func (c *Cell) IsExpired() bool {
	if c.expiresAt.IsZero() {
		return false
	}
	return time.Now().After(c.expiresAt)
}

// Status returns the current delivery status.
func (c *Cell) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsAcknowledged reports whether the cell has been acknowledged.
func (c *Cell) IsAcknowledged() bool {
	return c.Status() == StatusAcknowledged
}

// IsRejected reports whether the cell has been rejected.
func (c *Cell) IsRejected() bool {
	return c.Status() == StatusRejected
}

// RejectionReason returns the reason recorded by Reject, empty otherwise.
func (c *Cell) RejectionReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejectionReason
}

// Acknowledge marks the cell acknowledged. It has no effect once the cell
// has left the pending state.
func (c *Cell) Acknowledge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusPending {
		c.status = StatusAcknowledged
	}
}

// Reject marks the cell rejected with the given reason. It has no effect
// once the cell has left the pending state.
func (c *Cell) Reject(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusPending {
		c.status = StatusRejected
		c.rejectionReason = reason
	}
}

// RetryCount returns the number of recorded delivery retries.
func (c *Cell) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// IncrementRetry records one delivery retry and returns the new count.
func (c *Cell) IncrementRetry() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retryCount++
	return c.retryCount
}

// SetMetadata stores a metadata entry. Metadata is not part of the cell's
// identity and does not survive into children or clones' identity fields.
func (c *Cell) SetMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// MetadataValue returns a single metadata entry.
func (c *Cell) MetadataValue(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.metadata[key]
	return v, ok
}

// Metadata returns a copy of the metadata map.
func (c *Cell) Metadata() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}

// CreateChild creates a new cell descending from this one. The child's
// correlation ID is this cell's correlation ID when set, otherwise this
// cell's own ID, so every descendant of a root shares one correlation ID.
// The child's causation ID is always this cell's ID.
func (c *Cell) CreateChild(payload any, options ...CellOption) (*Cell, error) {
	correlationID := c.correlationID
	if correlationID == "" {
		correlationID = c.id
	}
	options = append(options,
		WithCorrelationID(correlationID),
		WithCausationID(c.id),
	)
	return NewCell(payload, options...)
}

// Clone creates an independent copy with a fresh ID, pending status, and a
// zero retry counter. The clone's correlation and causation IDs both point
// at the original. Passing a payload override replaces the payload;
// otherwise the original payload is shared.
func (c *Cell) Clone(newPayload ...any) *Cell {
	payload := c.payload
	if len(newPayload) > 0 {
		payload = newPayload[0]
	}
	clone, _ := NewCell(payload,
		WithType(c.cellType),
		WithSource(c.source),
		WithDestination(c.destination),
		WithPriority(c.priority),
		WithTTL(c.ttl),
		WithMetadata(c.Metadata()),
		WithCorrelationID(c.id),
		WithCausationID(c.id),
	)
	return clone
}
