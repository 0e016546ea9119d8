package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// cellJSON is the wire form of a Cell: a flat object carrying every field,
// including internal state that is not settable through NewCell.
type cellJSON struct {
	ID              string         `json:"id"`
	Payload         any            `json:"payload"`
	Timestamp       time.Time      `json:"timestamp"`
	Source          string         `json:"source,omitempty"`
	Destination     string         `json:"destination,omitempty"`
	CorrelationID   string         `json:"correlationId,omitempty"`
	CausationID     string         `json:"causationId,omitempty"`
	Type            string         `json:"type,omitempty"`
	Priority        int            `json:"priority"`
	TTL             time.Duration  `json:"ttl,omitempty"`
	ExpiresAt       *time.Time     `json:"expiresAt,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Status          Status         `json:"status"`
	RejectionReason string         `json:"rejectionReason,omitempty"`
	RetryCount      int            `json:"retryCount"`
}

// MarshalJSON implements json.Marshaler.
func (c *Cell) MarshalJSON() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wire := cellJSON{
		ID:              c.id,
		Payload:         c.payload,
		Timestamp:       c.timestamp,
		Source:          c.source,
		Destination:     c.destination,
		CorrelationID:   c.correlationID,
		CausationID:     c.causationID,
		Type:            c.cellType,
		Priority:        c.priority,
		TTL:             c.ttl,
		Metadata:        c.metadata,
		Status:          c.status,
		RejectionReason: c.rejectionReason,
		RetryCount:      c.retryCount,
	}
	if !c.expiresAt.IsZero() {
		expiresAt := c.expiresAt
		wire.ExpiresAt = &expiresAt
	}
	return json.Marshal(wire)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Cell) UnmarshalJSON(data []byte) error {
	var wire cellJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("contracts: decode cell: %w", err)
	}
	if wire.ID == "" {
		return fmt.Errorf("contracts: decode cell: missing id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.id = wire.ID
	c.payload = wire.Payload
	c.timestamp = wire.Timestamp
	c.source = wire.Source
	c.destination = wire.Destination
	c.correlationID = wire.CorrelationID
	c.causationID = wire.CausationID
	c.cellType = wire.Type
	c.priority = wire.Priority
	c.ttl = wire.TTL
	if wire.ExpiresAt != nil {
		c.expiresAt = *wire.ExpiresAt
	} else {
		c.expiresAt = time.Time{}
	}
	c.metadata = wire.Metadata
	if c.metadata == nil {
		c.metadata = make(map[string]any)
	}
	c.status = wire.Status
	if c.status == "" {
		c.status = StatusPending
	}
	c.rejectionReason = wire.RejectionReason
	c.retryCount = wire.RetryCount
	return nil
}

// ToJSON serializes the cell, internal state included.
func (c *Cell) ToJSON() ([]byte, error) {
	return json.Marshal(c)
}

// FromJSON reconstructs a cell from its serialized form, reproducing every
// field exactly, including status, rejection reason, and retry count.
func FromJSON(data []byte) (*Cell, error) {
	c := &Cell{}
	if err := c.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return c, nil
}
