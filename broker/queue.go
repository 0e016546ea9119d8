package broker

import (
	"sort"
	"time"

	"github.com/hemolab/hemo-go/contracts"
	"github.com/hemolab/hemo-go/internal/reliability"
)

// DeliveryMode selects the delivery guarantee for a published cell.
type DeliveryMode string

const (
	// AtMostOnce delivers without retries; a failed delivery is lost.
	AtMostOnce DeliveryMode = "at-most-once"
	// AtLeastOnce retries failed deliveries up to the retry budget.
	// Subscribers that already succeeded are invoked again on retry, so
	// duplicates are possible.
	AtLeastOnce DeliveryMode = "at-least-once"
)

// PublishOptions configures delivery of a single published cell.
type PublishOptions struct {
	MaxRetries   int
	RetryDelay   time.Duration
	DeliveryMode DeliveryMode
	RetryPolicy  reliability.RetryPolicy
}

// PublishOption configures publish behavior.
type PublishOption func(*PublishOptions)

// WithMaxRetries sets the number of redelivery attempts after a failed
// delivery. The default is 0.
func WithMaxRetries(maxRetries int) PublishOption {
	return func(o *PublishOptions) {
		o.MaxRetries = maxRetries
		if maxRetries > 0 && o.DeliveryMode == "" {
			o.DeliveryMode = AtLeastOnce
		}
	}
}

// WithRetryDelay sets the fixed delay between delivery attempts. The
// default is 100ms.
func WithRetryDelay(delay time.Duration) PublishOption {
	return func(o *PublishOptions) {
		o.RetryDelay = delay
	}
}

// WithDeliveryMode sets the delivery guarantee.
func WithDeliveryMode(mode DeliveryMode) PublishOption {
	return func(o *PublishOptions) {
		o.DeliveryMode = mode
	}
}

// WithRetryPolicy overrides the fixed retry delay with a policy such as
// reliability.NewExponentialBackoff. The policy controls delay only; the
// retry budget stays with MaxRetries.
func WithRetryPolicy(policy reliability.RetryPolicy) PublishOption {
	return func(o *PublishOptions) {
		o.RetryPolicy = policy
	}
}

// queuedEnvelope pairs a cell with its topic, delivery options, and the
// attempt counter driving the retry state machine.
type queuedEnvelope struct {
	cell     *contracts.Cell
	topic    string
	opts     PublishOptions
	attempts int
	seq      uint64
}

// retryDelay returns the delay before the next attempt.
func (e *queuedEnvelope) retryDelay() time.Duration {
	if e.opts.RetryPolicy != nil {
		return e.opts.RetryPolicy.NextDelay(e.attempts - 1)
	}
	return e.opts.RetryDelay
}

// sortQueue orders envelopes by descending priority, ties broken by
// ascending creation time and then enqueue order. Called after every
// insertion, so retried cells compete with newly published ones.
func sortQueue(queue []*queuedEnvelope) {
	sort.SliceStable(queue, func(i, j int) bool {
		pi, pj := queue[i].cell.Priority(), queue[j].cell.Priority()
		if pi != pj {
			return pi > pj
		}
		ti, tj := queue[i].cell.Timestamp(), queue[j].cell.Timestamp()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return queue[i].seq < queue[j].seq
	})
}
