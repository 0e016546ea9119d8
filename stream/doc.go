// Package stream provides the flow-controlled producer and consumer
// pipelines built around the cell envelope.
//
// OutStream is the producer side: cells pushed in with Send pass through
// registered transforms and filters, are rate limited by a sliding window
// with a burst token bucket, and leave either individually or in batches.
// High and low water marks on the internal buffer raise and clear a soft
// backpressure pause that degrades throughput without blocking senders.
//
// InStream is the consumer side: received cells are tracked as pending
// acknowledgments until acknowledged, with timed redelivery for cells whose
// acknowledgment never arrives. It runs either in push mode, where an
// internal loop drives the registered handlers, or in pull mode, where
// Pull and PullBatch are the only dequeue paths.
//
// Each stream runs a single pump goroutine that owns its buffer; public
// methods only hand cells over or adjust registration state, so both types
// are safe for concurrent use.
package stream
