// Package broker implements the in-process message broker.
//
// The Broker routes cells to topic subscriptions through a single priority
// queue: higher-priority cells are delivered first, equal priorities in
// publish order. Expired cells are dropped, failed deliveries are retried
// with a configurable delay up to a per-publish retry budget, and cells
// that exhaust their budget are rejected and handed to dead-letter
// handlers.
//
// Subscription patterns use '.'-delimited topic segments: '*' matches
// exactly one segment and '#' greedily matches one or more characters.
// Patterns are compiled to matchers once, at subscribe time.
//
// With persistence enabled the broker additionally keeps an in-memory
// replay log per topic. This is a replay buffer, not durable storage; it
// does not survive the process.
package broker
