// Package contracts defines the message envelope exchanged between
// producers, the broker, and consumers.
//
// The central type is Cell, an immutable-by-default envelope carrying a
// typed payload together with lineage metadata (correlation and causation
// identifiers), an optional time-to-live, a priority, and a delivery status
// that moves forward only: pending to acknowledged or rejected.
//
// Cells form causal chains: CreateChild produces a descendant that shares
// the root's correlation ID and records its immediate parent as causation.
// Clone produces an independent copy with a fresh identity whose correlation
// points back at the original.
package contracts
