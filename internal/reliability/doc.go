// Package reliability provides the retry policies that drive redelivery
// timing for the broker and the transport bridges.
package reliability
