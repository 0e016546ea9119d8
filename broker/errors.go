package broker

import "errors"

var (
	// ErrStopped is returned by Publish and Replay after Stop has been
	// called.
	ErrStopped = errors.New("broker: stopped")

	// ErrNilCell is returned when a nil cell is published.
	ErrNilCell = errors.New("broker: cell cannot be nil")

	// ErrEmptyPattern is returned when subscribing with an empty topic
	// pattern.
	ErrEmptyPattern = errors.New("broker: topic pattern cannot be empty")
)
