package stream

import (
	"errors"
	"fmt"

	"github.com/hemolab/hemo-go/contracts"
)

var (
	// ErrNotActive is returned by Send, Receive, and the pull methods
	// when the stream has not been started or has been stopped.
	ErrNotActive = errors.New("stream: not active")

	// ErrBufferFull is returned when a cell cannot be admitted because
	// the buffer is at capacity. The cell is not enqueued.
	ErrBufferFull = errors.New("stream: buffer full")

	// ErrAlreadyActive is returned by Start on an active stream.
	ErrAlreadyActive = errors.New("stream: already active")

	// ErrPullModeOnly is returned by Pull and PullBatch on a push-mode
	// stream.
	ErrPullModeOnly = errors.New("stream: pull requires pull mode")
)

// PipelineError reports a failure inside the processing pipeline: a
// transform, filter, or handler that returned an error or panicked. It is
// surfaced through OnError and never stops the pump.
type PipelineError struct {
	Stage string
	Cell  *contracts.Cell
	Err   error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Cell != nil {
		return fmt.Sprintf("stream: %s failed for cell %s: %v", e.Stage, e.Cell.ID(), e.Err)
	}
	return fmt.Sprintf("stream: %s failed: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *PipelineError) Unwrap() error {
	return e.Err
}
