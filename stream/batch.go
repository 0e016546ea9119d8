package stream

import (
	"sync"
	"time"

	"github.com/hemolab/hemo-go/contracts"
)

// batcher accumulates cells and flushes when the batch reaches its size or
// when the timeout since the first cell elapses, whichever comes first.
// Flush may also be forced at any time. The flush callback runs outside
// the batcher's lock, on whichever goroutine triggered the flush.
type batcher struct {
	size    int
	timeout time.Duration
	flushFn func([]*contracts.Cell)

	mu      sync.Mutex
	pending []*contracts.Cell
	timer   *time.Timer
}

func newBatcher(size int, timeout time.Duration, flushFn func([]*contracts.Cell)) *batcher {
	return &batcher{
		size:    size,
		timeout: timeout,
		flushFn: flushFn,
	}
}

func (b *batcher) add(cell *contracts.Cell) {
	b.mu.Lock()
	b.pending = append(b.pending, cell)
	if len(b.pending) == 1 && b.timeout > 0 {
		b.timer = time.AfterFunc(b.timeout, b.flushOnTimeout)
	}
	if len(b.pending) >= b.size {
		batch := b.takeLocked()
		b.mu.Unlock()
		b.flushFn(batch)
		return
	}
	b.mu.Unlock()
}

// flush forces an out-of-band flush and resets the timer.
func (b *batcher) flush() {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()
	if len(batch) > 0 {
		b.flushFn(batch)
	}
}

func (b *batcher) flushOnTimeout() {
	b.flush()
}

// pendingCount returns the number of cells waiting in the batch.
func (b *batcher) pendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *batcher) takeLocked() []*contracts.Cell {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.pending
	b.pending = nil
	return batch
}
