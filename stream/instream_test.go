package stream

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemolab/hemo-go/contracts"
)

func startInStream(t *testing.T, opts ...InStreamOption) *InStream {
	t.Helper()
	s := NewInStream(opts...)
	require.NoError(t, s.Start())
	return s
}

func TestInStreamLifecycle(t *testing.T) {
	t.Run("receive on an inactive stream fails", func(t *testing.T) {
		s := NewInStream()

		err := s.Receive(mustCell(t, "p"))

		assert.ErrorIs(t, err, ErrNotActive)
	})

	t.Run("double start fails", func(t *testing.T) {
		s := startInStream(t)
		defer stopStream(t, s.Stop)

		assert.ErrorIs(t, s.Start(), ErrAlreadyActive)
	})

	t.Run("stop drains buffered cells before returning", func(t *testing.T) {
		var mu sync.Mutex
		var seen []any

		s := startInStream(t, WithAutoAck())
		s.OnMessage(func(cell *contracts.Cell) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, cell.Payload())
			return nil
		})

		for i := 0; i < 5; i++ {
			require.NoError(t, s.Receive(mustCell(t, i)))
		}
		stopStream(t, s.Stop)

		mu.Lock()
		defer mu.Unlock()
		assert.Len(t, seen, 5)
	})

	t.Run("restarting while a producer is live is safe", func(t *testing.T) {
		s := startInStream(t, WithAutoAck())
		s.OnMessage(func(*contracts.Cell) error { return nil })

		cells := make([]*contracts.Cell, 200)
		for i := range cells {
			cells[i] = mustCell(t, i)
		}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, cell := range cells {
				// Receives landing in a stop window report ErrNotActive.
				_ = s.Receive(cell)
			}
		}()

		for i := 0; i < 5; i++ {
			stopStream(t, s.Stop)
			require.NoError(t, s.Start())
		}
		wg.Wait()
		stopStream(t, s.Stop)
	})
}

func TestInStreamPushDelivery(t *testing.T) {
	t.Run("cells reach message handlers in arrival order", func(t *testing.T) {
		got := make(chan any, 3)

		s := startInStream(t, WithAutoAck())
		defer stopStream(t, s.Stop)
		s.OnMessage(func(cell *contracts.Cell) error {
			got <- cell.Payload()
			return nil
		})

		for _, p := range []string{"a", "b", "c"} {
			require.NoError(t, s.Receive(mustCell(t, p)))
		}

		for _, want := range []string{"a", "b", "c"} {
			select {
			case payload := <-got:
				assert.Equal(t, want, payload)
			case <-time.After(time.Second):
				t.Fatal("delivery stalled")
			}
		}
	})

	t.Run("batch handlers suppress message handlers", func(t *testing.T) {
		batches := make(chan []*contracts.Cell, 1)
		individual := make(chan *contracts.Cell, 4)

		s := startInStream(t, WithAutoAck(), WithInBatching(3, time.Minute))
		defer stopStream(t, s.Stop)
		s.OnBatch(func(cells []*contracts.Cell) error {
			batches <- cells
			return nil
		})
		s.OnMessage(func(cell *contracts.Cell) error {
			individual <- cell
			return nil
		})

		for i := 0; i < 3; i++ {
			require.NoError(t, s.Receive(mustCell(t, i)))
		}

		select {
		case batch := <-batches:
			assert.Len(t, batch, 3)
		case <-time.After(time.Second):
			t.Fatal("batch never delivered")
		}
		select {
		case <-individual:
			t.Fatal("message handlers must not fire when batch handlers exist")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("a failing handler reports the error and the flow continues", func(t *testing.T) {
		errs := make(chan error, 1)
		got := make(chan any, 2)

		s := startInStream(t, WithAutoAck())
		defer stopStream(t, s.Stop)
		s.OnError(func(err error) {
			errs <- err
		})
		s.OnMessage(func(cell *contracts.Cell) error {
			if cell.Payload() == "poison" {
				return errors.New("handler failed")
			}
			got <- cell.Payload()
			return nil
		})

		require.NoError(t, s.Receive(mustCell(t, "poison")))
		require.NoError(t, s.Receive(mustCell(t, "fine")))

		select {
		case err := <-errs:
			var pipelineErr *PipelineError
			require.ErrorAs(t, err, &pipelineErr)
			assert.Equal(t, "message handler", pipelineErr.Stage)
		case <-time.After(time.Second):
			t.Fatal("handler error never reported")
		}
		select {
		case payload := <-got:
			assert.Equal(t, "fine", payload)
		case <-time.After(time.Second):
			t.Fatal("subsequent cell was not delivered")
		}
	})

	t.Run("receive at capacity drops the cell and fires the buffer-full handler", func(t *testing.T) {
		started := make(chan struct{})
		gate := make(chan struct{})
		defer close(gate)

		s := startInStream(t, WithAutoAck(), WithInBufferSize(2))
		s.OnMessage(func(cell *contracts.Cell) error {
			if cell.Payload() == "blocker" {
				close(started)
				<-gate
			}
			return nil
		})

		full := make(chan int, 1)
		s.OnBufferFull(func(size int) {
			full <- size
		})

		require.NoError(t, s.Receive(mustCell(t, "blocker")))
		<-started
		require.NoError(t, s.Receive(mustCell(t, "a")))
		require.NoError(t, s.Receive(mustCell(t, "b")))

		err := s.Receive(mustCell(t, "c"))
		assert.ErrorIs(t, err, ErrBufferFull)
		select {
		case size := <-full:
			assert.Equal(t, 2, size)
		case <-time.After(time.Second):
			t.Fatal("buffer-full handler never fired")
		}
		assert.Equal(t, uint64(1), s.GetStats().Dropped)
	})
}

func TestInStreamAcknowledgment(t *testing.T) {
	t.Run("auto-ack acknowledges after handler success", func(t *testing.T) {
		acked := make(chan *contracts.Cell, 1)

		s := startInStream(t, WithAutoAck())
		defer stopStream(t, s.Stop)
		s.OnMessage(func(cell *contracts.Cell) error { return nil })
		s.OnAcknowledge(func(cell *contracts.Cell) {
			acked <- cell
		})

		cell := mustCell(t, "p")
		require.NoError(t, s.Receive(cell))

		select {
		case got := <-acked:
			assert.Equal(t, cell.ID(), got.ID())
			assert.True(t, got.IsAcknowledged())
		case <-time.After(time.Second):
			t.Fatal("cell never acknowledged")
		}
		assert.Eventually(t, func() bool {
			return s.PendingCount() == 0
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("manual acknowledgment clears the pending entry", func(t *testing.T) {
		delivered := make(chan *contracts.Cell, 1)

		s := startInStream(t, WithAckTimeout(time.Minute))
		defer stopStream(t, s.Stop)
		s.OnMessage(func(cell *contracts.Cell) error {
			delivered <- cell
			return nil
		})

		require.NoError(t, s.Receive(mustCell(t, "p")))
		cell := <-delivered
		assert.Equal(t, 1, s.PendingCount())

		s.Acknowledge(cell)

		assert.Equal(t, 0, s.PendingCount())
		assert.Equal(t, uint64(1), s.GetStats().Acknowledged)
	})

	t.Run("acknowledging the same cell twice counts once", func(t *testing.T) {
		delivered := make(chan *contracts.Cell, 1)
		var mu sync.Mutex
		var acks int

		s := startInStream(t, WithAckTimeout(time.Minute))
		defer stopStream(t, s.Stop)
		s.OnMessage(func(cell *contracts.Cell) error {
			delivered <- cell
			return nil
		})
		s.OnAcknowledge(func(*contracts.Cell) {
			mu.Lock()
			acks++
			mu.Unlock()
		})

		require.NoError(t, s.Receive(mustCell(t, "p")))
		cell := <-delivered

		s.Acknowledge(cell)
		s.Acknowledge(cell)

		assert.Equal(t, 0, s.PendingCount())
		assert.Equal(t, uint64(1), s.GetStats().Acknowledged)
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 1, acks)
	})

	t.Run("unacknowledged cells are redelivered after the ack timeout", func(t *testing.T) {
		var mu sync.Mutex
		deliveries := 0

		s := startInStream(t, WithAckTimeout(50*time.Millisecond))
		defer stopStream(t, s.Stop)
		s.OnMessage(func(cell *contracts.Cell) error {
			mu.Lock()
			defer mu.Unlock()
			deliveries++
			return nil
		})

		require.NoError(t, s.Receive(mustCell(t, "p")))

		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return deliveries >= 2
		}, time.Second, 10*time.Millisecond)
		assert.GreaterOrEqual(t, s.GetStats().Redelivered, uint64(1))
	})

	t.Run("acknowledging between checks stops redelivery", func(t *testing.T) {
		delivered := make(chan *contracts.Cell, 4)

		s := startInStream(t, WithAckTimeout(50*time.Millisecond))
		defer stopStream(t, s.Stop)
		s.OnMessage(func(cell *contracts.Cell) error {
			delivered <- cell
			return nil
		})

		require.NoError(t, s.Receive(mustCell(t, "p")))
		cell := <-delivered
		s.Acknowledge(cell)

		select {
		case <-delivered:
			t.Fatal("acknowledged cell was redelivered")
		case <-time.After(200 * time.Millisecond):
		}
	})

	t.Run("cells past the redelivery budget are dead-lettered", func(t *testing.T) {
		dead := make(chan *contracts.Cell, 1)

		s := startInStream(t,
			WithAckTimeout(30*time.Millisecond),
			WithMaxRedeliveries(2),
		)
		defer stopStream(t, s.Stop)
		s.OnMessage(func(cell *contracts.Cell) error { return nil })
		s.OnDeadLetter(func(cell *contracts.Cell) {
			dead <- cell
		})

		require.NoError(t, s.Receive(mustCell(t, "p")))

		select {
		case cell := <-dead:
			assert.True(t, cell.IsRejected())
			assert.Equal(t, "Ack timeout exceeded", cell.RejectionReason())
		case <-time.After(2 * time.Second):
			t.Fatal("cell never dead-lettered")
		}
		assert.Equal(t, 0, s.PendingCount())
		assert.Equal(t, uint64(1), s.GetStats().DeadLettered)
	})
}

func TestInStreamPullMode(t *testing.T) {
	t.Run("pull returns buffered cells without invoking handlers", func(t *testing.T) {
		s := startInStream(t, WithPullMode())
		defer stopStream(t, s.Stop)

		invoked := make(chan struct{}, 1)
		s.OnMessage(func(cell *contracts.Cell) error {
			invoked <- struct{}{}
			return nil
		})

		require.NoError(t, s.Receive(mustCell(t, "p")))

		cell, err := s.Pull()
		require.NoError(t, err)
		require.NotNil(t, cell)
		assert.Equal(t, "p", cell.Payload())

		select {
		case <-invoked:
			t.Fatal("pull mode must not push to handlers")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("pull on an empty buffer returns nil without error", func(t *testing.T) {
		s := startInStream(t, WithPullMode())
		defer stopStream(t, s.Stop)

		cell, err := s.Pull()

		require.NoError(t, err)
		assert.Nil(t, cell)
	})

	t.Run("pull on a push-mode stream fails", func(t *testing.T) {
		s := startInStream(t)
		defer stopStream(t, s.Stop)

		_, err := s.Pull()

		assert.ErrorIs(t, err, ErrPullModeOnly)
	})

	t.Run("pull batch takes up to n cells from the head", func(t *testing.T) {
		s := startInStream(t, WithPullMode())
		defer stopStream(t, s.Stop)

		for i := 0; i < 3; i++ {
			require.NoError(t, s.Receive(mustCell(t, i)))
		}

		cells, err := s.PullBatch(2)
		require.NoError(t, err)
		require.Len(t, cells, 2)
		assert.Equal(t, 0, cells[0].Payload())
		assert.Equal(t, 1, cells[1].Payload())

		cells, err = s.PullBatch(5)
		require.NoError(t, err)
		assert.Len(t, cells, 1)
	})

	t.Run("priority mode orders the buffer by priority then arrival", func(t *testing.T) {
		s := startInStream(t, WithPullMode(), WithPriorityMode())
		defer stopStream(t, s.Stop)

		low, err := contracts.NewCell("low")
		require.NoError(t, err)
		high, err := contracts.NewCell("high", contracts.WithPriority(10))
		require.NoError(t, err)
		mid, err := contracts.NewCell("mid", contracts.WithPriority(5))
		require.NoError(t, err)

		require.NoError(t, s.Receive(low))
		require.NoError(t, s.Receive(high))
		require.NoError(t, s.Receive(mid))

		cells, err := s.PullBatch(3)
		require.NoError(t, err)
		require.Len(t, cells, 3)
		assert.Equal(t, "high", cells[0].Payload())
		assert.Equal(t, "mid", cells[1].Payload())
		assert.Equal(t, "low", cells[2].Payload())
	})
}

func TestInStreamStats(t *testing.T) {
	t.Run("counters track the consumer flow", func(t *testing.T) {
		s := startInStream(t, WithAutoAck())
		processed := make(chan struct{}, 2)
		s.OnMessage(func(cell *contracts.Cell) error {
			processed <- struct{}{}
			return nil
		})

		require.NoError(t, s.Receive(mustCell(t, "a")))
		require.NoError(t, s.Receive(mustCell(t, "b")))
		<-processed
		<-processed
		stopStream(t, s.Stop)

		stats := s.GetStats()
		assert.Equal(t, uint64(2), stats.Received)
		assert.Equal(t, uint64(2), stats.Processed)
		assert.Equal(t, uint64(2), stats.Acknowledged)
		assert.Zero(t, stats.Dropped)
	})
}
