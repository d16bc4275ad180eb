package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/amsd/internal/mams"
)

// TestQueueOrder verifies a single consumer sees events in push order.
func TestQueueOrder(t *testing.T) {
	q := NewQueue(8)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.PushMsg(&mams.Message{Type: mams.Heartbeat, Memo: int32(i)}))
	}
	require.NoError(t, q.PushCrash("Stopped"))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		evt, err := q.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, MsgEvt, evt.Kind)
		assert.Equal(t, int32(i), evt.Msg.Memo)
	}
	evt, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, CrashEvt, evt.Kind)
	assert.Equal(t, "Stopped", evt.Reason)
}

// TestQueueBounded verifies producers are refused rather than blocked at capacity.
func TestQueueBounded(t *testing.T) {
	q := NewQueue(2)
	require.NoError(t, q.PushCrash("a"))
	require.NoError(t, q.PushCrash("b"))
	assert.ErrorIs(t, q.PushCrash("c"), ErrQueueFull)
	assert.Equal(t, 2, q.Len())
}

// TestQueueClose verifies Close wakes a blocked consumer and refuses producers.
func TestQueueClose(t *testing.T) {
	q := NewQueue(0)

	var wg sync.WaitGroup
	wg.Add(1)
	var nextErr error
	go func() {
		defer wg.Done()
		_, nextErr = q.Next(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()
	q.Close()
	wg.Wait()

	assert.ErrorIs(t, nextErr, ErrQueueClosed)
	assert.ErrorIs(t, q.PushCrash("late"), ErrQueueClosed)
}

// TestQueueContext verifies Next honours context cancellation.
func TestQueueContext(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestQueueConcurrentProducers verifies no events are lost under concurrent pushes.
func TestQueueConcurrentProducers(t *testing.T) {
	q := NewQueue(1000)
	var wg sync.WaitGroup
	for p := 0; p < 10; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				assert.NoError(t, q.PushMsg(&mams.Message{Type: mams.Heartbeat}))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000, q.Len())
}
