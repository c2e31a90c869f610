package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/snapflowio/streamfetch/message"
	"github.com/snapflowio/streamfetch/offset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(pos uint64) *message.ChangeEvent {
	return &message.ChangeEvent{Kind: message.KindInsert, Position: offset.LSN(pos)}
}

func TestPollDrainsUpToMaxBatch(t *testing.T) {
	q := New(10, 3, time.Second)
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, q.Enqueue(ctx, event(i)))
	}

	batch, err := q.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, offset.LSN(1), batch[0].Position)

	batch, err = q.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, offset.LSN(5), batch[1].Position)
	assert.Equal(t, 0, q.Len())
}

func TestPollEmptyReturnsAfterInterval(t *testing.T) {
	q := New(4, 4, 20*time.Millisecond)

	start := time.Now()
	batch, err := q.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestPollHonoursContext(t *testing.T) {
	q := New(4, 4, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Poll(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestEnqueueBlocksWhenFull(t *testing.T) {
	q := New(1, 1, time.Second)
	require.NoError(t, q.Enqueue(context.Background(), event(1)))
	assert.Equal(t, 1, q.Cap())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := q.Enqueue(ctx, event(2))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestCloseUnblocksProducerAndKeepsQueuedEvents(t *testing.T) {
	q := New(1, 8, time.Minute)
	require.NoError(t, q.Enqueue(context.Background(), event(1)))

	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(context.Background(), event(2))
	}()

	q.Close()
	q.Close()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("enqueue still blocked after close")
	}

	batch, err := q.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, offset.LSN(1), batch[0].Position)

	batch, err = q.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, batch)
}
