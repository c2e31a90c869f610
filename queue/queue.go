package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/snapflowio/streamfetch/message"
)

var ErrClosed = errors.New("queue closed")

// Queue is a bounded hand-off between the producer goroutine and the poller.
type Queue struct {
	events       chan *message.ChangeEvent
	closeCh      chan struct{}
	maxBatchSize int
	pollInterval time.Duration
	closeOnce    sync.Once
}

func New(capacity, maxBatchSize int, pollInterval time.Duration) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	if maxBatchSize <= 0 {
		maxBatchSize = capacity
	}

	return &Queue{
		events:       make(chan *message.ChangeEvent, capacity),
		closeCh:      make(chan struct{}),
		maxBatchSize: maxBatchSize,
		pollInterval: pollInterval,
	}
}

// Enqueue blocks while the queue is full.
func (q *Queue) Enqueue(ctx context.Context, event *message.ChangeEvent) error {
	select {
	case <-q.closeCh:
		return ErrClosed
	default:
	}

	select {
	case q.events <- event:
		return nil
	case <-q.closeCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll waits at most the poll interval for the first event, then drains what
// is already queued up to the max batch size. An empty batch is not an error.
func (q *Queue) Poll(ctx context.Context) (message.Batch, error) {
	batch := make(message.Batch, 0, min(q.maxBatchSize, len(q.events)+1))

	timer := time.NewTimer(q.pollInterval)
	defer timer.Stop()

	select {
	case e := <-q.events:
		batch = append(batch, e)
	case <-timer.C:
		return batch, nil
	case <-q.closeCh:
		return q.drain(batch), nil
	case <-ctx.Done():
		return batch, ctx.Err()
	}

	return q.drain(batch), nil
}

func (q *Queue) drain(batch message.Batch) message.Batch {
	for len(batch) < q.maxBatchSize {
		select {
		case e := <-q.events:
			batch = append(batch, e)
		default:
			return batch
		}
	}
	return batch
}

// Close stops further enqueues. Events already queued can still be polled.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closeCh)
	})
}

func (q *Queue) Len() int {
	return len(q.events)
}

func (q *Queue) Cap() int {
	return cap(q.events)
}
