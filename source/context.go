package source

import (
	"errors"
	"sync"

	"github.com/snapflowio/streamfetch/config"
	"github.com/snapflowio/streamfetch/message"
	"github.com/snapflowio/streamfetch/offset"
	"github.com/snapflowio/streamfetch/queue"
	"github.com/snapflowio/streamfetch/split"
)

var ErrNotConfigured = errors.New("task context not configured")

type taskContext struct {
	cfg   config.FetcherConfig
	queue *queue.Queue
	unit  *split.IncrementalSplit
	mu    sync.RWMutex
}

// NewContext returns the default run context. Event kinds decide data
// mutations and keys are compared with split.CompareKeys.
func NewContext(cfg config.FetcherConfig) TaskContext {
	return &taskContext{cfg: cfg}
}

func (c *taskContext) Configure(unit *split.IncrementalSplit) error {
	if unit == nil {
		return errors.New("configure: split cannot be nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.queue != nil {
		c.queue.Close()
	}

	c.unit = unit
	c.queue = queue.New(c.cfg.QueueCapacity, c.cfg.MaxBatchSize, c.cfg.PollInterval)
	return nil
}

func (c *taskContext) Queue() *queue.Queue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queue
}

func (c *taskContext) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.queue == nil {
		return ErrNotConfigured
	}
	c.queue.Close()
	return nil
}

func (c *taskContext) IsDataChangeRecord(event *message.ChangeEvent) bool {
	return event.Kind.IsDataMutation()
}

func (c *taskContext) StreamOffset(event *message.ChangeEvent) offset.Offset {
	return event.Position
}

func (c *taskContext) IsExactlyOnce() bool {
	return c.cfg.IsExactlyOnce()
}

func (c *taskContext) IsRecordBetween(event *message.ChangeEvent, start, end split.Key) bool {
	return split.InRange(event.Key, start, end)
}
