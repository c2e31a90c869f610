package source

import (
	"context"

	"github.com/snapflowio/streamfetch/filter"
	"github.com/snapflowio/streamfetch/queue"
	"github.com/snapflowio/streamfetch/split"
)

// TaskContext is the run context shared by a fetcher and its fetch task.
type TaskContext interface {
	filter.Inspector

	// Configure prepares the context for a new split and replaces its queue.
	Configure(unit *split.IncrementalSplit) error
	Queue() *queue.Queue
	Close() error
}

// FetchTask reads the change stream of one split into the context queue.
type FetchTask interface {
	// Execute blocks until Shutdown is called, ctx is cancelled, or the task
	// fails.
	Execute(ctx context.Context, taskCtx TaskContext) error
	Shutdown()
	IsRunning() bool
	Split() *split.IncrementalSplit
}
