package streamfetch

import (
	"context"
	"errors"
	"fmt"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/snapflowio/streamfetch/config"
	"github.com/snapflowio/streamfetch/filter"
	"github.com/snapflowio/streamfetch/logger"
	"github.com/snapflowio/streamfetch/message"
	"github.com/snapflowio/streamfetch/queue"
	"github.com/snapflowio/streamfetch/source"
	"github.com/snapflowio/streamfetch/split"
)

var (
	ErrFetcherClosed = errors.New("stream fetcher closed")
	ErrWorkerBusy    = errors.New("previous fetch task is still running")
	ErrReadSplit     = errors.New("read split failed")
)

// ReadError is the sticky failure of a fetch task. Once recorded, every poll
// returns it until a new split is submitted.
type ReadError struct {
	Split *split.IncrementalSplit
	Cause error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read split %s error due to %v", e.Split, e.Cause)
}

func (e *ReadError) Unwrap() error {
	return e.Cause
}

func (e *ReadError) Is(target error) bool {
	return target == ErrReadSplit
}

type Option func(*Fetcher)

func WithCloseTimeout(timeout time.Duration) Option {
	return func(f *Fetcher) {
		if timeout > 0 {
			f.closeTimeout = timeout
		}
	}
}

// Fetcher merges the live change stream of an incremental split with the
// split's completed snapshot chunks. Submit, Poll and Close must be called
// from one goroutine; the fetch task runs on a dedicated worker goroutine and
// hands events over through the context queue only.
type Fetcher struct {
	taskCtx      source.TaskContext
	workerID     string
	closeTimeout time.Duration

	task         source.FetchTask
	currentSplit *split.IncrementalSplit
	state        *filter.State
	queue        *queue.Queue

	workerDone   chan struct{}
	cancelWorker context.CancelFunc
	readErr      atomic.Pointer[ReadError]

	emitted     map[filter.Reason]prometheus.Counter
	dropped     map[filter.Reason]prometheus.Counter
	transitions prometheus.Counter
	batchSize   prometheus.Observer

	closed    atomic.Bool
	closeOnce sync.Once
}

func New(taskCtx source.TaskContext, workerID string, opts ...Option) *Fetcher {
	f := &Fetcher{
		taskCtx:      taskCtx,
		workerID:     workerID,
		closeTimeout: config.DefaultCloseTimeout,
		emitted:      make(map[filter.Reason]prometheus.Counter),
		dropped:      make(map[filter.Reason]prometheus.Counter),
		transitions:  pureStreamTransitionsTotal.WithLabelValues(workerID),
		batchSize:    pollBatchSize.WithLabelValues(workerID),
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// NewFromConfig builds a fetcher over the default task context.
func NewFromConfig(cfg config.FetcherConfig) *Fetcher {
	return New(source.NewContext(cfg), cfg.WorkerID, WithCloseTimeout(cfg.CloseTimeout))
}

func (f *Fetcher) WorkerName() string {
	return "stream-reader-" + f.workerID
}

// Submit assigns a new split and starts its fetch task in the background. It
// does not wait for the task to make progress.
func (f *Fetcher) Submit(task source.FetchTask) error {
	if f.closed.Load() {
		return ErrFetcherClosed
	}

	if task == nil {
		return errors.New("submit: fetch task cannot be nil")
	}

	if f.workerAlive() {
		return ErrWorkerBusy
	}

	unit := task.Split()
	if err := unit.Validate(); err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	state := filter.Build(unit)

	if err := f.taskCtx.Configure(unit); err != nil {
		return fmt.Errorf("configure task context: %w", err)
	}

	f.task = task
	f.currentSplit = unit
	f.state = state
	f.queue = f.taskCtx.Queue()
	f.readErr.Store(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	f.cancelWorker = cancel
	f.workerDone = done

	go f.runWorker(ctx, task, unit, done)

	logger.Info("[fetcher] stream read task submitted", "worker", f.WorkerName(), "split", unit.ID, "startupOffset", unit.StartupOffset.String(), "completedSplits", len(unit.CompletedSnapshotSplitInfos))
	return nil
}

func (f *Fetcher) runWorker(ctx context.Context, task source.FetchTask, unit *split.IncrementalSplit, done chan struct{}) {
	defer close(done)

	pprof.Do(ctx, pprof.Labels("worker", f.WorkerName()), func(ctx context.Context) {
		err := f.execute(ctx, task)
		if err == nil {
			logger.Debug("[fetcher] stream read task finished", "worker", f.WorkerName(), "split", unit.ID)
			return
		}

		if f.closed.Load() {
			logger.Debug("[fetcher] stream read task stopped during close", "worker", f.WorkerName(), "split", unit.ID, "error", err)
			return
		}

		logger.Error(fmt.Sprintf("[fetcher] execute stream read task for incremental split %s fail", unit), "worker", f.WorkerName(), "error", err)
		workerFailuresTotal.WithLabelValues(f.workerID).Inc()
		f.readErr.Store(&ReadError{Split: unit, Cause: err})
	})
}

func (f *Fetcher) execute(ctx context.Context, task source.FetchTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch task panicked: %v", r)
		}
	}()

	return task.Execute(ctx, f.taskCtx)
}

func (f *Fetcher) workerAlive() bool {
	if f.workerDone == nil {
		return false
	}

	select {
	case <-f.workerDone:
		return false
	default:
		return true
	}
}

// IsFinished reports whether there is nothing left to poll: no split was
// submitted or its task stopped running.
func (f *Fetcher) IsFinished() bool {
	return f.currentSplit == nil || !f.task.IsRunning()
}

// Poll drains one batch from the queue and returns the events that are new
// with respect to the snapshot. It always returns exactly one batch, which
// may be empty. A recorded task failure is returned instead, on this and
// every later poll.
func (f *Fetcher) Poll(ctx context.Context) ([]message.Batch, error) {
	if err := f.checkReadException(); err != nil {
		return nil, err
	}

	if f.closed.Load() {
		return nil, ErrFetcherClosed
	}

	records := make(message.Batch, 0)
	if f.task != nil && f.task.IsRunning() {
		batch, err := f.queue.Poll(ctx)
		if err != nil {
			return nil, fmt.Errorf("poll change event queue: %w", err)
		}

		for _, event := range batch {
			if f.shouldEmit(event) {
				records = append(records, event)
			}
		}
	}

	f.batchSize.Observe(float64(len(records)))
	return []message.Batch{records}, nil
}

func (f *Fetcher) checkReadException() error {
	if readErr := f.readErr.Load(); readErr != nil {
		return readErr
	}
	return nil
}

func (f *Fetcher) shouldEmit(event *message.ChangeEvent) bool {
	decision := f.state.ShouldEmit(f.taskCtx, event)

	if decision.Reason == filter.ReasonWatermarkCrossed {
		f.transitions.Inc()
		logger.Info("[fetcher] table entered pure stream phase", "worker", f.WorkerName(), "table", event.TableID.String(), "position", event.Position.String())
	}

	f.eventCounter(decision).Inc()
	return decision.Emit
}

func (f *Fetcher) eventCounter(decision filter.Decision) prometheus.Counter {
	counters, outcome := f.dropped, "dropped"
	if decision.Emit {
		counters, outcome = f.emitted, "emitted"
	}

	c, ok := counters[decision.Reason]
	if !ok {
		c = eventsTotal.WithLabelValues(f.workerID, outcome, string(decision.Reason))
		counters[decision.Reason] = c
	}
	return c
}

func (f *Fetcher) CurrentSplit() *split.IncrementalSplit {
	return f.currentSplit
}

// PureStreamTables lists the tables of the current split whose events are no
// longer checked against the snapshot.
func (f *Fetcher) PureStreamTables() []split.TableID {
	if f.state == nil {
		return nil
	}
	return f.state.PureStreamTables()
}

// Close releases the task context, stops the fetch task and waits up to the
// close timeout for the worker. A worker that outlives the timeout has its
// context cancelled and is abandoned. Close never fails; problems are logged.
func (f *Fetcher) Close() {
	f.closeOnce.Do(f.close)
}

func (f *Fetcher) close() {
	f.closed.Store(true)

	f.safely("close task context", func() error {
		if f.taskCtx == nil {
			return nil
		}
		if err := f.taskCtx.Close(); err != nil && !errors.Is(err, source.ErrNotConfigured) {
			return err
		}
		return nil
	})

	f.safely("shutdown stream read task", func() error {
		if f.task != nil {
			f.task.Shutdown()
		}
		return nil
	})

	if f.workerDone == nil {
		return
	}
	defer f.cancelWorker()

	timer := time.NewTimer(f.closeTimeout)
	defer timer.Stop()

	select {
	case <-f.workerDone:
		logger.Debug("[fetcher] stream fetcher closed", "worker", f.WorkerName())
	case <-timer.C:
		logger.Warn(fmt.Sprintf("[fetcher] failed to close the stream fetcher in %s, forcing cancellation of the stream read task", f.closeTimeout), "worker", f.WorkerName())
		closeTimeoutsTotal.WithLabelValues(f.workerID).Inc()
	}
}

func (f *Fetcher) safely(step string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[fetcher] close stream fetcher error", "step", step, "worker", f.WorkerName(), "error", fmt.Errorf("panic: %v", r))
		}
	}()

	if err := fn(); err != nil {
		logger.Error("[fetcher] close stream fetcher error", "step", step, "worker", f.WorkerName(), "error", err)
	}
}
