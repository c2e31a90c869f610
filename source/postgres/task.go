package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/lib/pq"
	"github.com/snapflowio/streamfetch/config"
	"github.com/snapflowio/streamfetch/logger"
	"github.com/snapflowio/streamfetch/message"
	"github.com/snapflowio/streamfetch/offset"
	"github.com/snapflowio/streamfetch/queue"
	"github.com/snapflowio/streamfetch/source"
	"github.com/snapflowio/streamfetch/split"
)

var (
	ErrSlotInUse         = errors.New("replication slot in use")
	ErrUnsupportedOffset = errors.New("startup offset is not a postgres LSN")
)

const closeConnTimeout = 5 * time.Second

// Conn is the part of a replication connection the task uses.
// *pgconn.PgConn implements it.
type Conn interface {
	ReceiveMessage(ctx context.Context) (pgproto3.BackendMessage, error)
	Frontend() *pgproto3.Frontend
	Close(ctx context.Context) error
}

type Dialer func(ctx context.Context, dsn string) (Conn, error)

func dialPostgres(ctx context.Context, dsn string) (Conn, error) {
	conn, err := pgconn.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type TaskOption func(*Task)

func WithDialer(dial Dialer) TaskOption {
	return func(t *Task) {
		if dial != nil {
			t.dial = dial
		}
	}
}

// WithConnectDelay sets the base back-off between connection attempts.
func WithConnectDelay(d time.Duration) TaskOption {
	return func(t *Task) {
		t.connectDelay = d
	}
}

// Task streams pgoutput changes of one incremental split from a logical
// replication slot into the run context queue.
type Task struct {
	cfg          config.PostgresConfig
	dsn          string
	unit         *split.IncrementalSplit
	dial         Dialer
	connectDelay time.Duration

	decoder *Decoder
	written offset.LSN
	flushed atomic.Uint64

	running  atomic.Bool
	stopping atomic.Bool
	mu       sync.Mutex
	cancel   context.CancelFunc
}

func NewTask(cfg *config.Config, unit *split.IncrementalSplit, opts ...TaskOption) *Task {
	t := &Task{
		cfg:          cfg.Postgres,
		dsn:          cfg.ReplicationDSN(),
		unit:         unit,
		dial:         dialPostgres,
		connectDelay: 100 * time.Millisecond,
		decoder:      NewDecoder(),
	}
	if t.cfg.StandbyTimeout <= 0 {
		t.cfg.StandbyTimeout = config.DefaultStandbyTimeout
	}
	t.running.Store(true)

	for _, opt := range opts {
		opt(t)
	}

	return t
}

var _ source.FetchTask = (*Task)(nil)

func (t *Task) Split() *split.IncrementalSplit {
	return t.unit
}

func (t *Task) IsRunning() bool {
	return t.running.Load()
}

// Shutdown asks a running Execute to return. It does not wait.
func (t *Task) Shutdown() {
	t.stopping.Store(true)
	t.running.Store(false)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
}

// Acknowledge advances the flushed position reported to the server, which
// lets it recycle WAL up to lsn.
func (t *Task) Acknowledge(lsn offset.LSN) {
	for {
		cur := t.flushed.Load()
		if uint64(lsn) <= cur || t.flushed.CompareAndSwap(cur, uint64(lsn)) {
			return
		}
	}
}

func (t *Task) Execute(ctx context.Context, taskCtx source.TaskContext) error {
	defer t.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !t.bind(cancel) {
		return nil
	}

	start, ok := t.unit.StartupOffset.(offset.LSN)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnsupportedOffset, t.unit.StartupOffset)
	}

	conn, err := t.connect(ctx)
	if err != nil {
		return t.stopped(err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeConnTimeout)
		defer cancel()
		_ = conn.Close(closeCtx)
		logger.Debug("[postgres] replication connection closed", "split", t.unit.ID)
	}()

	if err := t.startReplication(ctx, conn, start); err != nil {
		return t.stopped(err)
	}

	t.written = start
	t.Acknowledge(start)
	logger.Info("[postgres] replication started", "slot", t.cfg.SlotName, "publication", t.cfg.PublicationName, "startLSN", start.String(), "split", t.unit.ID)

	return t.stopped(t.stream(ctx, conn, taskCtx.Queue()))
}

func (t *Task) bind(cancel context.CancelFunc) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopping.Load() {
		return false
	}
	t.cancel = cancel
	return true
}

func (t *Task) stopped(err error) error {
	if err != nil && t.stopping.Load() {
		logger.Debug("[postgres] replication stopped", "split", t.unit.ID, "error", err)
		return nil
	}
	return err
}

func (t *Task) connect(ctx context.Context) (Conn, error) {
	var conn Conn

	err := retry.Do(
		func() error {
			c, err := t.dial(ctx, t.dsn)
			if err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			conn = c
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(max(t.cfg.ConnectAttempts, 1)),
		retry.Delay(t.connectDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("[postgres] replication connection failed, retrying", "attempt", n+1, "host", t.cfg.Host, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("replication connection: %w", err)
	}

	return conn, nil
}

func (t *Task) startReplication(ctx context.Context, conn Conn, start offset.LSN) error {
	pluginArguments := []string{
		"proto_version '1'",
		"publication_names " + pq.QuoteLiteral(t.cfg.PublicationName),
	}

	sql := fmt.Sprintf("START_REPLICATION SLOT %s LOGICAL %s (%s)", pq.QuoteIdentifier(t.cfg.SlotName), start, strings.Join(pluginArguments, ", "))
	conn.Frontend().SendQuery(&pgproto3.Query{String: sql})
	if err := conn.Frontend().Flush(); err != nil {
		return fmt.Errorf("start replication: %w", err)
	}

	for {
		msg, err := conn.ReceiveMessage(ctx)
		if err != nil {
			return fmt.Errorf("start replication: %w", err)
		}

		switch msg := msg.(type) {
		case *pgproto3.CopyBothResponse:
			return nil
		case *pgproto3.NoticeResponse:
		case *pgproto3.ErrorResponse:
			pgErr := pgconn.ErrorResponseToPgError(msg)
			if pgErr.Code == "55006" {
				return ErrSlotInUse
			}
			return fmt.Errorf("start replication: %w", pgErr)
		default:
			return fmt.Errorf("start replication: unexpected response type: %T", msg)
		}
	}
}

func (t *Task) stream(ctx context.Context, conn Conn, q *queue.Queue) error {
	nextStatus := time.Now().Add(t.cfg.StandbyTimeout)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !time.Now().Before(nextStatus) {
			if err := t.sendStandbyStatus(conn); err != nil {
				return err
			}
			nextStatus = time.Now().Add(t.cfg.StandbyTimeout)
		}

		msgCtx, cancel := context.WithDeadline(ctx, nextStatus)
		raw, err := conn.ReceiveMessage(msgCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return fmt.Errorf("receive message: %w", err)
		}

		switch msg := raw.(type) {
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("replication stream: %w", pgconn.ErrorResponseToPgError(msg))
		case *pgproto3.CopyData:
			replyNow, err := t.handleCopyData(ctx, msg.Data, q)
			if err != nil {
				return err
			}
			if replyNow {
				nextStatus = time.Time{}
			}
		default:
			logger.Warn(fmt.Sprintf("[postgres] received unexpected message: %T", raw))
		}
	}
}

func (t *Task) handleCopyData(ctx context.Context, data []byte, q *queue.Queue) (bool, error) {
	if len(data) == 0 {
		return false, nil
	}

	switch data[0] {
	case PrimaryKeepaliveMessageByteID:
		pkm, err := ParsePrimaryKeepalive(data[1:])
		if err != nil {
			return false, fmt.Errorf("parse primary keepalive: %w", err)
		}
		heartbeat := &message.ChangeEvent{Kind: message.KindHeartbeat, Position: pkm.ServerWALEnd, ServerTime: pkm.ServerTime}
		if err := q.Enqueue(ctx, heartbeat); err != nil {
			return false, err
		}
		return pkm.ReplyRequested, nil
	case XLogDataByteID:
		xld, err := ParseXLogData(data[1:])
		if err != nil {
			return false, fmt.Errorf("parse xlog data: %w", err)
		}

		events, err := t.decoder.Decode(xld.WALData, xld.WALStart, xld.ServerTime)
		if err != nil {
			return false, fmt.Errorf("decode wal message at %s: %w", xld.WALStart, err)
		}

		logger.Trace("[postgres] wal received", "walStart", xld.WALStart.String(), "walEnd", xld.ServerWALEnd.String(), "events", len(events))

		for _, e := range events {
			if err := q.Enqueue(ctx, e); err != nil {
				return false, err
			}
		}
		if xld.WALStart > t.written {
			t.written = xld.WALStart
		}
		return false, nil
	default:
		logger.Warn(fmt.Sprintf("[postgres] unknown copy data message: %c", data[0]))
		return false, nil
	}
}

func (t *Task) sendStandbyStatus(conn Conn) error {
	flushed := offset.LSN(t.flushed.Load())
	buf, err := EncodeStandbyStatusUpdate(t.written, flushed, time.Now())
	if err != nil {
		return fmt.Errorf("encode standby status update: %w", err)
	}

	if err := conn.Frontend().SendUnbufferedEncodedCopyData(buf); err != nil {
		return fmt.Errorf("send standby status update: %w", err)
	}

	logger.Debug("[postgres] sent standby status update", "written", t.written.String(), "flushed", flushed.String())
	return nil
}
