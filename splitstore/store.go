// Package splitstore assembles incremental splits from the snapshot metadata
// tables written by the chunked snapshotter.
package splitstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/lib/pq"
	"github.com/snapflowio/streamfetch/config"
	"github.com/snapflowio/streamfetch/logger"
	"github.com/snapflowio/streamfetch/offset"
	"github.com/snapflowio/streamfetch/split"
)

const (
	jobTableName    = "cdc_snapshot_job"
	chunksTableName = "cdc_snapshot_chunks"
)

var (
	ErrJobNotFound      = errors.New("snapshot job not found")
	ErrJobNotCompleted  = errors.New("snapshot job not completed")
	ErrChunkNotFound    = errors.New("snapshot chunk not found")
	ErrMissingWatermark = errors.New("completed chunk has no watermark")
	// ErrUnboundedChunks is returned for a table split into several chunks
	// without key bounds; their rows cannot be told apart by key.
	ErrUnboundedChunks = errors.New("table has several chunks without key bounds")
	ErrCollationOrder  = errors.New("text key collation is not byte ordered")
)

type Option func(*Store)

// WithRetry bounds how long LoadSplit waits for the snapshot job to
// complete. Zero attempts retries until the context ends.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(s *Store) {
		s.retryAttempts = attempts
		s.retryDelay = delay
	}
}

type Store struct {
	db            *sql.DB
	slotName      string
	retryAttempts uint
	retryDelay    time.Duration
}

func New(db *sql.DB, slotName string, opts ...Option) *Store {
	s := &Store{
		db:            db,
		slotName:      slotName,
		retryAttempts: 10,
		retryDelay:    time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Open connects to the metadata database with the lib/pq driver.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", cfg.StoreDSN())
	if err != nil {
		return nil, fmt.Errorf("open split store: %w", err)
	}

	err = retry.Do(
		func() error { return db.PingContext(ctx) },
		retry.Context(ctx),
		retry.Attempts(max(cfg.Postgres.ConnectAttempts, 1)),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("[splitstore] ping failed, retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping split store: %w", err)
	}

	return New(db, cfg.Postgres.SlotName, opts...), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureWatermarkColumns adds the watermark columns to the chunk table if
// the snapshotter created it without them.
func (s *Store) EnsureWatermarkColumns(ctx context.Context) error {
	query := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS low_watermark TEXT, ADD COLUMN IF NOT EXISTS high_watermark TEXT`, pq.QuoteIdentifier(chunksTableName))
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("add watermark columns: %w", err)
	}
	return nil
}

// RecordWatermark stores the log positions bracketing the read of one chunk.
func (s *Store) RecordWatermark(ctx context.Context, table split.TableID, chunkIndex int, wm split.Watermark) error {
	if wm.Low == nil || wm.High == nil {
		return fmt.Errorf("record watermark of %s chunk %d: %w", table, chunkIndex, ErrMissingWatermark)
	}

	query := fmt.Sprintf(`UPDATE %s SET low_watermark = $1, high_watermark = $2 WHERE slot_name = $3 AND table_schema = $4 AND table_name = $5 AND chunk_index = $6`, pq.QuoteIdentifier(chunksTableName))
	res, err := s.db.ExecContext(ctx, query, wm.Low.String(), wm.High.String(), s.slotName, table.Schema, table.Table, chunkIndex)
	if err != nil {
		return fmt.Errorf("record watermark of %s chunk %d: %w", table, chunkIndex, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record watermark of %s chunk %d: %w", table, chunkIndex, err)
	}
	if n == 0 {
		return fmt.Errorf("record watermark of %s chunk %d: %w", table, chunkIndex, ErrChunkNotFound)
	}

	return nil
}

// SnapshotLSN returns the position the snapshot job was exported at. It
// waits, with back-off, for the job to complete.
func (s *Store) SnapshotLSN(ctx context.Context) (offset.LSN, error) {
	var snapshotLSN offset.LSN

	err := retry.Do(
		func() error {
			query := fmt.Sprintf(`SELECT snapshot_lsn, completed FROM %s WHERE slot_name = $1`, pq.QuoteIdentifier(jobTableName))

			var (
				lsnText   string
				completed bool
			)
			err := s.db.QueryRowContext(ctx, query, s.slotName).Scan(&lsnText, &completed)
			if errors.Is(err, sql.ErrNoRows) {
				return retry.Unrecoverable(fmt.Errorf("%w for slot %s", ErrJobNotFound, s.slotName))
			}
			if err != nil {
				return fmt.Errorf("query snapshot job: %w", err)
			}

			if !completed {
				return fmt.Errorf("%w for slot %s", ErrJobNotCompleted, s.slotName)
			}

			snapshotLSN, err = offset.ParseLSN(lsnText)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("parse snapshot LSN %q: %w", lsnText, err))
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(s.retryAttempts),
		retry.Delay(s.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("[splitstore] snapshot job not ready, retrying", "attempt", n+1, "slotName", s.slotName, "error", err)
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("fetch snapshot LSN: %w", err)
	}

	return snapshotLSN, nil
}

// LoadSplit builds the incremental split of the given tables from the
// completed chunks of the slot's snapshot job. With no tables every table
// that has completed chunks is included. The startup offset is the lowest
// low watermark, or the snapshot LSN when no chunk qualifies.
func (s *Store) LoadSplit(ctx context.Context, splitID string, tables []split.TableID) (*split.IncrementalSplit, error) {
	snapshotLSN, err := s.SnapshotLSN(ctx)
	if err != nil {
		return nil, err
	}

	wanted := make(map[split.TableID]struct{}, len(tables))
	for _, t := range tables {
		wanted[t] = struct{}{}
	}

	chunks, err := s.completedChunks(ctx, func(t split.TableID) bool {
		_, ok := wanted[t]
		return len(tables) == 0 || ok
	})
	if err != nil {
		return nil, err
	}

	unit := &split.IncrementalSplit{
		ID:       splitID,
		TableIDs: append([]split.TableID(nil), tables...),
	}

	var startup offset.Offset
	for _, c := range chunks {
		if _, seen := wanted[c.TableID]; !seen {
			wanted[c.TableID] = struct{}{}
			unit.TableIDs = append(unit.TableIDs, c.TableID)
		}

		unit.CompletedSnapshotSplitInfos = append(unit.CompletedSnapshotSplitInfos, c)
		if startup == nil || startup.IsAfter(c.Watermark.Low) {
			startup = c.Watermark.Low
		}
	}

	if startup == nil {
		startup = snapshotLSN
	}
	unit.StartupOffset = startup

	logger.Info("[splitstore] incremental split loaded", "split", splitID, "tables", len(unit.TableIDs), "completedSplits", len(unit.CompletedSnapshotSplitInfos), "startupOffset", startup.String())
	return unit, nil
}

func (s *Store) completedChunks(ctx context.Context, include func(split.TableID) bool) ([]split.CompletedSnapshotSplitInfo, error) {
	rows, err := s.scanChunks(ctx, include)
	if err != nil {
		return nil, err
	}

	type textKey struct {
		table  split.TableID
		column string
	}
	var textKeys []textKey
	for _, r := range rows {
		if r.rangeless() && r.lastIndex > 0 {
			return nil, fmt.Errorf("%w: %s has %d chunks", ErrUnboundedChunks, r.table, r.lastIndex+1)
		}
		if r.rangeStartText.Valid || r.rangeEndText.Valid {
			if !r.pkColumn.Valid {
				return nil, fmt.Errorf("chunk %s:%d has text bounds but no primary key column", r.table, r.index)
			}
			if n := len(textKeys); n == 0 || textKeys[n-1].table != r.table {
				textKeys = append(textKeys, textKey{table: r.table, column: r.pkColumn.String})
			}
		}
	}

	for _, k := range textKeys {
		if err := s.checkByteOrdered(ctx, k.table, k.column); err != nil {
			return nil, err
		}
	}

	chunks := make([]split.CompletedSnapshotSplitInfo, 0, len(rows))
	for _, r := range rows {
		info, err := r.toSplitInfo()
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, info)
	}

	return chunks, nil
}

func (s *Store) scanChunks(ctx context.Context, include func(split.TableID) bool) ([]chunkRow, error) {
	query := fmt.Sprintf(`
		SELECT table_schema, table_name, chunk_index, last_index, pk_column,
		       range_start, range_end, range_start_text, range_end_text,
		       low_watermark, high_watermark
		FROM (
			SELECT *, MAX(chunk_index) OVER (PARTITION BY table_schema, table_name) AS last_index
			FROM %s
			WHERE slot_name = $1
		) c
		WHERE c.status = 'completed'
		ORDER BY table_schema, table_name, chunk_index
	`, pq.QuoteIdentifier(chunksTableName))

	rows, err := s.db.QueryContext(ctx, query, s.slotName)
	if err != nil {
		return nil, fmt.Errorf("query completed chunks: %w", err)
	}
	defer rows.Close()

	var chunks []chunkRow
	for rows.Next() {
		var r chunkRow
		if err := rows.Scan(&r.table.Schema, &r.table.Table, &r.index, &r.lastIndex, &r.pkColumn,
			&r.rangeStart, &r.rangeEnd, &r.rangeStartText, &r.rangeEndText,
			&r.lowWatermark, &r.highWatermark); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}

		if include(r.table) {
			chunks = append(chunks, r)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}

	return chunks, nil
}

// checkByteOrdered fails unless the key column sorts by byte value, the
// order split.CompareKeys applies to strings. Text chunk bounds are computed
// by the server under the column's collation.
func (s *Store) checkByteOrdered(ctx context.Context, table split.TableID, column string) error {
	const query = `
		SELECT CASE WHEN co.collname = 'default' THEN d.datcollate ELSE co.collname END
		FROM pg_attribute a
		JOIN pg_collation co ON co.oid = a.attcollation
		JOIN pg_database d ON d.datname = current_database()
		WHERE a.attrelid = to_regclass($1) AND a.attname = $2`

	relation := pq.QuoteIdentifier(table.Schema) + "." + pq.QuoteIdentifier(table.Table)

	var collation string
	err := s.db.QueryRowContext(ctx, query, relation, column).Scan(&collation)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("collation of %s.%s: column not found", table, column)
	}
	if err != nil {
		return fmt.Errorf("collation of %s.%s: %w", table, column, err)
	}

	if !isByteOrderCollation(collation) {
		return fmt.Errorf("%w: %s.%s uses %q", ErrCollationOrder, table, column, collation)
	}
	return nil
}

func isByteOrderCollation(name string) bool {
	switch name {
	case "C", "POSIX", "ucs_basic":
		return true
	}
	// C.UTF-8 orders by code point, which matches UTF-8 byte order.
	return strings.HasPrefix(name, "C.")
}

type chunkRow struct {
	table          split.TableID
	pkColumn       sql.NullString
	index          int
	lastIndex      int
	rangeStart     sql.NullInt64
	rangeEnd       sql.NullInt64
	rangeStartText sql.NullString
	rangeEndText   sql.NullString
	lowWatermark   sql.NullString
	highWatermark  sql.NullString
}

// rangeless reports a chunk read without key bounds, such as a ctid chunk.
func (r chunkRow) rangeless() bool {
	return !r.rangeStart.Valid && !r.rangeEnd.Valid && !r.rangeStartText.Valid && !r.rangeEndText.Valid
}

// toSplitInfo converts the snapshotter's inclusive chunk range into a
// half-open key range. The first and last chunk of a table are unbounded on
// their outer side.
func (r chunkRow) toSplitInfo() (split.CompletedSnapshotSplitInfo, error) {
	info := split.CompletedSnapshotSplitInfo{
		SplitID: r.table.String() + ":" + strconv.Itoa(r.index),
		TableID: r.table,
	}

	if !r.lowWatermark.Valid || !r.highWatermark.Valid {
		return info, fmt.Errorf("chunk %s: %w", info.SplitID, ErrMissingWatermark)
	}

	low, err := offset.ParseLSN(r.lowWatermark.String)
	if err != nil {
		return info, fmt.Errorf("chunk %s low watermark: %w", info.SplitID, err)
	}
	high, err := offset.ParseLSN(r.highWatermark.String)
	if err != nil {
		return info, fmt.Errorf("chunk %s high watermark: %w", info.SplitID, err)
	}
	info.Watermark = split.Watermark{Low: low, High: high}

	if r.index > 0 {
		switch {
		case r.rangeStart.Valid:
			info.SplitStart = split.Key{r.rangeStart.Int64}
		case r.rangeStartText.Valid:
			info.SplitStart = split.Key{r.rangeStartText.String}
		}
	}

	if r.index < r.lastIndex {
		switch {
		case r.rangeEnd.Valid:
			info.SplitEnd = split.Key{r.rangeEnd.Int64 + 1}
		case r.rangeEndText.Valid:
			// The smallest string sorting after the inclusive end.
			info.SplitEnd = split.Key{r.rangeEndText.String + "\x00"}
		}
	}

	return info, nil
}
