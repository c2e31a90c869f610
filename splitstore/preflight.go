package splitstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/snapflowio/streamfetch/logger"
	"github.com/snapflowio/streamfetch/offset"
	"github.com/snapflowio/streamfetch/split"
)

var (
	ErrSlotNotFound      = errors.New("replication slot not found")
	ErrSlotNotLogical    = errors.New("replication slot is not logical")
	ErrSlotAdvanced      = errors.New("replication slot already confirmed past the startup offset")
	ErrSlotWALLost       = errors.New("replication slot lost required WAL")
	ErrTableNotPublished = errors.New("table not in publication")
)

type SlotInfo struct {
	Name              string
	Type              string
	WalStatus         string
	RestartLSN        offset.LSN
	ConfirmedFlushLSN offset.LSN
	CurrentLSN        offset.LSN
	ActivePID         int32
	Active            bool
}

// Lag is how far the slot's confirmed position trails the server.
func (i *SlotInfo) Lag() uint64 {
	if i.CurrentLSN < i.ConfirmedFlushLSN {
		return 0
	}
	return uint64(i.CurrentLSN - i.ConfirmedFlushLSN)
}

func (s *Store) Slot(ctx context.Context) (*SlotInfo, error) {
	const query = `SELECT slot_name, slot_type, active, active_pid, restart_lsn, confirmed_flush_lsn, wal_status, pg_current_wal_lsn() AS current_lsn FROM pg_replication_slots WHERE slot_name = $1`

	var (
		info                          SlotInfo
		activePID                     sql.NullInt32
		restart, confirmed, walStatus sql.NullString
		current                       string
	)
	err := s.db.QueryRowContext(ctx, query, s.slotName).Scan(&info.Name, &info.Type, &info.Active, &activePID, &restart, &confirmed, &walStatus, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSlotNotFound, s.slotName)
	}
	if err != nil {
		return nil, fmt.Errorf("query replication slot: %w", err)
	}

	info.ActivePID = activePID.Int32
	info.WalStatus = walStatus.String

	for _, f := range []struct {
		src sql.NullString
		dst *offset.LSN
	}{
		{restart, &info.RestartLSN},
		{confirmed, &info.ConfirmedFlushLSN},
		{sql.NullString{String: current, Valid: true}, &info.CurrentLSN},
	} {
		if !f.src.Valid {
			continue
		}
		if *f.dst, err = offset.ParseLSN(f.src.String); err != nil {
			return nil, fmt.Errorf("replication slot %s: %w", s.slotName, err)
		}
	}

	return &info, nil
}

// CheckResumable verifies the slot can still stream from startup. Postgres
// silently starts a logical slot at its confirmed position when asked for
// an earlier one, which would skip changes the split still needs.
func (s *Store) CheckResumable(ctx context.Context, startup offset.LSN) error {
	info, err := s.Slot(ctx)
	if err != nil {
		return err
	}

	if info.Type != "logical" {
		return fmt.Errorf("%w: %s is %s", ErrSlotNotLogical, info.Name, info.Type)
	}
	if info.WalStatus == "lost" {
		return fmt.Errorf("%w: %s", ErrSlotWALLost, info.Name)
	}
	if info.ConfirmedFlushLSN > startup {
		return fmt.Errorf("%w: %s confirmed %s, startup offset %s", ErrSlotAdvanced, info.Name, info.ConfirmedFlushLSN, startup)
	}

	logger.Debug("[splitstore] replication slot checked", "slot", info.Name, "active", info.Active, "confirmedFlushLSN", info.ConfirmedFlushLSN.String(), "lag", info.Lag())
	return nil
}

func (s *Store) PublishedTables(ctx context.Context, publication string) ([]split.TableID, error) {
	const query = `SELECT schemaname, tablename FROM pg_publication_tables WHERE pubname = $1 ORDER BY schemaname, tablename`

	rows, err := s.db.QueryContext(ctx, query, publication)
	if err != nil {
		return nil, fmt.Errorf("query publication tables: %w", err)
	}
	defer rows.Close()

	var tables []split.TableID
	for rows.Next() {
		var t split.TableID
		if err := rows.Scan(&t.Schema, &t.Table); err != nil {
			return nil, fmt.Errorf("scan publication table: %w", err)
		}
		tables = append(tables, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate publication tables: %w", err)
	}
	return tables, nil
}

// CheckPublication reports every table of the split the publication does not
// replicate.
func (s *Store) CheckPublication(ctx context.Context, publication string, unit *split.IncrementalSplit) error {
	published, err := s.PublishedTables(ctx, publication)
	if err != nil {
		return err
	}

	set := make(map[split.TableID]struct{}, len(published))
	for _, t := range published {
		set[t] = struct{}{}
	}

	var errs error
	for _, t := range unit.TableIDs {
		if _, ok := set[t]; !ok {
			errs = errors.Join(errs, fmt.Errorf("%w %s: %s", ErrTableNotPublished, publication, t))
		}
	}
	return errs
}
