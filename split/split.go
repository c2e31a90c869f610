package split

import (
	"errors"
	"fmt"
	"strings"

	"github.com/snapflowio/streamfetch/offset"
)

// Watermark bounds the log window during which one snapshot chunk was read.
type Watermark struct {
	Low  offset.Offset
	High offset.Offset
}

func (w Watermark) String() string {
	return fmt.Sprintf("[%v, %v]", w.Low, w.High)
}

// CompletedSnapshotSplitInfo describes one finished chunk of a table's
// snapshot read. The chunk covers keys in [SplitStart, SplitEnd).
type CompletedSnapshotSplitInfo struct {
	SplitID    string
	TableID    TableID
	SplitStart Key
	SplitEnd   Key
	Watermark  Watermark
}

func (c CompletedSnapshotSplitInfo) Validate() error {
	var err error
	if c.TableID.Table == "" {
		err = errors.Join(err, fmt.Errorf("completed split %q: table cannot be empty", c.SplitID))
	}
	if c.Watermark.High == nil {
		err = errors.Join(err, fmt.Errorf("completed split %q: high watermark cannot be nil", c.SplitID))
	}
	if c.SplitStart != nil && c.SplitEnd != nil && CompareKeys(c.SplitStart, c.SplitEnd) > 0 {
		err = errors.Join(err, fmt.Errorf("completed split %q: start %s is after end %s", c.SplitID, c.SplitStart, c.SplitEnd))
	}
	return err
}

// IncrementalSplit is the unit of work handed to one stream fetcher. It must
// not be modified once submitted.
type IncrementalSplit struct {
	ID                          string
	TableIDs                    []TableID
	StartupOffset               offset.Offset
	CompletedSnapshotSplitInfos []CompletedSnapshotSplitInfo
}

func (s *IncrementalSplit) String() string {
	if s == nil {
		return "IncrementalSplit<nil>"
	}

	tables := make([]string, len(s.TableIDs))
	for i, t := range s.TableIDs {
		tables[i] = t.String()
	}

	return fmt.Sprintf("IncrementalSplit{id=%s, tables=[%s], startupOffset=%v, completedSplits=%d}",
		s.ID, strings.Join(tables, ","), s.StartupOffset, len(s.CompletedSnapshotSplitInfos))
}

func (s *IncrementalSplit) Validate() error {
	if s == nil {
		return errors.New("incremental split cannot be nil")
	}

	var err error
	if strings.TrimSpace(s.ID) == "" {
		err = errors.Join(err, errors.New("split id cannot be empty"))
	}
	if s.StartupOffset == nil {
		err = errors.Join(err, errors.New("startup offset cannot be nil"))
	}
	for _, info := range s.CompletedSnapshotSplitInfos {
		if cErr := info.Validate(); cErr != nil {
			err = errors.Join(err, cErr)
		}
	}
	return err
}
