package filter

import (
	"slices"
	"strings"

	"github.com/snapflowio/streamfetch/offset"
	"github.com/snapflowio/streamfetch/split"
)

// Phase tracks whether a table's stream events may still overlap its
// snapshot copy.
type Phase uint8

const (
	PhaseOverlap Phase = iota
	PhasePureStream
)

func (p Phase) String() string {
	if p == PhasePureStream {
		return "pure_stream"
	}
	return "overlap"
}

// State is the per-split dedup state. It is owned by the polling goroutine.
type State struct {
	startupWatermark offset.Offset
	finishedSplits   map[split.TableID][]split.CompletedSnapshotSplitInfo
	maxHighWatermark map[split.TableID]offset.Offset
	phases           map[split.TableID]Phase
}

// Build derives the dedup state for one incremental split. Tables without any
// completed split are seeded with the startup offset, so they turn pure-stream
// as soon as the log reaches the split's start.
func Build(unit *split.IncrementalSplit) *State {
	s := &State{
		startupWatermark: unit.StartupOffset,
		finishedSplits:   make(map[split.TableID][]split.CompletedSnapshotSplitInfo),
		maxHighWatermark: make(map[split.TableID]offset.Offset),
		phases:           make(map[split.TableID]Phase),
	}

	for _, info := range unit.CompletedSnapshotSplitInfos {
		s.finishedSplits[info.TableID] = append(s.finishedSplits[info.TableID], info)
		s.maxHighWatermark[info.TableID] = offset.Max(s.maxHighWatermark[info.TableID], info.Watermark.High)
	}

	for _, t := range unit.TableIDs {
		if _, ok := s.finishedSplits[t]; !ok {
			s.maxHighWatermark[t] = unit.StartupOffset
		}
	}

	return s
}

func (s *State) StartupWatermark() offset.Offset {
	return s.startupWatermark
}

func (s *State) MaxHighWatermark(t split.TableID) (offset.Offset, bool) {
	w, ok := s.maxHighWatermark[t]
	return w, ok
}

func (s *State) FinishedSplits(t split.TableID) []split.CompletedSnapshotSplitInfo {
	return s.finishedSplits[t]
}

func (s *State) Phase(t split.TableID) Phase {
	return s.phases[t]
}

// EnterPureStream moves t to the pure-stream phase. It reports whether the
// table changed phase; a table already pure-stream is left alone.
func (s *State) EnterPureStream(t split.TableID) bool {
	if s.phases[t] == PhasePureStream {
		return false
	}
	s.phases[t] = PhasePureStream
	return true
}

func (s *State) PureStreamTables() []split.TableID {
	tables := make([]split.TableID, 0, len(s.phases))
	for t, p := range s.phases {
		if p == PhasePureStream {
			tables = append(tables, t)
		}
	}
	slices.SortFunc(tables, func(a, b split.TableID) int {
		if c := strings.Compare(a.Schema, b.Schema); c != 0 {
			return c
		}
		return strings.Compare(a.Table, b.Table)
	})
	return tables
}
