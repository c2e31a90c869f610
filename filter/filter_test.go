package filter

import (
	"testing"

	"github.com/snapflowio/streamfetch/message"
	"github.com/snapflowio/streamfetch/offset"
	"github.com/snapflowio/streamfetch/split"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubInspector struct {
	exactlyOnce bool
}

func (s stubInspector) IsDataChangeRecord(e *message.ChangeEvent) bool {
	return e.Kind.IsDataMutation()
}
func (s stubInspector) StreamOffset(e *message.ChangeEvent) offset.Offset { return e.Position }
func (s stubInspector) IsExactlyOnce() bool                               { return s.exactlyOnce }
func (s stubInspector) IsRecordBetween(e *message.ChangeEvent, start, end split.Key) bool {
	return split.InRange(e.Key, start, end)
}

var (
	tableT = split.NewTableID("public", "t")
	tableU = split.NewTableID("public", "u")
)

func completed(table split.TableID, start, end split.Key, low, high uint64) split.CompletedSnapshotSplitInfo {
	return split.CompletedSnapshotSplitInfo{
		SplitID:    table.String(),
		TableID:    table,
		SplitStart: start,
		SplitEnd:   end,
		Watermark:  split.Watermark{Low: offset.LSN(low), High: offset.LSN(high)},
	}
}

func row(table split.TableID, key any, pos uint64) *message.ChangeEvent {
	return &message.ChangeEvent{Kind: message.KindUpdate, TableID: table, Key: split.Key{key}, Position: offset.LSN(pos)}
}

func scenarioState() *State {
	return Build(&split.IncrementalSplit{
		ID:                          "incremental-split-0",
		TableIDs:                    []split.TableID{tableT},
		StartupOffset:               offset.LSN(0),
		CompletedSnapshotSplitInfos: []split.CompletedSnapshotSplitInfo{completed(tableT, split.Key{1}, split.Key{100}, 20, 50)},
	})
}

func TestBuildComputesMaxHighWatermark(t *testing.T) {
	s := Build(&split.IncrementalSplit{
		ID:            "incremental-split-0",
		TableIDs:      []split.TableID{tableT, tableU},
		StartupOffset: offset.LSN(5),
		CompletedSnapshotSplitInfos: []split.CompletedSnapshotSplitInfo{
			completed(tableT, nil, split.Key{100}, 10, 40),
			completed(tableT, split.Key{100}, split.Key{200}, 40, 90),
			completed(tableT, split.Key{200}, nil, 90, 70),
		},
	})

	w, ok := s.MaxHighWatermark(tableT)
	require.True(t, ok)
	assert.Equal(t, offset.LSN(90), w)
	assert.Len(t, s.FinishedSplits(tableT), 3)
	assert.Equal(t, split.Key{100}, s.FinishedSplits(tableT)[1].SplitStart)

	w, ok = s.MaxHighWatermark(tableU)
	require.True(t, ok, "table without splits is seeded with the startup offset")
	assert.Equal(t, offset.LSN(5), w)
	assert.Empty(t, s.FinishedSplits(tableU))

	assert.Equal(t, offset.LSN(5), s.StartupWatermark())
	assert.Empty(t, s.PureStreamTables())
}

func TestLatestOffsetMode(t *testing.T) {
	s := Build(&split.IncrementalSplit{
		ID:            "incremental-split-0",
		TableIDs:      []split.TableID{tableT, tableU},
		StartupOffset: offset.LSN(100),
	})

	for _, table := range []split.TableID{tableT, tableU} {
		w, ok := s.MaxHighWatermark(table)
		require.True(t, ok)
		assert.Equal(t, offset.LSN(100), w)
	}

	in := stubInspector{exactlyOnce: true}
	assert.Equal(t, Decision{Emit: false, Reason: ReasonCoveredBySnapshot}, s.ShouldEmit(in, row(tableT, 1, 99)))
	assert.Equal(t, Decision{Emit: true, Reason: ReasonWatermarkCrossed}, s.ShouldEmit(in, row(tableT, 1, 100)))
	assert.Equal(t, PhasePureStream, s.Phase(tableT))
	assert.Equal(t, PhaseOverlap, s.Phase(tableU))
}

func TestScenario(t *testing.T) {
	s := scenarioState()
	in := stubInspector{exactlyOnce: true}

	assert.Equal(t, Decision{Emit: false, Reason: ReasonCoveredBySnapshot}, s.ShouldEmit(in, row(tableT, 10, 30)))
	assert.Equal(t, Decision{Emit: true, Reason: ReasonWatermarkCrossed}, s.ShouldEmit(in, row(tableT, 10, 60)))

	s = scenarioState()
	assert.Equal(t, Decision{Emit: false, Reason: ReasonCoveredBySnapshot}, s.ShouldEmit(in, row(tableT, 500, 10)))
	assert.Equal(t, Decision{Emit: true, Reason: ReasonWatermarkCrossed}, s.ShouldEmit(in, row(tableT, 500, 51)))
	assert.Equal(t, PhasePureStream, s.Phase(tableT))

	for _, e := range []*message.ChangeEvent{row(tableT, 10, 1), row(tableT, 500, 2), row(tableT, 99, 52)} {
		assert.Equal(t, Decision{Emit: true, Reason: ReasonPureStream}, s.ShouldEmit(in, e))
	}
}

func TestSplitRangeCorrectness(t *testing.T) {
	s := Build(&split.IncrementalSplit{
		ID:            "incremental-split-0",
		TableIDs:      []split.TableID{tableT},
		StartupOffset: offset.LSN(0),
		CompletedSnapshotSplitInfos: []split.CompletedSnapshotSplitInfo{
			completed(tableT, split.Key{1}, split.Key{100}, 10, 50),
			completed(tableT, split.Key{100}, split.Key{200}, 50, 80),
		},
	})
	in := stubInspector{exactlyOnce: true}

	tests := []struct {
		name string
		key  int
		pos  uint64
		want Decision
	}{
		{name: "first split at high watermark", key: 1, pos: 50, want: Decision{Emit: false, Reason: ReasonCoveredBySnapshot}},
		{name: "first split after high watermark", key: 99, pos: 51, want: Decision{Emit: true, Reason: ReasonAfterSplitHighWatermark}},
		{name: "second split before high watermark", key: 100, pos: 60, want: Decision{Emit: false, Reason: ReasonCoveredBySnapshot}},
		{name: "second split lower bound inclusive", key: 100, pos: 79, want: Decision{Emit: false, Reason: ReasonCoveredBySnapshot}},
		{name: "outside every split", key: 200, pos: 79, want: Decision{Emit: false, Reason: ReasonCoveredBySnapshot}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.ShouldEmit(in, row(tableT, tt.key, tt.pos)))
			assert.Equal(t, PhaseOverlap, s.Phase(tableT))
		})
	}
}

func TestPhaseTransitionIsMonotonic(t *testing.T) {
	s := scenarioState()
	in := stubInspector{exactlyOnce: true}

	require.True(t, s.ShouldEmit(in, row(tableT, 5, 50)).Emit)
	assert.Equal(t, []split.TableID{tableT}, s.PureStreamTables())

	for pos := uint64(0); pos < 50; pos += 7 {
		d := s.ShouldEmit(in, row(tableT, 5, pos))
		assert.True(t, d.Emit)
		assert.Equal(t, PhasePureStream, s.Phase(tableT))
	}

	assert.False(t, s.EnterPureStream(tableT), "re-adding a pure-stream table is a no-op")
	assert.Equal(t, []split.TableID{tableT}, s.PureStreamTables())
}

func TestShouldEmitIsIdempotent(t *testing.T) {
	in := stubInspector{exactlyOnce: true}
	events := []*message.ChangeEvent{row(tableT, 10, 30), row(tableT, 10, 49), row(tableT, 500, 10)}

	s := scenarioState()
	for _, e := range events {
		first := s.ShouldEmit(in, e)
		second := s.ShouldEmit(in, e)
		assert.Equal(t, first, second)
	}

	crossing := row(tableT, 10, 55)
	assert.True(t, s.ShouldEmit(in, crossing).Emit)
	assert.True(t, s.ShouldEmit(in, crossing).Emit)
}

func TestControlEventsAlwaysEmitted(t *testing.T) {
	s := scenarioState()

	for _, in := range []stubInspector{{exactlyOnce: true}, {exactlyOnce: false}} {
		e := &message.ChangeEvent{Kind: message.KindHeartbeat, TableID: tableT, Position: offset.LSN(0)}
		assert.Equal(t, Decision{Emit: true, Reason: ReasonControl}, s.ShouldEmit(in, e))
	}
	assert.Equal(t, PhaseOverlap, s.Phase(tableT))
}

func TestNonExactlyOnceUsesStartupCutoff(t *testing.T) {
	s := Build(&split.IncrementalSplit{
		ID:                          "incremental-split-0",
		TableIDs:                    []split.TableID{tableT},
		StartupOffset:               offset.LSN(20),
		CompletedSnapshotSplitInfos: []split.CompletedSnapshotSplitInfo{completed(tableT, split.Key{1}, split.Key{100}, 20, 50)},
	})
	in := stubInspector{exactlyOnce: false}

	assert.Equal(t, Decision{Emit: false, Reason: ReasonBeforeStartup}, s.ShouldEmit(in, row(tableT, 10, 20)))
	assert.Equal(t, Decision{Emit: true, Reason: ReasonAfterStartup}, s.ShouldEmit(in, row(tableT, 10, 21)))
	assert.Equal(t, Decision{Emit: true, Reason: ReasonAfterStartup}, s.ShouldEmit(in, row(tableT, 10, 60)))
	assert.Equal(t, PhaseOverlap, s.Phase(tableT), "relaxed mode never tracks phases")
}

func TestUnknownTableIsDropped(t *testing.T) {
	s := scenarioState()
	in := stubInspector{exactlyOnce: true}

	other := split.NewTableID("public", "other")
	assert.Equal(t, Decision{Emit: false, Reason: ReasonCoveredBySnapshot}, s.ShouldEmit(in, row(other, 1, 1000)))
	assert.Equal(t, PhaseOverlap, s.Phase(other))
}

func TestKeylessMutationOnlyMatchesLeadingSplit(t *testing.T) {
	in := stubInspector{exactlyOnce: true}
	truncate := func(pos uint64) *message.ChangeEvent {
		return &message.ChangeEvent{Kind: message.KindTruncate, TableID: tableT, Position: offset.LSN(pos)}
	}

	s := Build(&split.IncrementalSplit{
		ID:            "incremental-split-0",
		TableIDs:      []split.TableID{tableT},
		StartupOffset: offset.LSN(0),
		CompletedSnapshotSplitInfos: []split.CompletedSnapshotSplitInfo{
			completed(tableT, nil, split.Key{100}, 10, 40),
			completed(tableT, split.Key{100}, nil, 40, 80),
		},
	})

	// A nil key sorts before every bound, so only the split open at the
	// start is consulted.
	assert.Equal(t, Decision{Emit: false, Reason: ReasonCoveredBySnapshot}, s.ShouldEmit(in, truncate(30)))
	assert.Equal(t, Decision{Emit: true, Reason: ReasonAfterSplitHighWatermark}, s.ShouldEmit(in, truncate(50)))
	assert.Equal(t, PhaseOverlap, s.Phase(tableT))
	assert.Equal(t, Decision{Emit: true, Reason: ReasonWatermarkCrossed}, s.ShouldEmit(in, truncate(80)))

	bounded := Build(&split.IncrementalSplit{
		ID:                          "incremental-split-0",
		TableIDs:                    []split.TableID{tableT},
		StartupOffset:               offset.LSN(0),
		CompletedSnapshotSplitInfos: []split.CompletedSnapshotSplitInfo{completed(tableT, split.Key{1}, split.Key{100}, 10, 40)},
	})
	assert.Equal(t, Decision{Emit: false, Reason: ReasonCoveredBySnapshot}, bounded.ShouldEmit(in, truncate(39)))
}
