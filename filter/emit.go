package filter

import (
	"github.com/snapflowio/streamfetch/logger"
	"github.com/snapflowio/streamfetch/message"
	"github.com/snapflowio/streamfetch/offset"
	"github.com/snapflowio/streamfetch/split"
)

// Inspector is the part of the run context the decision engine reads.
type Inspector interface {
	IsDataChangeRecord(event *message.ChangeEvent) bool
	StreamOffset(event *message.ChangeEvent) offset.Offset
	IsExactlyOnce() bool
	IsRecordBetween(event *message.ChangeEvent, start, end split.Key) bool
}

type Reason string

const (
	ReasonControl                 Reason = "control"
	ReasonAfterStartup            Reason = "after_startup"
	ReasonBeforeStartup           Reason = "before_startup"
	ReasonPureStream              Reason = "pure_stream"
	ReasonWatermarkCrossed        Reason = "watermark_crossed"
	ReasonAfterSplitHighWatermark Reason = "after_split_high_watermark"
	ReasonCoveredBySnapshot       Reason = "covered_by_snapshot"
)

type Decision struct {
	Reason Reason
	Emit   bool
}

// ShouldEmit decides whether a stream event is new with respect to the
// snapshot. Apart from moving a table to the pure-stream phase, it does not
// modify the state.
func (s *State) ShouldEmit(in Inspector, event *message.ChangeEvent) Decision {
	if !in.IsDataChangeRecord(event) {
		return Decision{Emit: true, Reason: ReasonControl}
	}

	position := in.StreamOffset(event)
	tableID := event.TableID

	if !in.IsExactlyOnce() {
		logger.Trace("[filter] exactly-once disabled, ignoring split watermarks", "table", tableID.String())
		if position.IsAfter(s.startupWatermark) {
			return Decision{Emit: true, Reason: ReasonAfterStartup}
		}
		return Decision{Emit: false, Reason: ReasonBeforeStartup}
	}

	if s.phases[tableID] == PhasePureStream {
		return Decision{Emit: true, Reason: ReasonPureStream}
	}

	if maxHigh, ok := s.maxHighWatermark[tableID]; ok && position.IsAtOrAfter(maxHigh) {
		s.EnterPureStream(tableID)
		logger.Debug("[filter] table entered pure stream phase", "table", tableID.String(), "position", position.String(), "maxHighWatermark", maxHigh.String())
		return Decision{Emit: true, Reason: ReasonWatermarkCrossed}
	}

	for _, info := range s.finishedSplits[tableID] {
		if in.IsRecordBetween(event, info.SplitStart, info.SplitEnd) && position.IsAfter(info.Watermark.High) {
			return Decision{Emit: true, Reason: ReasonAfterSplitHighWatermark}
		}
	}

	return Decision{Emit: false, Reason: ReasonCoveredBySnapshot}
}
