package message

import (
	"fmt"
	"time"

	"github.com/snapflowio/streamfetch/offset"
	"github.com/snapflowio/streamfetch/split"
)

type Kind uint8

const (
	KindInsert Kind = iota + 1
	KindUpdate
	KindDelete
	KindTruncate
	KindHeartbeat
	KindRelation
	KindBegin
	KindCommit
)

var kindNames = map[Kind]string{
	KindInsert:    "insert",
	KindUpdate:    "update",
	KindDelete:    "delete",
	KindTruncate:  "truncate",
	KindHeartbeat: "heartbeat",
	KindRelation:  "relation",
	KindBegin:     "begin",
	KindCommit:    "commit",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsDataMutation reports whether the kind changes table rows. Everything else
// is control or metadata.
func (k Kind) IsDataMutation() bool {
	switch k {
	case KindInsert, KindUpdate, KindDelete, KindTruncate:
		return true
	default:
		return false
	}
}

// ChangeEvent is one record read from the live change stream.
type ChangeEvent struct {
	ServerTime time.Time
	Position   offset.Offset
	Before     map[string]any
	After      map[string]any
	TableID    split.TableID
	Key        split.Key
	Kind       Kind
}

func (e *ChangeEvent) String() string {
	return fmt.Sprintf("%s %s key=%s pos=%v", e.Kind, e.TableID, e.Key, e.Position)
}

// Batch is the set of events handed out by one poll.
type Batch []*ChangeEvent
