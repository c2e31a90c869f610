package postgres

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/snapflowio/streamfetch/message"
	"github.com/snapflowio/streamfetch/offset"
	"github.com/snapflowio/streamfetch/split"
)

const (
	BeginByte    = 'B'
	CommitByte   = 'C'
	DeleteByte   = 'D'
	InsertByte   = 'I'
	LogicalByte  = 'M'
	OriginByte   = 'O'
	RelationByte = 'R'
	TruncateByte = 'T'
	UpdateByte   = 'U'
	TypeByte     = 'Y'
)

const (
	TupleKey = 'K'
	TupleOld = 'O'
	TupleNew = 'N'

	tupleNull      = 'n'
	tupleUnchanged = 'u'
	tupleText      = 't'
	tupleBinary    = 'b'
)

var (
	ErrByteNotSupported = errors.New("message byte not supported")
	ErrRelationNotFound = errors.New("relation not found")
	errShortMessage     = errors.New("message too short")
)

type Relation struct {
	Namespace       string
	Name            string
	Columns         []RelationColumn
	OID             uint32
	ReplicaIdentity uint8
}

func (r *Relation) TableID() split.TableID {
	return split.NewTableID(r.Namespace, r.Name)
}

type RelationColumn struct {
	Name         string
	DataType     uint32
	TypeModifier int32
	Flags        uint8
}

// IsKey reports whether the column is part of the replica identity.
func (c RelationColumn) IsKey() bool {
	return c.Flags&1 == 1
}

type tupleColumn struct {
	data []byte
	kind byte
}

// Decoder turns pgoutput (protocol version 1) messages into change events.
// It keeps the relation cache, so one decoder serves one replication stream.
type Decoder struct {
	relations map[uint32]*Relation
	typeMap   *pgtype.Map
}

func NewDecoder() *Decoder {
	return &Decoder{
		relations: make(map[uint32]*Relation),
		typeMap:   pgtype.NewMap(),
	}
}

func (d *Decoder) Relation(oid uint32) (*Relation, bool) {
	rel, ok := d.relations[oid]
	return rel, ok
}

// Decode returns the events carried by one WAL message positioned at pos.
// Messages without row or transaction meaning return no events.
func (d *Decoder) Decode(data []byte, pos offset.LSN, serverTime time.Time) ([]*message.ChangeEvent, error) {
	if len(data) == 0 {
		return nil, errShortMessage
	}

	r := &reader{buf: data[1:]}
	newEvent := func(kind message.Kind) *message.ChangeEvent {
		return &message.ChangeEvent{Kind: kind, Position: pos, ServerTime: serverTime}
	}

	switch data[0] {
	case BeginByte:
		return []*message.ChangeEvent{newEvent(message.KindBegin)}, nil
	case CommitByte:
		return []*message.ChangeEvent{newEvent(message.KindCommit)}, nil
	case RelationByte:
		rel, err := decodeRelation(r)
		if err != nil {
			return nil, fmt.Errorf("relation message: %w", err)
		}
		d.relations[rel.OID] = rel

		e := newEvent(message.KindRelation)
		e.TableID = rel.TableID()
		return []*message.ChangeEvent{e}, nil
	case InsertByte:
		rel, err := d.relation(r)
		if err != nil {
			return nil, fmt.Errorf("insert message: %w", err)
		}
		if kind := r.byte(); kind != TupleNew {
			return nil, fmt.Errorf("insert message: unexpected tuple type %q", kind)
		}
		newTuple := r.tuple()
		if r.err != nil {
			return nil, fmt.Errorf("insert message: %w", r.err)
		}

		e := newEvent(message.KindInsert)
		return d.rowEvent(e, rel, nil, newTuple)
	case UpdateByte:
		rel, err := d.relation(r)
		if err != nil {
			return nil, fmt.Errorf("update message: %w", err)
		}

		var oldTuple []tupleColumn
		kind := r.byte()
		if kind == TupleKey || kind == TupleOld {
			oldTuple = r.tuple()
			kind = r.byte()
		}
		if kind != TupleNew {
			return nil, fmt.Errorf("update message: unexpected tuple type %q", kind)
		}
		newTuple := r.tuple()
		if r.err != nil {
			return nil, fmt.Errorf("update message: %w", r.err)
		}

		// Unchanged TOAST values are only present in the old tuple.
		for i := range newTuple {
			if newTuple[i].kind == tupleUnchanged && i < len(oldTuple) {
				newTuple[i] = oldTuple[i]
			}
		}

		e := newEvent(message.KindUpdate)
		return d.rowEvent(e, rel, oldTuple, newTuple)
	case DeleteByte:
		rel, err := d.relation(r)
		if err != nil {
			return nil, fmt.Errorf("delete message: %w", err)
		}
		if kind := r.byte(); kind != TupleKey && kind != TupleOld {
			return nil, fmt.Errorf("delete message: unexpected tuple type %q", kind)
		}
		oldTuple := r.tuple()
		if r.err != nil {
			return nil, fmt.Errorf("delete message: %w", r.err)
		}

		e := newEvent(message.KindDelete)
		return d.rowEvent(e, rel, oldTuple, nil)
	case TruncateByte:
		n := r.uint32()
		r.byte()

		events := make([]*message.ChangeEvent, 0, n)
		for i := uint32(0); i < n && r.err == nil; i++ {
			oid := r.uint32()
			rel, ok := d.relations[oid]
			if !ok {
				return nil, fmt.Errorf("truncate message: %w: %d", ErrRelationNotFound, oid)
			}
			e := newEvent(message.KindTruncate)
			e.TableID = rel.TableID()
			events = append(events, e)
		}
		if r.err != nil {
			return nil, fmt.Errorf("truncate message: %w", r.err)
		}
		return events, nil
	case TypeByte, OriginByte, LogicalByte:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %c", ErrByteNotSupported, data[0])
	}
}

func (d *Decoder) relation(r *reader) (*Relation, error) {
	oid := r.uint32()
	if r.err != nil {
		return nil, r.err
	}

	rel, ok := d.relations[oid]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrRelationNotFound, oid)
	}
	return rel, nil
}

func (d *Decoder) rowEvent(e *message.ChangeEvent, rel *Relation, oldTuple, newTuple []tupleColumn) ([]*message.ChangeEvent, error) {
	e.TableID = rel.TableID()

	var err error
	if oldTuple != nil {
		if e.Before, err = d.decodeTuple(rel, oldTuple); err != nil {
			return nil, err
		}
	}
	if newTuple != nil {
		if e.After, err = d.decodeTuple(rel, newTuple); err != nil {
			return nil, err
		}
	}

	row := e.After
	if row == nil {
		row = e.Before
	}
	for _, col := range rel.Columns {
		if col.IsKey() {
			e.Key = append(e.Key, row[col.Name])
		}
	}

	return []*message.ChangeEvent{e}, nil
}

func (d *Decoder) decodeTuple(rel *Relation, tuple []tupleColumn) (map[string]any, error) {
	if len(tuple) > len(rel.Columns) {
		return nil, fmt.Errorf("tuple has %d columns, relation %s has %d", len(tuple), rel.TableID(), len(rel.Columns))
	}

	values := make(map[string]any, len(tuple))
	for i, col := range tuple {
		meta := rel.Columns[i]
		switch col.kind {
		case tupleNull, tupleUnchanged:
			values[meta.Name] = nil
		case tupleText:
			v, err := d.decodeText(meta.DataType, col.data)
			if err != nil {
				return nil, fmt.Errorf("decode column %s: %w", meta.Name, err)
			}
			values[meta.Name] = v
		case tupleBinary:
			values[meta.Name] = col.data
		}
	}
	return values, nil
}

func (d *Decoder) decodeText(oid uint32, data []byte) (any, error) {
	if dt, ok := d.typeMap.TypeForOID(oid); ok {
		return dt.Codec.DecodeValue(d.typeMap, oid, pgtype.TextFormatCode, data)
	}
	return string(data), nil
}

func decodeRelation(r *reader) (*Relation, error) {
	rel := &Relation{OID: r.uint32()}
	rel.Namespace = r.string()
	rel.Name = r.string()
	rel.ReplicaIdentity = r.byte()

	n := r.uint16()
	rel.Columns = make([]RelationColumn, 0, n)
	for i := uint16(0); i < n && r.err == nil; i++ {
		col := RelationColumn{Flags: r.byte()}
		col.Name = r.string()
		col.DataType = r.uint32()
		col.TypeModifier = int32(r.uint32())
		rel.Columns = append(rel.Columns, col)
	}

	if r.err != nil {
		return nil, r.err
	}
	return rel, nil
}

// reader walks a pgoutput message. The first out-of-bounds read sets err and
// turns every later read into a zero value.
type reader struct {
	err error
	buf []byte
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = errShortMessage
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) byte() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) uint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) uint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) string() string {
	if r.err != nil {
		return ""
	}
	end := bytes.IndexByte(r.buf, 0)
	if end == -1 {
		r.err = fmt.Errorf("%w: unterminated string", errShortMessage)
		return ""
	}
	s := string(r.buf[:end])
	r.buf = r.buf[end+1:]
	return s
}

func (r *reader) tuple() []tupleColumn {
	n := r.uint16()
	cols := make([]tupleColumn, 0, n)
	for i := uint16(0); i < n && r.err == nil; i++ {
		col := tupleColumn{kind: r.byte()}
		switch col.kind {
		case tupleText, tupleBinary:
			size := r.uint32()
			col.data = r.take(int(size))
		case tupleNull, tupleUnchanged:
		default:
			r.err = fmt.Errorf("unknown tuple column type %q", col.kind)
		}
		cols = append(cols, col)
	}
	return cols
}
