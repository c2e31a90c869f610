package postgres

import (
	"encoding/binary"
	"time"
)

type walBuilder struct {
	buf []byte
}

func wal(kind byte) *walBuilder {
	return &walBuilder{buf: []byte{kind}}
}

func (b *walBuilder) byte(v byte) *walBuilder {
	b.buf = append(b.buf, v)
	return b
}

func (b *walBuilder) u16(v uint16) *walBuilder {
	b.buf = binary.BigEndian.AppendUint16(b.buf, v)
	return b
}

func (b *walBuilder) u32(v uint32) *walBuilder {
	b.buf = binary.BigEndian.AppendUint32(b.buf, v)
	return b
}

func (b *walBuilder) u64(v uint64) *walBuilder {
	b.buf = binary.BigEndian.AppendUint64(b.buf, v)
	return b
}

func (b *walBuilder) str(s string) *walBuilder {
	b.buf = append(b.buf, s...)
	b.buf = append(b.buf, 0)
	return b
}

// tuple appends tuple data; nil is a NULL column and "\x00toast" an
// unchanged TOAST column.
func (b *walBuilder) tuple(cols ...*string) *walBuilder {
	b.u16(uint16(len(cols)))
	for _, c := range cols {
		switch {
		case c == nil:
			b.byte('n')
		case *c == unchangedToast:
			b.byte('u')
		default:
			b.byte('t').u32(uint32(len(*c)))
			b.buf = append(b.buf, *c...)
		}
	}
	return b
}

func (b *walBuilder) bytes() []byte {
	return b.buf
}

const unchangedToast = "\x00toast"

func text(s string) *string {
	return &s
}

const usersOID = 16384

func usersRelation() []byte {
	return wal(RelationByte).
		u32(usersOID).str("public").str("users").byte('d').
		u16(2).
		byte(1).str("id").u32(23).u32(0xFFFFFFFF).
		byte(0).str("name").u32(25).u32(0xFFFFFFFF).
		bytes()
}

func xlogData(walStart uint64, serverTime time.Time, payload []byte) []byte {
	buf := []byte{XLogDataByteID}
	buf = binary.BigEndian.AppendUint64(buf, walStart)
	buf = binary.BigEndian.AppendUint64(buf, walStart+uint64(len(payload)))
	buf = binary.BigEndian.AppendUint64(buf, uint64(timeToPgTime(serverTime)))
	return append(buf, payload...)
}

func keepalive(walEnd uint64, serverTime time.Time, reply bool) []byte {
	buf := []byte{PrimaryKeepaliveMessageByteID}
	buf = binary.BigEndian.AppendUint64(buf, walEnd)
	buf = binary.BigEndian.AppendUint64(buf, uint64(timeToPgTime(serverTime)))
	if reply {
		return append(buf, 1)
	}
	return append(buf, 0)
}
