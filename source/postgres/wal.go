package postgres

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/snapflowio/streamfetch/offset"
)

const (
	XLogDataByteID                = 'w'
	PrimaryKeepaliveMessageByteID = 'k'
	StandbyStatusUpdateByteID     = 'r'
)

const microSecFromUnixEpochToY2K = int64(946684800) * 1_000_000

type XLogData struct {
	ServerTime   time.Time
	WALData      []byte
	WALStart     offset.LSN
	ServerWALEnd offset.LSN
}

func ParseXLogData(buf []byte) (XLogData, error) {
	var xld XLogData
	if len(buf) < 24 {
		return xld, fmt.Errorf("XLogData must be at least 24 bytes, got %d", len(buf))
	}

	xld.WALStart = offset.LSN(binary.BigEndian.Uint64(buf))
	xld.ServerWALEnd = offset.LSN(binary.BigEndian.Uint64(buf[8:]))
	xld.ServerTime = pgTimeToTime(int64(binary.BigEndian.Uint64(buf[16:])))
	xld.WALData = buf[24:]

	return xld, nil
}

type PrimaryKeepalive struct {
	ServerTime     time.Time
	ServerWALEnd   offset.LSN
	ReplyRequested bool
}

func ParsePrimaryKeepalive(buf []byte) (PrimaryKeepalive, error) {
	var pkm PrimaryKeepalive
	if len(buf) != 17 {
		return pkm, fmt.Errorf("PrimaryKeepaliveMessage must be 17 bytes, got %d", len(buf))
	}

	pkm.ServerWALEnd = offset.LSN(binary.BigEndian.Uint64(buf))
	pkm.ServerTime = pgTimeToTime(int64(binary.BigEndian.Uint64(buf[8:])))
	pkm.ReplyRequested = buf[16] != 0

	return pkm, nil
}

// EncodeStandbyStatusUpdate builds the CopyData frame reporting the written
// and flushed positions to the server.
func EncodeStandbyStatusUpdate(written, flushed offset.LSN, now time.Time) ([]byte, error) {
	data := make([]byte, 0, 34)
	data = append(data, StandbyStatusUpdateByteID)
	data = binary.BigEndian.AppendUint64(data, uint64(written))
	data = binary.BigEndian.AppendUint64(data, uint64(flushed))
	data = binary.BigEndian.AppendUint64(data, uint64(flushed))
	data = binary.BigEndian.AppendUint64(data, uint64(timeToPgTime(now)))
	data = append(data, 0)

	cd := &pgproto3.CopyData{Data: data}
	return cd.Encode(nil)
}

func pgTimeToTime(microSecSinceY2K int64) time.Time {
	micro := microSecFromUnixEpochToY2K + microSecSinceY2K
	return time.Unix(micro/1_000_000, (micro%1_000_000)*1_000).UTC()
}

func timeToPgTime(t time.Time) int64 {
	return t.UnixMicro() - microSecFromUnixEpochToY2K
}
