package offset

import (
	"fmt"
	"strconv"
	"strings"
)

// BinlogOffset is a file/position pair. Files sort by name, which holds for
// the zero-padded sequence suffixes binlog files use.
type BinlogOffset struct {
	File string
	Pos  uint64
}

func (b BinlogOffset) String() string {
	return fmt.Sprintf("%s:%d", b.File, b.Pos)
}

func (b BinlogOffset) Compare(other Offset) int {
	o, ok := other.(BinlogOffset)
	if !ok {
		panic(incomparable(b, other))
	}

	if c := strings.Compare(b.File, o.File); c != 0 {
		return c
	}

	switch {
	case b.Pos < o.Pos:
		return -1
	case b.Pos > o.Pos:
		return 1
	default:
		return 0
	}
}

func (b BinlogOffset) IsAfter(other Offset) bool {
	return b.Compare(other) > 0
}

func (b BinlogOffset) IsAtOrAfter(other Offset) bool {
	return b.Compare(other) >= 0
}

func ParseBinlogOffset(s string) (BinlogOffset, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return BinlogOffset{}, fmt.Errorf("binlog offset parse: invalid format: %s", s)
	}

	pos, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return BinlogOffset{}, fmt.Errorf("binlog offset parse: %w", err)
	}

	return BinlogOffset{File: s[:i], Pos: pos}, nil
}
