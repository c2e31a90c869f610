package offset

import "fmt"

// LSN is a Postgres write-ahead log position.
type LSN uint64

func (lsn LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(lsn>>32), uint32(lsn))
}

func (lsn LSN) Compare(other Offset) int {
	o, ok := other.(LSN)
	if !ok {
		panic(incomparable(lsn, other))
	}

	switch {
	case lsn < o:
		return -1
	case lsn > o:
		return 1
	default:
		return 0
	}
}

func (lsn LSN) IsAfter(other Offset) bool {
	return lsn.Compare(other) > 0
}

func (lsn LSN) IsAtOrAfter(other Offset) bool {
	return lsn.Compare(other) >= 0
}

func ParseLSN(s string) (LSN, error) {
	var upperHalf, lowerHalf uint64

	nparsed, err := fmt.Sscanf(s, "%X/%X", &upperHalf, &lowerHalf)
	if err != nil {
		return 0, fmt.Errorf("lsn parse: %w", err)
	}

	if nparsed != 2 {
		return 0, fmt.Errorf("lsn parse: invalid format: %s", s)
	}

	return LSN((upperHalf << 32) + lowerHalf), nil
}
