package offset

import (
	"errors"
	"fmt"
)

var ErrIncomparable = errors.New("offsets are not comparable")

// Offset is a position in the shared change log. All tables captured by one
// source share one log, so offsets are comparable across tables.
type Offset interface {
	Compare(other Offset) int
	IsAfter(other Offset) bool
	IsAtOrAfter(other Offset) bool
	String() string
}

// Max returns the later of a and b. A nil argument loses.
func Max(a, b Offset) Offset {
	if a == nil {
		return b
	}
	if b == nil || a.IsAtOrAfter(b) {
		return a
	}
	return b
}

func incomparable(a, b Offset) error {
	return fmt.Errorf("%w: %T and %T", ErrIncomparable, a, b)
}
