package dataset

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownFraming is returned when a file suffix names no supported framing.
	ErrUnknownFraming = errors.New("dataset: unknown vector file framing")

	// ErrNotIntegerFraming is returned when integer records are requested from a float framing.
	ErrNotIntegerFraming = errors.New("dataset: framing does not carry integer records")
)

// ErrDimensionMismatch reports a record whose dimension differs from the dataset dimension.
type ErrDimensionMismatch struct {
	Record   int
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dataset: record %d: dimension mismatch: expected %d, got %d", e.Record, e.Expected, e.Actual)
}

// ErrInvalidDimension reports a non-positive dimension read from a file.
type ErrInvalidDimension struct {
	Record    int
	Dimension int
}

func (e *ErrInvalidDimension) Error() string {
	return fmt.Sprintf("dataset: record %d: invalid dimension %d", e.Record, e.Dimension)
}

// ErrTruncatedRecord reports a record cut short by the end of the file.
//
// The underlying read error can be accessed via errors.Unwrap.
type ErrTruncatedRecord struct {
	Record int
	cause  error
}

func (e *ErrTruncatedRecord) Error() string {
	return fmt.Sprintf("dataset: record %d: truncated", e.Record)
}

func (e *ErrTruncatedRecord) Unwrap() error { return e.cause }

// ErrOutOfBounds reports an index outside [0, Size).
type ErrOutOfBounds struct {
	Index int
	Size  int
}

func (e *ErrOutOfBounds) Error() string {
	return fmt.Sprintf("dataset: index %d out of bounds [0, %d)", e.Index, e.Size)
}

// CheckIndex returns an *ErrOutOfBounds if i is outside [0, size).
func CheckIndex(i, size int) error {
	if i < 0 || i >= size {
		return &ErrOutOfBounds{Index: i, Size: size}
	}
	return nil
}
