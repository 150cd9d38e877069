// Package conv provides checked integer conversions for on-disk header fields.
package conv

import (
	"fmt"
	"math"
)

// IntToInt32 converts v to int32, failing when it does not fit.
func IntToInt32(v int) (int32, error) {
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, fmt.Errorf("integer overflow: %d cannot be converted to int32", v)
	}
	return int32(v), nil
}

// NonNegativeInt32 converts v to int32, failing when it is negative or does not fit.
func NonNegativeInt32(v int) (int32, error) {
	if v < 0 {
		return 0, fmt.Errorf("integer overflow: %d cannot be converted to int32 (negative)", v)
	}
	return IntToInt32(v)
}
