package provider

import (
	"github.com/hupe1980/annbench/dataset"
)

// LoadGroundTruth reads up to rows neighbor-id lists (all when rows <= 0) from an
// integer framing such as ivecs or ibin.
func LoadGroundTruth(path string, rows int) ([][]int32, error) {
	return dataset.ReadAllInts(path, rows)
}

// Depth returns the shortest neighbor list length, or 0 for no rows.
func Depth(gt [][]int32) int {
	if len(gt) == 0 {
		return 0
	}
	d := len(gt[0])
	for _, row := range gt[1:] {
		d = min(d, len(row))
	}
	return d
}
