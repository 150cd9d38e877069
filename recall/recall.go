// Package recall scores retrieved neighbor lists against ground truth.
package recall

import (
	"errors"
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring/v2"
)

// ErrGroundTruthDepth reports a ground-truth row shorter than the number of retrieved
// documents. Recall cannot be computed honestly in that case.
type ErrGroundTruthDepth struct {
	Query int
	Want  int
	Have  int
}

func (e *ErrGroundTruthDepth) Error() string {
	return fmt.Sprintf("recall: query %d: ground truth has %d neighbors, %d retrieved", e.Query, e.Have, e.Want)
}

// Compute returns |distinct(retrieved) ∩ gt[0:K]| / K with K = len(retrieved).
// An empty retrieval scores 0.
func Compute(retrieved, gt []int32) (float64, error) {
	k := len(retrieved)
	if k == 0 {
		return 0, nil
	}
	if len(gt) < k {
		return 0, &ErrGroundTruthDepth{Query: -1, Want: k, Have: len(gt)}
	}

	truth := bitmap(gt[:k])
	got := bitmap(retrieved)
	return float64(got.AndCardinality(truth)) / float64(k), nil
}

// ComputeQuery is Compute with the query index recorded in a depth error.
func ComputeQuery(query int, retrieved, gt []int32) (float64, error) {
	r, err := Compute(retrieved, gt)
	var de *ErrGroundTruthDepth
	if errors.As(err, &de) {
		de.Query = query
	}
	return r, err
}

// Precision counts every ground-truth id that appears among the retrieved documents,
// divided by the number retrieved.
func Precision(retrieved, gt []int32) float64 {
	if len(retrieved) == 0 {
		return 0
	}
	got := bitmap(retrieved)
	matches := 0
	for _, id := range gt {
		if got.Contains(uint32(id)) {
			matches++
		}
	}
	return float64(matches) / float64(len(retrieved))
}

func bitmap(ids []int32) *roaring.Bitmap {
	bm := roaring.New()
	for _, id := range ids {
		bm.Add(uint32(id))
	}
	return bm
}

// Summary aggregates per-query scores.
type Summary struct {
	Count        int     `json:"count"`
	MinRecall    float64 `json:"min-recall"`
	MaxRecall    float64 `json:"max-recall"`
	AvgRecall    float64 `json:"avg-recall"`
	MinPrecision float64 `json:"min-precision"`
	MaxPrecision float64 `json:"max-precision"`
	AvgPrecision float64 `json:"avg-precision"`

	sumRecall    float64
	sumPrecision float64
}

// NewSummary returns an empty Summary.
func NewSummary() *Summary {
	return &Summary{
		MinRecall:    math.Inf(1),
		MaxRecall:    math.Inf(-1),
		MinPrecision: math.Inf(1),
		MaxPrecision: math.Inf(-1),
	}
}

// Add records one query.
func (s *Summary) Add(recall, precision float64) {
	s.Count++
	s.sumRecall += recall
	s.sumPrecision += precision
	s.MinRecall = min(s.MinRecall, recall)
	s.MaxRecall = max(s.MaxRecall, recall)
	s.MinPrecision = min(s.MinPrecision, precision)
	s.MaxPrecision = max(s.MaxPrecision, precision)
	s.AvgRecall = s.sumRecall / float64(s.Count)
	s.AvgPrecision = s.sumPrecision / float64(s.Count)
}

// Finalize zeroes the bounds of an empty summary so it encodes as JSON.
func (s *Summary) Finalize() *Summary {
	if s.Count == 0 {
		s.MinRecall, s.MaxRecall, s.MinPrecision, s.MaxPrecision = 0, 0, 0, 0
	}
	return s
}
