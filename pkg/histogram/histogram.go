// Package histogram provides the in-memory aggregate counters that the metrics
// controller accumulates, persists and transmits.
//
// A Histogram is a plain value with exported fields so it can be serialized
// by the persistence and transmission layers without adapters. None of the
// types in this package are safe for concurrent use; callers synchronize
// access themselves (see metrics.State).
package histogram

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// ErrBoundsMismatch is returned when combining histograms with different bucket layouts.
var ErrBoundsMismatch = errors.New("histogram bucket bounds do not match")

// DefaultBounds is used by sets created without explicit bounds.
var DefaultBounds = ExponentialBounds(1, 2, 16)

// Histogram counts observations into buckets.
// Counts[i] holds observations v <= Bounds[i]; the last element of Counts
// is the overflow bucket.
type Histogram struct {
	Bounds []float64 `json:"bounds"`
	Counts []uint64  `json:"counts"`
	Count  uint64    `json:"count"`
	Sum    float64   `json:"sum"`
}

// New creates an empty histogram with the given upper bounds.
// The bounds are copied and sorted.
func New(bounds []float64) *Histogram {
	b := slices.Clone(bounds)
	slices.Sort(b)
	return &Histogram{
		Bounds: b,
		Counts: make([]uint64, len(b)+1),
	}
}

// ExponentialBounds returns n bounds starting at start, each factor times the previous one.
func ExponentialBounds(start, factor float64, n int) []float64 {
	bounds := make([]float64, n)
	v := start
	for i := range bounds {
		bounds[i] = v
		v *= factor
	}
	return bounds
}

// Record adds one observation. NaN and infinite values are ignored so Sum
// stays representable in JSON; Sum saturates at ±math.MaxFloat64.
func (h *Histogram) Record(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	i, _ := slices.BinarySearch(h.Bounds, v)
	h.Counts[i]++
	h.Count++
	h.Sum = addSaturating(h.Sum, v)
}

// Validate checks the invariants Record relies on: sorted finite bounds, one
// count per bucket plus overflow, counts adding up to Count and a finite Sum.
func (h *Histogram) Validate() error {
	if len(h.Counts) != len(h.Bounds)+1 {
		return fmt.Errorf("%d counts for %d bounds, want %d", len(h.Counts), len(h.Bounds), len(h.Bounds)+1)
	}
	for i, b := range h.Bounds {
		if math.IsNaN(b) || math.IsInf(b, 0) {
			return fmt.Errorf("bound %d is not finite", i)
		}
	}
	if !slices.IsSorted(h.Bounds) {
		return errors.New("bounds are not sorted")
	}
	if total := h.BucketTotal(); total != h.Count {
		return fmt.Errorf("bucket counts add up to %d, count is %d", total, h.Count)
	}
	if math.IsNaN(h.Sum) || math.IsInf(h.Sum, 0) {
		return errors.New("sum is not finite")
	}
	return nil
}

func addSaturating(a, b float64) float64 {
	return max(-math.MaxFloat64, min(math.MaxFloat64, a+b))
}

// BucketTotal returns the sum of all bucket counts. For a consistent
// histogram it always equals Count.
func (h *Histogram) BucketTotal() uint64 {
	var total uint64
	for _, c := range h.Counts {
		total += c
	}
	return total
}

// Empty reports whether no observations have been recorded.
func (h *Histogram) Empty() bool {
	return h.Count == 0
}

// Clone returns an independent copy.
func (h *Histogram) Clone() *Histogram {
	return &Histogram{
		Bounds: slices.Clone(h.Bounds),
		Counts: slices.Clone(h.Counts),
		Count:  h.Count,
		Sum:    h.Sum,
	}
}

// Merge adds the observations of other into h.
func (h *Histogram) Merge(other *Histogram) error {
	if !h.compatible(other) {
		return ErrBoundsMismatch
	}
	for i, c := range other.Counts {
		h.Counts[i] += c
	}
	h.Count += other.Count
	h.Sum = addSaturating(h.Sum, other.Sum)
	return nil
}

// Subtract removes the observations of other from h.
// other must have been taken from h earlier (for example an acknowledged
// snapshot), so every count of other is at most the matching count of h.
func (h *Histogram) Subtract(other *Histogram) error {
	if !h.compatible(other) {
		return ErrBoundsMismatch
	}
	for i, c := range other.Counts {
		if c > h.Counts[i] {
			return fmt.Errorf("bucket %d: cannot subtract %d from %d", i, c, h.Counts[i])
		}
	}
	for i, c := range other.Counts {
		h.Counts[i] -= c
	}
	h.Count -= other.Count
	h.Sum = addSaturating(h.Sum, -other.Sum)
	if h.Count == 0 {
		h.Sum = 0
	}
	return nil
}

func (h *Histogram) compatible(other *Histogram) bool {
	return slices.Equal(h.Bounds, other.Bounds) && len(h.Counts) == len(other.Counts)
}
