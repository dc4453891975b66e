package histogram

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/tiendc/go-deepcopy"
)

// Set is a named collection of histograms sharing a default bucket layout.
type Set struct {
	Histograms map[string]*Histogram `json:"histograms"`
	Bounds     []float64             `json:"bounds,omitempty"`
}

// NewSet creates an empty set. Histograms created on first Record use bounds,
// or DefaultBounds when bounds is empty.
func NewSet(bounds []float64) *Set {
	if len(bounds) == 0 {
		bounds = DefaultBounds
	}
	return &Set{
		Histograms: make(map[string]*Histogram),
		Bounds:     slices.Clone(bounds),
	}
}

// Record adds one observation to the named histogram, creating it if needed.
func (s *Set) Record(name string, v float64) {
	h, ok := s.Histograms[name]
	if !ok {
		h = New(s.Bounds)
		s.Histograms[name] = h
	}
	h.Record(v)
}

// Get returns the named histogram.
func (s *Set) Get(name string) (*Histogram, bool) {
	h, ok := s.Histograms[name]
	return h, ok
}

// Names returns the histogram names in sorted order.
func (s *Set) Names() []string {
	return slices.Sorted(maps.Keys(s.Histograms))
}

// Len returns the number of histograms.
func (s *Set) Len() int {
	return len(s.Histograms)
}

// Empty reports whether the set holds no observations at all.
func (s *Set) Empty() bool {
	for _, h := range s.Histograms {
		if !h.Empty() {
			return false
		}
	}
	return true
}

// Reset drops every histogram.
func (s *Set) Reset() {
	clear(s.Histograms)
}

// Clone returns a deep copy that shares no storage with s.
func (s *Set) Clone() (*Set, error) {
	out := &Set{}
	if err := deepcopy.Copy(out, s); err != nil {
		return nil, fmt.Errorf("copying histogram set: %w", err)
	}
	if out.Histograms == nil {
		out.Histograms = make(map[string]*Histogram)
	}
	return out, nil
}

// Merge adds every histogram of other into s. It is all or nothing: when
// any histogram has a different layout, s is left unchanged.
func (s *Set) Merge(other *Set) error {
	for _, name := range other.Names() {
		if dst, ok := s.Histograms[name]; ok && !dst.compatible(other.Histograms[name]) {
			return fmt.Errorf("merging %q: %w", name, ErrBoundsMismatch)
		}
	}
	for _, name := range other.Names() {
		src := other.Histograms[name]
		if dst, ok := s.Histograms[name]; ok {
			_ = dst.Merge(src)
			continue
		}
		s.Histograms[name] = src.Clone()
	}
	return nil
}

// Restore merges previously persisted histograms into s. Every persisted
// histogram survives: when s already holds the same name with a different
// layout, the persisted histogram replaces it and the name is returned in
// dropped along with the number of observations lost.
func (s *Set) Restore(persisted *Set) (dropped map[string]uint64) {
	for _, name := range persisted.Names() {
		src := persisted.Histograms[name]
		dst, ok := s.Histograms[name]
		switch {
		case !ok:
			s.Histograms[name] = src.Clone()
		case dst.compatible(src):
			_ = dst.Merge(src)
		default:
			if dropped == nil {
				dropped = make(map[string]uint64)
			}
			dropped[name] = dst.Count
			s.Histograms[name] = src.Clone()
		}
	}
	return dropped
}

// Validate checks every histogram of the set.
func (s *Set) Validate() error {
	if !slices.IsSorted(s.Bounds) {
		return errors.New("default bounds are not sorted")
	}
	for _, name := range s.Names() {
		h := s.Histograms[name]
		if h == nil {
			return fmt.Errorf("histogram %q is null", name)
		}
		if err := h.Validate(); err != nil {
			return fmt.Errorf("histogram %q: %w", name, err)
		}
	}
	return nil
}

// Subtract removes other's observations from s and drops histograms left empty.
func (s *Set) Subtract(other *Set) error {
	for _, name := range other.Names() {
		dst, ok := s.Histograms[name]
		if !ok {
			return fmt.Errorf("subtracting %q: histogram not present", name)
		}
		if err := dst.Subtract(other.Histograms[name]); err != nil {
			return fmt.Errorf("subtracting %q: %w", name, err)
		}
		if dst.Empty() {
			delete(s.Histograms, name)
		}
	}
	return nil
}
