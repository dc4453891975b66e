package metrics

import (
	"sync"

	"github.com/mermi/metrics-controller/pkg/histogram"
)

// State is the data shared between the Controller and its Worker: the
// immutable EventInfo and the histograms that have not been acknowledged by
// the telemetry server yet.
//
// Every access to the histograms goes through WithHistograms or Snapshot.
type State struct {
	info EventInfo

	mu         sync.Mutex
	histograms *histogram.Set
}

// NewState creates a State with an empty histogram set using bounds.
func NewState(info EventInfo, bounds []float64) *State {
	return &State{
		info:       info,
		histograms: histogram.NewSet(bounds),
	}
}

// EventInfo returns a copy of the context. It needs no locking.
func (s *State) EventInfo() EventInfo {
	return s.info.Clone()
}

// WithHistograms runs fn with exclusive access to the histogram set.
// The lock is released when fn returns, fails or panics. fn must not retain
// the set after returning.
func (s *State) WithHistograms(fn func(*histogram.Set) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return fn(s.histograms)
}

// Record adds one observation to the named histogram.
func (s *State) Record(name string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.histograms.Record(name, value)
}

// Snapshot returns a deep copy of the histograms taken under the lock.
func (s *State) Snapshot() (*histogram.Set, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.histograms.Clone()
}
