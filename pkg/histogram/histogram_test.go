package histogram

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistogram_Record(t *testing.T) {
	t.Parallel()

	h := New([]float64{10, 1, 100})
	assert.Equal(t, []float64{1, 10, 100}, h.Bounds)
	require.Len(t, h.Counts, 4)

	for _, v := range []float64{0.5, 1, 5, 10, 50, 1000, math.NaN(), math.Inf(1)} {
		h.Record(v)
	}

	assert.Equal(t, []uint64{2, 2, 1, 1}, h.Counts)
	assert.Equal(t, uint64(6), h.Count)
	assert.Equal(t, h.Count, h.BucketTotal())
	assert.InDelta(t, 1066.5, h.Sum, 1e-9)
}

func TestHistogram_MergeSubtract(t *testing.T) {
	t.Parallel()

	a := New([]float64{1, 2})
	b := New([]float64{1, 2})
	a.Record(1)
	a.Record(3)
	b.Record(2)

	require.NoError(t, a.Merge(b))
	assert.Equal(t, []uint64{1, 1, 1}, a.Counts)
	assert.Equal(t, uint64(3), a.Count)

	require.NoError(t, a.Subtract(b))
	assert.Equal(t, []uint64{1, 0, 1}, a.Counts)
	assert.Equal(t, uint64(2), a.Count)

	require.Error(t, a.Subtract(New([]float64{1, 2}).withCounts(0, 5, 0)))
}

func TestHistogram_BoundsMismatch(t *testing.T) {
	t.Parallel()

	a := New([]float64{1, 2})
	b := New([]float64{1, 3})

	require.ErrorIs(t, a.Merge(b), ErrBoundsMismatch)
	require.ErrorIs(t, a.Subtract(b), ErrBoundsMismatch)
}

func TestHistogram_CloneIsIndependent(t *testing.T) {
	t.Parallel()

	a := New([]float64{1})
	a.Record(0)
	c := a.Clone()
	a.Record(0)

	assert.Equal(t, uint64(1), c.Count)
	assert.Equal(t, uint64(2), a.Count)
}

func TestExponentialBounds(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []float64{1, 2, 4, 8}, ExponentialBounds(1, 2, 4))
	assert.Len(t, DefaultBounds, 16)
}

func TestSet_RecordAndClone(t *testing.T) {
	t.Parallel()

	s := NewSet(nil)
	s.Record("startup_ms", 12)
	s.Record("startup_ms", 3)
	s.Record("requests", 1)

	assert.Equal(t, []string{"requests", "startup_ms"}, s.Names())
	assert.False(t, s.Empty())

	c, err := s.Clone()
	require.NoError(t, err)

	s.Record("startup_ms", 1)
	s.Record("new", 1)

	h, ok := c.Get("startup_ms")
	require.True(t, ok)
	assert.Equal(t, uint64(2), h.Count)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, s.Bounds, c.Bounds)
}

func TestSet_MergeSubtract(t *testing.T) {
	t.Parallel()

	pending := NewSet([]float64{1, 10})
	pending.Record("a", 1)
	pending.Record("a", 5)
	pending.Record("b", 20)

	acked, err := pending.Clone()
	require.NoError(t, err)

	pending.Record("a", 7)

	require.NoError(t, pending.Subtract(acked))
	assert.Equal(t, []string{"a"}, pending.Names())
	h, _ := pending.Get("a")
	assert.Equal(t, uint64(1), h.Count)

	restored := NewSet([]float64{1, 10})
	require.NoError(t, restored.Merge(acked))
	require.NoError(t, restored.Merge(pending))
	h, _ = restored.Get("a")
	assert.Equal(t, uint64(3), h.Count)

	require.Error(t, NewSet(nil).Subtract(acked))
}

func TestSet_EmptyAndReset(t *testing.T) {
	t.Parallel()

	s := NewSet([]float64{1})
	assert.True(t, s.Empty())

	s.Record("x", 1)
	s.Reset()
	assert.True(t, s.Empty())
	assert.Zero(t, s.Len())
}

func TestHistogram_NonFiniteValuesAreIgnored(t *testing.T) {
	t.Parallel()

	h := New([]float64{1, 10})
	h.Record(3)
	h.Record(math.Inf(1))
	h.Record(math.Inf(-1))
	h.Record(math.NaN())

	assert.Equal(t, uint64(1), h.Count)
	assert.InDelta(t, 3, h.Sum, 1e-9)
	require.NoError(t, h.Validate())
}

func TestHistogram_SumSaturates(t *testing.T) {
	t.Parallel()

	h := New([]float64{1})
	h.Record(math.MaxFloat64)
	h.Record(math.MaxFloat64)
	assert.Equal(t, math.MaxFloat64, h.Sum)
	assert.Equal(t, uint64(2), h.Count)

	low := New([]float64{1})
	low.Record(-math.MaxFloat64)
	low.Record(-math.MaxFloat64)
	assert.Equal(t, -math.MaxFloat64, low.Sum)

	require.NoError(t, h.Merge(h.Clone()))
	assert.Equal(t, math.MaxFloat64, h.Sum)
	require.NoError(t, h.Validate())

	data, err := json.Marshal(h)
	require.NoError(t, err)
	var decoded Histogram
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, uint64(4), decoded.Count)
}

func TestHistogram_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		h       Histogram
		wantErr string
	}{
		{name: "valid", h: *New([]float64{1, 2}).withCounts(1, 0, 2)},
		{name: "empty bounds", h: Histogram{Counts: []uint64{0}}},
		{name: "too few counts", h: Histogram{Bounds: []float64{1, 2, 3}, Counts: []uint64{1}, Count: 1}, wantErr: "1 counts for 3 bounds"},
		{name: "unsorted bounds", h: Histogram{Bounds: []float64{3, 1}, Counts: []uint64{0, 0, 0}}, wantErr: "not sorted"},
		{name: "infinite bound", h: Histogram{Bounds: []float64{math.Inf(1)}, Counts: []uint64{0, 0}}, wantErr: "not finite"},
		{name: "count mismatch", h: Histogram{Bounds: []float64{1}, Counts: []uint64{1, 1}, Count: 5}, wantErr: "add up to 2"},
		{name: "infinite sum", h: Histogram{Bounds: []float64{1}, Counts: []uint64{1, 0}, Count: 1, Sum: math.Inf(1)}, wantErr: "sum is not finite"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.h.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSet_MergeIsAllOrNothing(t *testing.T) {
	t.Parallel()

	s := NewSet([]float64{5, 10})
	s.Record("a", 3)

	other := NewSet([]float64{1, 2})
	other.Record("a", 1)
	other.Record("z", 1)

	require.ErrorIs(t, s.Merge(other), ErrBoundsMismatch)
	assert.Equal(t, []string{"a"}, s.Names())
	h, _ := s.Get("a")
	assert.Equal(t, uint64(1), h.Count)
	assert.Equal(t, []float64{5, 10}, h.Bounds)
}

func TestSet_RestoreKeepsEveryPersistedHistogram(t *testing.T) {
	t.Parallel()

	persisted := NewSet([]float64{1, 2})
	persisted.Record("a", 1)
	persisted.Record("a", 2)
	persisted.Record("b", 1)
	persisted.Record("z", 1)

	s := NewSet([]float64{5, 10})
	s.Record("a", 3)
	s.Histograms["b"] = New([]float64{1, 2}).withCounts(0, 1, 0)

	dropped := s.Restore(persisted)
	assert.Equal(t, map[string]uint64{"a": 1}, dropped)
	assert.Equal(t, []string{"a", "b", "z"}, s.Names())

	a, _ := s.Get("a")
	assert.Equal(t, []float64{1, 2}, a.Bounds)
	assert.Equal(t, uint64(2), a.Count)

	b, _ := s.Get("b")
	assert.Equal(t, uint64(2), b.Count)

	// The restored histograms keep their own layout for new observations.
	s.Record("a", 1.5)
	assert.Equal(t, uint64(3), a.Count)
	require.NoError(t, s.Validate())

	assert.Empty(t, NewSet(nil).Restore(persisted))
}

func TestSet_Validate(t *testing.T) {
	t.Parallel()

	s := NewSet([]float64{1, 2})
	s.Record("ok", 1)
	require.NoError(t, s.Validate())

	s.Histograms["broken"] = &Histogram{Bounds: []float64{1, 2, 3}, Counts: []uint64{1}, Count: 1}
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"broken"`)

	s.Histograms["broken"] = nil
	require.Error(t, s.Validate())
}

func (h *Histogram) withCounts(counts ...uint64) *Histogram {
	copy(h.Counts, counts)
	for _, c := range counts {
		h.Count += c
	}
	return h
}
