package lag

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func sampleAt(i int) Sample {
	return Sample{Backend: "replica-1", Lag: time.Duration(i) * time.Second, SampledAt: t0.Add(time.Duration(i) * time.Second)}
}

// TestWindowNeverExceedsCapacity verifies FIFO eviction at capacity+1 insertions.
func TestWindowNeverExceedsCapacity(t *testing.T) {
	w := NewWindow(3)

	for i := 0; i < 3; i++ {
		assert.False(t, w.Push(sampleAt(i)))
	}
	assert.Equal(t, 3, w.Len())

	assert.True(t, w.Push(sampleAt(3)), "fourth push evicts")
	assert.Equal(t, 3, w.Len())
	assert.Equal(t, 3, w.Cap())

	got := w.Samples()
	require.Len(t, got, 3)
	assert.Equal(t, []Sample{sampleAt(1), sampleAt(2), sampleAt(3)}, got)
	for _, s := range got {
		assert.NotEqual(t, sampleAt(0), s, "oldest sample must be gone")
	}

	latest, ok := w.Latest()
	require.True(t, ok)
	assert.Equal(t, sampleAt(3), latest)
}

// TestWindowWrapsManyTimes pushes far past capacity and checks ordering.
func TestWindowWrapsManyTimes(t *testing.T) {
	w := NewWindow(4)
	for i := 0; i < 103; i++ {
		w.Push(sampleAt(i))
		assert.LessOrEqual(t, w.Len(), 4)
	}
	assert.Equal(t, []Sample{sampleAt(99), sampleAt(100), sampleAt(101), sampleAt(102)}, w.Samples())

	m, ok := w.Max()
	require.True(t, ok)
	assert.Equal(t, 102*time.Second, m)
}

// TestWindowEmpty verifies empty-window accessors.
func TestWindowEmpty(t *testing.T) {
	w := NewWindow(0)
	assert.Equal(t, 1, w.Cap(), "capacity is clamped to one")

	_, ok := w.Latest()
	assert.False(t, ok)
	_, ok = w.Max()
	assert.False(t, ok)
	assert.Empty(t, w.Samples())
}

// TestEstimateWithin verifies unknown estimates never satisfy a bound.
func TestEstimateWithin(t *testing.T) {
	assert.False(t, Unknown().Within(time.Hour))
	assert.Equal(t, "unknown", Unknown().String())

	e := Known(Sample{Lag: 3 * time.Second, SampledAt: t0})
	assert.True(t, e.Within(5*time.Second))
	assert.True(t, e.Within(3*time.Second))
	assert.False(t, e.Within(2*time.Second))
	assert.Equal(t, "3s", e.String())
}
