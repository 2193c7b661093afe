package latency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistogramEmptyPercentilesZero(t *testing.T) {
	h := NewHistogram(StageZone, 100)

	assert.Zero(t, h.P50())
	assert.Zero(t, h.P95())
	assert.Zero(t, h.Count())
}

func TestHistogramSingleSample(t *testing.T) {
	h := NewHistogram(StageZone, 100)
	h.Record(10 * time.Millisecond)

	assert.InDelta(t, 10, h.P50(), 0.001)
	assert.InDelta(t, 10, h.P99(), 0.001)
	assert.Equal(t, 1, h.Count())
}

func TestHistogramInterpolatedPercentiles(t *testing.T) {
	h := NewHistogram(StageTotal, 100)
	for i := 1; i <= 100; i++ {
		h.Record(time.Duration(i) * time.Millisecond)
	}

	// 1..100 ms: the interpolated median sits between 50 and 51.
	assert.InDelta(t, 50.5, h.P50(), 0.01)
	assert.InDelta(t, 95.05, h.P95(), 0.01)
	assert.InDelta(t, 99.01, h.P99(), 0.01)
	assert.Equal(t, 100, h.Count())
}

func TestHistogramRollingWindowDropsOldest(t *testing.T) {
	h := NewHistogram(StageSpeed, 10)

	for i := 0; i < 10; i++ {
		h.Record(time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		h.Record(100 * time.Millisecond)
	}

	assert.Equal(t, 10, h.Count(), "window stays bounded")
	assert.InDelta(t, 100, h.P50(), 0.001, "old samples rolled out of the window")
}

func TestStageTrackerKnownStages(t *testing.T) {
	tracker := NewStageTracker()
	tracker.Record(StageZone, 5*time.Millisecond)
	tracker.Record(StageTotal, 20*time.Millisecond)

	snaps := tracker.Snapshots()
	require.Contains(t, snaps, StageZone)
	require.Contains(t, snaps, StageTotal)

	assert.Equal(t, 1, snaps[StageZone].Count)
	assert.InDelta(t, 5, snaps[StageZone].P50, 0.001)
	assert.Zero(t, snaps[StageSpeed].Count)
}

func TestStageTrackerUnknownStageCreated(t *testing.T) {
	tracker := NewStageTracker()
	tracker.Record(StageType("custom"), time.Millisecond)

	snaps := tracker.Snapshots()
	require.Contains(t, snaps, StageType("custom"))
	assert.Equal(t, 1, snaps[StageType("custom")].Count)
}
