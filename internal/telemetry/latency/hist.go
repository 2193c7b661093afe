// Package latency provides in-process rolling latency histograms with
// percentile calculation for the validation pipeline stages.
package latency

import (
	"math"
	"sort"
	"sync"
	"time"
)

// StageType identifies a pipeline stage for latency tracking.
type StageType string

const (
	StageZone      StageType = "zone"
	StageSpeed     StageType = "speed"
	StageIntegrity StageType = "integrity"
	StageAudit     StageType = "audit"
	StageTotal     StageType = "total"
)

// Histogram is a thread-safe rolling window of latency samples with
// interpolated percentile calculation.
type Histogram struct {
	mu      sync.RWMutex
	buckets []float64 // latency values in milliseconds
	maxSize int
	current int
	full    bool
	stage   StageType
}

// NewHistogram creates a histogram with the given rolling-window size.
func NewHistogram(stage StageType, maxSize int) *Histogram {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Histogram{
		buckets: make([]float64, maxSize),
		maxSize: maxSize,
		stage:   stage,
	}
}

// Record adds a latency measurement.
func (h *Histogram) Record(duration time.Duration) {
	latencyMs := float64(duration.Nanoseconds()) / 1e6

	h.mu.Lock()
	defer h.mu.Unlock()

	h.buckets[h.current] = latencyMs
	h.current = (h.current + 1) % h.maxSize
	if !h.full && h.current == 0 {
		h.full = true
	}
}

// Percentile calculates the given percentile (0.0-1.0) with linear
// interpolation between neighboring samples.
func (h *Histogram) Percentile(p float64) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	size := h.size()
	if size == 0 {
		return 0.0
	}

	values := make([]float64, size)
	if h.full {
		copy(values, h.buckets)
	} else {
		copy(values, h.buckets[:h.current])
	}
	sort.Float64s(values)

	index := p * float64(size-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return values[lower]
	}

	weight := index - float64(lower)
	return values[lower]*(1-weight) + values[upper]*weight
}

// P50 returns the median.
func (h *Histogram) P50() float64 { return h.Percentile(0.5) }

// P95 returns the 95th percentile.
func (h *Histogram) P95() float64 { return h.Percentile(0.95) }

// P99 returns the 99th percentile.
func (h *Histogram) P99() float64 { return h.Percentile(0.99) }

// Count returns the number of recorded measurements in the window.
func (h *Histogram) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size()
}

func (h *Histogram) size() int {
	if h.full {
		return h.maxSize
	}
	return h.current
}

// Snapshot aggregates percentile metrics for a stage.
type Snapshot struct {
	Stage StageType `json:"stage"`
	P50   float64   `json:"p50_ms"`
	P95   float64   `json:"p95_ms"`
	P99   float64   `json:"p99_ms"`
	Count int       `json:"count"`
}

// Snapshot returns the histogram's current percentiles.
func (h *Histogram) Snapshot() Snapshot {
	return Snapshot{
		Stage: h.stage,
		P50:   h.P50(),
		P95:   h.P95(),
		P99:   h.P99(),
		Count: h.Count(),
	}
}

// StageTracker manages histograms for all pipeline stages.
type StageTracker struct {
	mu         sync.RWMutex
	histograms map[StageType]*Histogram
}

// NewStageTracker creates a tracker with histograms for the known stages.
func NewStageTracker() *StageTracker {
	tracker := &StageTracker{histograms: make(map[StageType]*Histogram)}
	for _, stage := range []StageType{StageZone, StageSpeed, StageIntegrity, StageAudit, StageTotal} {
		tracker.histograms[stage] = NewHistogram(stage, 1000)
	}
	return tracker
}

// Record adds a latency measurement for a stage.
func (st *StageTracker) Record(stage StageType, duration time.Duration) {
	st.mu.RLock()
	hist, exists := st.histograms[stage]
	st.mu.RUnlock()

	if !exists {
		st.mu.Lock()
		if hist, exists = st.histograms[stage]; !exists {
			hist = NewHistogram(stage, 1000)
			st.histograms[stage] = hist
		}
		st.mu.Unlock()
	}

	hist.Record(duration)
}

// Snapshots returns current percentiles for every tracked stage.
func (st *StageTracker) Snapshots() map[StageType]Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()

	snaps := make(map[StageType]Snapshot, len(st.histograms))
	for stage, hist := range st.histograms {
		snaps[stage] = hist.Snapshot()
	}
	return snaps
}
