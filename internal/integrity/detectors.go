// Package integrity scores the likelihood that a user's reported
// positions are spoofed. Four independent heuristic detectors run over
// the session history; their signals feed a bounded, time-decaying
// suspicion score per user.
package integrity

import (
	"fmt"
	"math"
	"time"

	"github.com/sawpanic/geoguard/internal/geo"
	"github.com/sawpanic/geoguard/internal/store"
)

// Severity tiers a detector signal.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Signal names in audit details and metrics.
const (
	SignalImpossibleVelocity = "impossible_velocity"
	SignalCoordinateJitter   = "coordinate_jitter"
	SignalImplausibleHistory = "implausible_history"
	SignalAccuracyAnomaly    = "accuracy_anomaly"
)

// Signal is one detected anomaly. Each detector produces zero or one
// signal per call.
type Signal struct {
	Type     string   `json:"type"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
}

// DetectorConfig holds the heuristics' thresholds.
type DetectorConfig struct {
	// VelocityCeilingKmh is the hard instantaneous-speed ceiling;
	// severity escalates past twice the ceiling.
	VelocityCeilingKmh float64 `yaml:"velocity_ceiling_kmh"`

	// Jitter: consecutive pairs closer than JitterDistanceM within
	// JitterInterval, at least JitterMinCount times in the last
	// JitterWindow points.
	JitterWindow    int           `yaml:"jitter_window"`
	JitterDistanceM float64       `yaml:"jitter_distance_m"`
	JitterInterval  time.Duration `yaml:"jitter_interval"`
	JitterMinCount  int           `yaml:"jitter_min_count"`

	// History: exact-coordinate repetition above RepeatRatio of the
	// window, or bearing standard deviation under BearingStdDevMax
	// across at least BearingMinLegs consecutive legs.
	HistoryWindow    int     `yaml:"history_window"`
	RepeatRatio      float64 `yaml:"repeat_ratio"`
	BearingMinLegs   int     `yaml:"bearing_min_legs"`
	BearingStdDevMax float64 `yaml:"bearing_stddev_max"`

	// Accuracy: reported GPS accuracy finer than AccuracyMinM, or
	// identical across AccuracyRepeatCount consecutive samples.
	AccuracyMinM        float64 `yaml:"accuracy_min_m"`
	AccuracyRepeatCount int     `yaml:"accuracy_repeat_count"`
}

// DefaultDetectorConfig returns the production thresholds.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		VelocityCeilingKmh:  500,
		JitterWindow:        10,
		JitterDistanceM:     5,
		JitterInterval:      500 * time.Millisecond,
		JitterMinCount:      5,
		HistoryWindow:       30,
		RepeatRatio:         0.5,
		BearingMinLegs:      8,
		BearingStdDevMax:    2.0,
		AccuracyMinM:        1.0,
		AccuracyRepeatCount: 5,
	}
}

// entries are newest-first throughout; entries[0] is the point under
// evaluation.

func detectImpossibleVelocity(entries []store.HistoryEntry, cfg DetectorConfig) *Signal {
	if len(entries) < 2 {
		return nil
	}

	newest, previous := entries[0], entries[1]
	speed := geo.SpeedKmh(
		geo.DistanceMeters(previous.Lat, previous.Lng, newest.Lat, newest.Lng),
		newest.Timestamp.Sub(previous.Timestamp),
	)
	if speed <= cfg.VelocityCeilingKmh {
		return nil
	}

	severity := SeverityMedium
	if speed > 2*cfg.VelocityCeilingKmh {
		severity = SeverityHigh
	}
	return &Signal{
		Type:     SignalImpossibleVelocity,
		Severity: severity,
		Detail:   fmt.Sprintf("instantaneous speed %.0f km/h exceeds ceiling %.0f km/h", speed, cfg.VelocityCeilingKmh),
	}
}

func detectCoordinateJitter(entries []store.HistoryEntry, cfg DetectorConfig) *Signal {
	window := entries
	if len(window) > cfg.JitterWindow {
		window = window[:cfg.JitterWindow]
	}
	if len(window) < 2 {
		return nil
	}

	count := 0
	for i := 0; i+1 < len(window); i++ {
		dist := geo.DistanceMeters(window[i+1].Lat, window[i+1].Lng, window[i].Lat, window[i].Lng)
		dt := window[i].Timestamp.Sub(window[i+1].Timestamp)
		if dist < cfg.JitterDistanceM && dt >= 0 && dt < cfg.JitterInterval {
			count++
		}
	}
	if count < cfg.JitterMinCount {
		return nil
	}

	return &Signal{
		Type:     SignalCoordinateJitter,
		Severity: SeverityMedium,
		Detail:   fmt.Sprintf("%d sub-%.0fm micro-movements within %s", count, cfg.JitterDistanceM, cfg.JitterInterval),
	}
}

func detectImplausibleHistory(entries []store.HistoryEntry, cfg DetectorConfig) *Signal {
	window := entries
	if len(window) > cfg.HistoryWindow {
		window = window[:cfg.HistoryWindow]
	}

	// (a) exact-coordinate repetition beyond a proportional threshold.
	if len(window) >= 8 {
		counts := make(map[[2]float64]int, len(window))
		max := 0
		for _, entry := range window {
			key := [2]float64{entry.Lat, entry.Lng}
			counts[key]++
			if counts[key] > max {
				max = counts[key]
			}
		}
		if float64(max) > cfg.RepeatRatio*float64(len(window)) {
			return &Signal{
				Type:     SignalImplausibleHistory,
				Severity: SeverityMedium,
				Detail:   fmt.Sprintf("identical coordinates repeated %d of %d samples", max, len(window)),
			}
		}
	}

	// (b) unnaturally constant bearing across consecutive legs:
	// scripted straight-line movement.
	if len(window) >= cfg.BearingMinLegs+1 {
		bearings := make([]float64, 0, len(window)-1)
		for i := 0; i+1 < len(window); i++ {
			from, to := window[i+1], window[i]
			if geo.DistanceMeters(from.Lat, from.Lng, to.Lat, to.Lng) < 1 {
				continue
			}
			bearings = append(bearings, geo.BearingDegrees(from.Lat, from.Lng, to.Lat, to.Lng))
		}
		if len(bearings) >= cfg.BearingMinLegs && stdDev(bearings) < cfg.BearingStdDevMax {
			return &Signal{
				Type:     SignalImplausibleHistory,
				Severity: SeverityLow,
				Detail:   fmt.Sprintf("bearing variance %.2f° across %d legs", stdDev(bearings), len(bearings)),
			}
		}
	}

	return nil
}

func detectAccuracyAnomaly(entries []store.HistoryEntry, cfg DetectorConfig) *Signal {
	if len(entries) == 0 || entries[0].Accuracy == nil {
		return nil
	}

	if *entries[0].Accuracy < cfg.AccuracyMinM {
		return &Signal{
			Type:     SignalAccuracyAnomaly,
			Severity: SeverityMedium,
			Detail:   fmt.Sprintf("reported accuracy %.2fm implausibly fine", *entries[0].Accuracy),
		}
	}

	// Identical reported accuracy across consecutive samples. Exact
	// comparison is intentional: honest devices report quantized but
	// varying values.
	run := 1
	for i := 1; i < len(entries) && entries[i].Accuracy != nil; i++ {
		if *entries[i].Accuracy != *entries[0].Accuracy {
			break
		}
		run++
	}
	if run >= cfg.AccuracyRepeatCount {
		return &Signal{
			Type:     SignalAccuracyAnomaly,
			Severity: SeverityLow,
			Detail:   fmt.Sprintf("accuracy %.2fm identical across %d consecutive samples", *entries[0].Accuracy, run),
		}
	}

	return nil
}

func stdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	return math.Sqrt(variance / float64(len(values)))
}
