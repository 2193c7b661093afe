package integrity

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/geoguard/internal/geo"
	"github.com/sawpanic/geoguard/internal/metrics"
	"github.com/sawpanic/geoguard/internal/persistence"
	"github.com/sawpanic/geoguard/internal/store"
)

// History is the slice of the session history store the scorer needs.
type History interface {
	Recent(ctx context.Context, sessionID string, n int64) ([]store.HistoryEntry, error)
}

// FastScores is the ephemeral read/write path for suspicion scores.
type FastScores interface {
	Get(ctx context.Context, userID string) (*persistence.SuspicionScore, error)
	Put(ctx context.Context, score persistence.SuspicionScore) error
	CheckCount(ctx context.Context, userID string) (int64, error)
}

// Config holds the scoring parameters on top of the detector thresholds.
type Config struct {
	Detectors DetectorConfig `yaml:"detectors"`

	// Severity deltas and the per-call cap on their sum.
	DeltaHigh   float64 `yaml:"delta_high"`
	DeltaMedium float64 `yaml:"delta_medium"`
	DeltaLow    float64 `yaml:"delta_low"`
	PerCallCap  float64 `yaml:"per_call_cap"`

	// DecayPerHour is the continuous linear decay rate; decay depends on
	// elapsed time only, never on request count.
	DecayPerHour float64 `yaml:"decay_per_hour"`

	// SuspectThreshold is the score at or above which a user is suspected.
	SuspectThreshold float64 `yaml:"suspect_threshold"`

	// MirrorEvery mirrors a clean check to the durable store every Nth
	// call; positive deltas always mirror.
	MirrorEvery int64 `yaml:"mirror_every"`
}

// DefaultConfig returns the production scoring parameters.
func DefaultConfig() Config {
	return Config{
		Detectors:        DefaultDetectorConfig(),
		DeltaHigh:        0.2,
		DeltaMedium:      0.1,
		DeltaLow:         0.05,
		PerCallCap:       0.3,
		DecayPerHour:     0.1,
		SuspectThreshold: 0.7,
		MirrorEvery:      20,
	}
}

// Result is the outcome of one integrity analysis. Confidence is the
// user's cumulative score after this call.
type Result struct {
	Suspected  bool     `json:"suspected"`
	Confidence float64  `json:"confidence"`
	Signals    []Signal `json:"signals,omitempty"`
}

// Scorer runs the detectors and maintains the per-user suspicion score.
// This is a behavioral-scoring design, not a binary ban mechanism:
// repeated low-severity signals accumulate toward the threshold and a
// clean stretch of time decays the score back toward zero.
type Scorer struct {
	history History
	fast    FastScores
	durable persistence.ScoreRepo
	cfg     Config
	now     func() time.Time
}

// NewScorer creates an integrity scorer.
func NewScorer(history History, fast FastScores, durable persistence.ScoreRepo, cfg Config) *Scorer {
	if cfg.PerCallCap <= 0 {
		cfg = DefaultConfig()
	}
	return &Scorer{history: history, fast: fast, durable: durable, cfg: cfg, now: time.Now}
}

// Analyze runs the four detectors against the session history plus the
// new point and folds the resulting signals into the user's decayed
// cumulative score.
func (s *Scorer) Analyze(ctx context.Context, userID, sessionID string, lat, lng float64, accuracy *float64, ts time.Time) (Result, error) {
	entries, err := s.history.Recent(ctx, sessionID, int64(s.cfg.Detectors.HistoryWindow))
	if err != nil {
		return Result{}, fmt.Errorf("history read for session %s: %w", sessionID, err)
	}

	incoming := store.HistoryEntry{
		CellID:    geo.ResolveCell(lat, lng, geo.GameplayResolution),
		Lat:       lat,
		Lng:       lng,
		Accuracy:  accuracy,
		Timestamp: ts,
	}
	entries = withIncoming(entries, incoming)

	var signals []Signal
	for _, detect := range []func([]store.HistoryEntry, DetectorConfig) *Signal{
		detectImpossibleVelocity,
		detectCoordinateJitter,
		detectImplausibleHistory,
		detectAccuracyAnomaly,
	} {
		if sig := detect(entries, s.cfg.Detectors); sig != nil {
			signals = append(signals, *sig)
			metrics.DetectorSignals.WithLabelValues(sig.Type, string(sig.Severity)).Inc()
		}
	}

	delta := s.delta(signals)
	score, err := s.updateScore(ctx, userID, delta)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Suspected:  score.Score >= s.cfg.SuspectThreshold,
		Confidence: score.Score,
		Signals:    signals,
	}
	if result.Suspected {
		log.Info().
			Str("user", userID).
			Float64("score", score.Score).
			Int("signals", len(signals)).
			Msg("user over spoof-suspicion threshold")
	}
	return result, nil
}

// delta maps signal severities to score deltas, summed and capped per
// call so one bad sample cannot swing the score alone.
func (s *Scorer) delta(signals []Signal) float64 {
	var delta float64
	for _, sig := range signals {
		switch sig.Severity {
		case SeverityHigh:
			delta += s.cfg.DeltaHigh
		case SeverityMedium:
			delta += s.cfg.DeltaMedium
		default:
			delta += s.cfg.DeltaLow
		}
	}
	if delta > s.cfg.PerCallCap {
		delta = s.cfg.PerCallCap
	}
	return delta
}

// updateScore loads the user's score (fast store first, durable mirror
// as fallback), applies continuous time-decay, folds in the delta and
// writes it back. The durable store is written on every positive delta
// and periodically otherwise, so fast-store eviction never loses flags.
func (s *Scorer) updateScore(ctx context.Context, userID string, delta float64) (persistence.SuspicionScore, error) {
	now := s.now().UTC()

	score, err := s.fast.Get(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("fast score store unavailable, falling back to durable")
		score = nil
	}
	if score == nil {
		durable, derr := s.durable.Get(ctx, userID)
		if derr != nil {
			if err != nil {
				// Both stores down: fail, the orchestrator denies.
				return persistence.SuspicionScore{}, fmt.Errorf("score lookup for user %s: %w", userID, derr)
			}
			log.Warn().Err(derr).Str("user", userID).Msg("durable score read failed, starting fresh")
		}
		score = durable
	}
	if score == nil {
		score = &persistence.SuspicionScore{UserID: userID, LastDecayAt: now}
	}

	score.Score = Decay(score.Score, s.cfg.DecayPerHour, now.Sub(score.LastDecayAt))
	score.Score = clamp(score.Score + delta)
	score.LastDecayAt = now
	score.TotalChecks++
	if delta > 0 {
		score.TotalFlags++
		score.LastFlagAt = &now
	}

	if err := s.fast.Put(ctx, *score); err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("fast score write failed")
	}

	mirror := delta > 0
	if !mirror && s.cfg.MirrorEvery > 0 {
		if n, cerr := s.fast.CheckCount(ctx, userID); cerr == nil && n%s.cfg.MirrorEvery == 0 {
			mirror = true
		}
	}
	if mirror {
		if err := s.durable.Upsert(ctx, *score); err != nil {
			log.Warn().Err(err).Str("user", userID).Msg("durable score mirror failed")
		}
	}

	return *score, nil
}

// Decay applies continuous linear time-decay to a score, floored at 0.
func Decay(score, ratePerHour float64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return clamp(score)
	}
	return clamp(score - ratePerHour*elapsed.Hours())
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// withIncoming ensures the point under evaluation heads the history.
// The kinematic stage usually appends it before the scorer runs; a
// standalone Analyze call sees it prepended here instead.
func withIncoming(entries []store.HistoryEntry, incoming store.HistoryEntry) []store.HistoryEntry {
	if len(entries) > 0 &&
		entries[0].Timestamp.Equal(incoming.Timestamp) &&
		entries[0].Lat == incoming.Lat && entries[0].Lng == incoming.Lng {
		// Already appended by the speed stage; overwrite the accuracy
		// so the detectors always see the value from this request.
		entries[0].Accuracy = incoming.Accuracy
		return entries
	}
	return append([]store.HistoryEntry{incoming}, entries...)
}
