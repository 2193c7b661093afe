// Package kinematics detects vehicular travel from a session's recent
// position history and enforces a timed speed lockout.
package kinematics

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/geoguard/internal/geo"
	"github.com/sawpanic/geoguard/internal/metrics"
	"github.com/sawpanic/geoguard/internal/store"
)

// History is the slice of the session history store this validator needs.
type History interface {
	Append(ctx context.Context, sessionID string, entry store.HistoryEntry) error
	Recent(ctx context.Context, sessionID string, n int64) ([]store.HistoryEntry, error)
	Clear(ctx context.Context, sessionID string) error
}

// Lockouts is the slice of the lockout store this validator needs.
type Lockouts interface {
	Lock(ctx context.Context, sessionID string, d time.Duration) (time.Time, error)
	Locked(ctx context.Context, sessionID string) (bool, time.Time, error)
	Unlock(ctx context.Context, sessionID string) error
}

// Config holds the speed thresholds.
type Config struct {
	// Window is the trailing window the average speed is computed over.
	Window time.Duration `yaml:"window"`
	// MaxAverageKmh is the windowed average speed above which a session
	// is locked.
	MaxAverageKmh float64 `yaml:"max_average_kmh"`
	// LockDuration is how long a locked session stays denied.
	LockDuration time.Duration `yaml:"lock_duration"`
}

// DefaultConfig returns the production defaults: walking-speed ceiling,
// one-minute lockout.
func DefaultConfig() Config {
	return Config{
		Window:        30 * time.Second,
		MaxAverageKmh: 15,
		LockDuration:  60 * time.Second,
	}
}

// Result is the outcome of one speed evaluation.
type Result struct {
	Allowed       bool       `json:"allowed"`
	CurrentKmh    float64    `json:"current_kmh"`
	AverageKmh    float64    `json:"average_kmh"`
	Locked        bool       `json:"locked"`
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty"`
}

// Validator evaluates per-session movement speed. Lock state lives in
// the distributed store so it holds across processes; expiry is computed
// by the store's TTL, never scheduled.
type Validator struct {
	history  History
	lockouts Lockouts
	cfg      Config
}

// NewValidator creates a speed validator.
func NewValidator(history History, lockouts Lockouts, cfg Config) *Validator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.MaxAverageKmh <= 0 {
		cfg.MaxAverageKmh = DefaultConfig().MaxAverageKmh
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = DefaultConfig().LockDuration
	}
	return &Validator{history: history, lockouts: lockouts, cfg: cfg}
}

// ValidateSpeed evaluates a position update. A locked session is denied
// without recomputation; otherwise the position is appended to the
// session history first, so a borderline session's own update is visible
// in the trailing window of its check. The reported accuracy rides along
// on the stored entry for the downstream integrity detectors.
func (v *Validator) ValidateSpeed(ctx context.Context, sessionID string, lat, lng float64, accuracy *float64, ts time.Time) (Result, error) {
	locked, expiresAt, err := v.lockouts.Locked(ctx, sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("lockout check for session %s: %w", sessionID, err)
	}
	if locked {
		result := Result{Allowed: false, Locked: true}
		if !expiresAt.IsZero() {
			result.LockExpiresAt = &expiresAt
		}
		return result, nil
	}

	entry := store.HistoryEntry{
		CellID:    geo.ResolveCell(lat, lng, geo.GameplayResolution),
		Lat:       lat,
		Lng:       lng,
		Accuracy:  accuracy,
		Timestamp: ts,
	}
	if err := v.history.Append(ctx, sessionID, entry); err != nil {
		return Result{}, fmt.Errorf("history append for session %s: %w", sessionID, err)
	}

	entries, err := v.history.Recent(ctx, sessionID, 0)
	if err != nil {
		return Result{}, fmt.Errorf("history read for session %s: %w", sessionID, err)
	}

	current, average := speeds(entries, v.cfg.Window)
	if average > v.cfg.MaxAverageKmh {
		lockExpiry, err := v.lockouts.Lock(ctx, sessionID, v.cfg.LockDuration)
		if err != nil {
			return Result{}, fmt.Errorf("lock session %s: %w", sessionID, err)
		}
		metrics.SpeedLockouts.Inc()
		log.Info().
			Str("session", sessionID).
			Float64("average_kmh", average).
			Float64("threshold_kmh", v.cfg.MaxAverageKmh).
			Time("expires_at", lockExpiry).
			Msg("session locked for vehicular-speed movement")

		return Result{
			Allowed:       false,
			CurrentKmh:    current,
			AverageKmh:    average,
			Locked:        true,
			LockExpiresAt: &lockExpiry,
		}, nil
	}

	return Result{Allowed: true, CurrentKmh: current, AverageKmh: average}, nil
}

// Unlock clears a session's lockout manually.
func (v *Validator) Unlock(ctx context.Context, sessionID string) error {
	return v.lockouts.Unlock(ctx, sessionID)
}

// ClearHistory resets a session's kinematic state entirely. Used at
// session end.
func (v *Validator) ClearHistory(ctx context.Context, sessionID string) error {
	if err := v.history.Clear(ctx, sessionID); err != nil {
		return err
	}
	return v.lockouts.Unlock(ctx, sessionID)
}

// speeds computes the instantaneous speed (newest pair) and the windowed
// average (oldest-in-window to newest) from a newest-first history.
// Fewer than two samples in the window fall back to the instantaneous
// speed, so a single large jump still registers.
func speeds(entries []store.HistoryEntry, window time.Duration) (current, average float64) {
	if len(entries) < 2 {
		return 0, 0
	}

	newest, previous := entries[0], entries[1]
	current = geo.SpeedKmh(
		geo.DistanceMeters(previous.Lat, previous.Lng, newest.Lat, newest.Lng),
		newest.Timestamp.Sub(previous.Timestamp),
	)

	cutoff := newest.Timestamp.Add(-window)
	oldest := newest
	for _, entry := range entries[1:] {
		if entry.Timestamp.Before(cutoff) {
			break
		}
		oldest = entry
	}
	if oldest == newest {
		return current, current
	}

	average = geo.SpeedKmh(
		geo.DistanceMeters(oldest.Lat, oldest.Lng, newest.Lat, newest.Lng),
		newest.Timestamp.Sub(oldest.Timestamp),
	)
	return current, average
}
