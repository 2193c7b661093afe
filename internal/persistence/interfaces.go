// Package persistence defines the durable-store contracts consumed by the
// location validation pipeline. Implementations live in subpackages.
package persistence

import (
	"context"
	"time"

	"github.com/paulmach/orb"
)

// ZoneCategory classifies a restricted zone. Categories carry a fixed
// priority used to pick the winning zone when several contain a point.
type ZoneCategory string

const (
	CategorySchool      ZoneCategory = "school"
	CategoryHospital    ZoneCategory = "hospital"
	CategoryGovernment  ZoneCategory = "government"
	CategoryResidential ZoneCategory = "residential"
	CategoryCustom      ZoneCategory = "custom"
)

var categoryPriority = map[ZoneCategory]int{
	CategorySchool:      0,
	CategoryHospital:    1,
	CategoryGovernment:  2,
	CategoryResidential: 3,
	CategoryCustom:      4,
}

// Priority returns the category's rank; lower wins. Unknown categories
// rank below custom.
func (c ZoneCategory) Priority() int {
	if p, ok := categoryPriority[c]; ok {
		return p
	}
	return len(categoryPriority)
}

// ExclusionZone is a polygon-bounded restricted area. A zone is active
// iff EffectiveFrom <= now < EffectiveUntil (or EffectiveUntil is unset).
type ExclusionZone struct {
	ID             string       `json:"id" db:"id"`
	Name           string       `json:"name" db:"name"`
	Category       ZoneCategory `json:"category" db:"category"`
	Geometry       orb.Geometry `json:"geometry" db:"-"`
	Cells          []string     `json:"cells" db:"cells"`
	EffectiveFrom  time.Time    `json:"effective_from" db:"effective_from"`
	EffectiveUntil *time.Time   `json:"effective_until,omitempty" db:"effective_until"`
	Source         string       `json:"source" db:"source"`
	SourceID       *string      `json:"source_id,omitempty" db:"source_id"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
}

// ActiveAt reports whether the zone's effective window covers t.
func (z ExclusionZone) ActiveAt(t time.Time) bool {
	if t.Before(z.EffectiveFrom) {
		return false
	}
	return z.EffectiveUntil == nil || t.Before(*z.EffectiveUntil)
}

// CellZoneSet is the cached mapping of one cell to the zones whose
// geometry intersects it. An empty ZoneIDs slice means "known: no zones",
// which is distinct from a cache miss.
type CellZoneSet struct {
	CellID     string    `json:"cell_id" db:"cell_id"`
	ZoneIDs    []string  `json:"zone_ids" db:"zone_ids"`
	Categories []string  `json:"categories" db:"categories"`
	ComputedAt time.Time `json:"computed_at" db:"computed_at"`
}

// SuspicionScore is a user's cumulative, time-decaying spoofing score.
// Score is bounded to [0,1] and decays on elapsed time, never on request
// count.
type SuspicionScore struct {
	UserID      string     `json:"user_id" db:"user_id"`
	Score       float64    `json:"score" db:"score"`
	TotalChecks int64      `json:"total_checks" db:"total_checks"`
	TotalFlags  int64      `json:"total_flags" db:"total_flags"`
	LastFlagAt  *time.Time `json:"last_flag_at,omitempty" db:"last_flag_at"`
	LastDecayAt time.Time  `json:"last_decay_at" db:"last_decay_at"`
}

// AuditRecord is the append-only trail of one validation request. Only
// the coarse cell identifier is stored, never raw coordinates.
type AuditRecord struct {
	ID            string                 `json:"id" db:"id"`
	RequestID     string                 `json:"request_id" db:"request_id"`
	UserID        string                 `json:"user_id" db:"user_id"`
	SessionID     string                 `json:"session_id" db:"session_id"`
	CellID        string                 `json:"cell_id" db:"cell_id"`
	ResultCode    string                 `json:"result_code" db:"result_code"`
	BlockedZoneID *string                `json:"blocked_zone_id,omitempty" db:"blocked_zone_id"`
	Details       map[string]interface{} `json:"details,omitempty" db:"details"`
	LatencyMS     int64                  `json:"latency_ms" db:"latency_ms"`
	CreatedAt     time.Time              `json:"created_at" db:"created_at"`
}

// AuditStats aggregates the audit trail over a trailing window.
type AuditStats struct {
	Since      time.Time        `json:"since"`
	Total      int64            `json:"total"`
	ByCode     map[string]int64 `json:"by_code"`
	LatencyP50 float64          `json:"latency_p50_ms"`
	LatencyP95 float64          `json:"latency_p95_ms"`
	LatencyP99 float64          `json:"latency_p99_ms"`
}

// ZoneRepo provides restricted-zone persistence with spatial queries.
type ZoneRepo interface {
	// Create persists a zone with its geometry and precomputed member cells.
	Create(ctx context.Context, zone ExclusionZone) error

	// Delete removes a zone permanently.
	Delete(ctx context.Context, id string) error

	// GetByID returns a zone or nil when absent.
	GetByID(ctx context.Context, id string) (*ExclusionZone, error)

	// GetByIDs returns the zones for the given ids, geometry included.
	GetByIDs(ctx context.Context, ids []string) ([]ExclusionZone, error)

	// ActiveIntersecting returns zones active at the given instant whose
	// geometry intersects the boundary polygon. This is the compute path
	// behind a full cache miss.
	ActiveIntersecting(ctx context.Context, boundary orb.Polygon, at time.Time) ([]ExclusionZone, error)

	// MemberCells returns the precomputed cell membership of a zone.
	MemberCells(ctx context.Context, id string) ([]string, error)
}

// CellCacheRepo is the durable third tier of the spatial cache.
type CellCacheRepo interface {
	// Get returns the cached set for a cell, or nil on miss or expiry.
	Get(ctx context.Context, cellID string) (*CellZoneSet, error)

	// Put stores a set with an explicit expiry.
	Put(ctx context.Context, set CellZoneSet, expiresAt time.Time) error

	// Delete removes a cell's cached set. Idempotent.
	Delete(ctx context.Context, cellID string) error
}

// ScoreRepo is the durable mirror of the suspicion-score fast store.
type ScoreRepo interface {
	// Get returns a user's score or nil when the user has none.
	Get(ctx context.Context, userID string) (*SuspicionScore, error)

	// Upsert inserts or replaces a user's score.
	Upsert(ctx context.Context, score SuspicionScore) error
}

// AuditRepo provides the append-only validation audit trail.
type AuditRepo interface {
	// Insert appends one record. Failures must never fail the request
	// that produced the record; callers log and swallow.
	Insert(ctx context.Context, rec AuditRecord) error

	// Stats aggregates result codes and latency percentiles since the
	// given instant.
	Stats(ctx context.Context, since time.Time) (*AuditStats, error)
}

// Pinger reports reachability of a downstream store.
type Pinger interface {
	PingContext(ctx context.Context) error
}
