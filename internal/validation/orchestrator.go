// Package validation sequences the location checks (zone, speed,
// integrity) cheapest and most decisive first, short-circuiting on the
// first deny, and writes the audit trail off the hot path.
package validation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/geoguard/internal/geo"
	"github.com/sawpanic/geoguard/internal/integrity"
	"github.com/sawpanic/geoguard/internal/kinematics"
	"github.com/sawpanic/geoguard/internal/metrics"
	"github.com/sawpanic/geoguard/internal/persistence"
	"github.com/sawpanic/geoguard/internal/telemetry/latency"
	"github.com/sawpanic/geoguard/internal/zones"
)

// ResultCode is the exhaustive set of validation outcomes.
// CodeRateLimited is emitted by the rate-limit middleware upstream of
// the pipeline but shares this enum.
type ResultCode string

const (
	CodeValid       ResultCode = "valid"
	CodeBlockedZone ResultCode = "blocked_exclusion_zone"
	CodeSpeedLock   ResultCode = "blocked_speed_lockout"
	CodeSpoof       ResultCode = "blocked_spoof_detected"
	CodeRateLimited ResultCode = "blocked_rate_limit"
	CodeError       ResultCode = "error"
)

// Request carries one location update through the pipeline.
type Request struct {
	UserID     string            `json:"user_id"`
	SessionID  string            `json:"session_id"`
	Lat        float64           `json:"lat"`
	Lng        float64           `json:"lng"`
	Accuracy   *float64          `json:"accuracy,omitempty"`
	Altitude   *float64          `json:"altitude,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	DeviceMeta map[string]string `json:"device_meta,omitempty"`
}

// Response is the assembled validation outcome. Stage results are nil
// for stages that never ran because an earlier stage denied.
type Response struct {
	RequestID string             `json:"request_id"`
	Code      ResultCode         `json:"code"`
	Valid     bool               `json:"valid"`
	CellID    string             `json:"cell_id"`
	Zone      *zones.CheckResult `json:"zone,omitempty"`
	Speed     *kinematics.Result `json:"speed,omitempty"`
	Integrity *integrity.Result  `json:"integrity,omitempty"`
	LatencyMS int64              `json:"latency_ms"`
}

// ZoneChecker is the zone-validation stage.
type ZoneChecker interface {
	CheckLocation(ctx context.Context, lat, lng float64) (zones.CheckResult, error)
}

// SpeedChecker is the kinematic-validation stage.
type SpeedChecker interface {
	ValidateSpeed(ctx context.Context, sessionID string, lat, lng float64, accuracy *float64, ts time.Time) (kinematics.Result, error)
}

// IntegrityAnalyzer is the anti-spoof stage.
type IntegrityAnalyzer interface {
	Analyze(ctx context.Context, userID, sessionID string, lat, lng float64, accuracy *float64, ts time.Time) (integrity.Result, error)
}

// CacheStatus reports local-cache occupancy for health checks.
type CacheStatus interface {
	Occupancy() (entries, capacity int)
}

// Orchestrator is the sole upward-facing entry point of the pipeline.
type Orchestrator struct {
	zones     ZoneChecker
	speed     SpeedChecker
	integrity IntegrityAnalyzer
	audit     persistence.AuditRepo
	cache     CacheStatus
	redis     persistence.Pinger
	db        persistence.Pinger
	tracker   *latency.StageTracker
}

// New creates an orchestrator over explicitly constructed stages.
func New(zc ZoneChecker, sc SpeedChecker, ia IntegrityAnalyzer, audit persistence.AuditRepo, cache CacheStatus, redis, db persistence.Pinger) *Orchestrator {
	return &Orchestrator{
		zones:     zc,
		speed:     sc,
		integrity: ia,
		audit:     audit,
		cache:     cache,
		redis:     redis,
		db:        db,
		tracker:   latency.NewStageTracker(),
	}
}

// ValidateLocation runs the full pipeline for one request. The three
// stages are strictly sequential; correctness requires short-circuiting
// on the first deny. Any stage error yields CodeError, a deny for all
// gameplay purposes, while the cell identifier is still resolved for
// the audit trail via the pure resolve function.
func (o *Orchestrator) ValidateLocation(ctx context.Context, req Request) Response {
	started := time.Now()
	resp := Response{
		RequestID: uuid.NewString(),
		CellID:    geo.ResolveCell(req.Lat, req.Lng, geo.StorageResolution),
	}

	resp.Code = o.runStages(ctx, req, &resp)
	resp.Valid = resp.Code == CodeValid
	resp.LatencyMS = time.Since(started).Milliseconds()

	o.tracker.Record(latency.StageTotal, time.Since(started))
	metrics.ValidationsTotal.WithLabelValues(string(resp.Code)).Inc()
	metrics.ValidationLatency.Observe(time.Since(started).Seconds())

	// Audit off the hot path; its failure never alters the result.
	go o.writeAudit(req, resp)

	return resp
}

func (o *Orchestrator) runStages(ctx context.Context, req Request, resp *Response) ResultCode {
	zoneStart := time.Now()
	zoneResult, err := o.zones.CheckLocation(ctx, req.Lat, req.Lng)
	o.tracker.Record(latency.StageZone, time.Since(zoneStart))
	resp.Zone = &zoneResult
	if err != nil {
		log.Error().Err(err).Str("request", resp.RequestID).Msg("zone stage failed, denying")
		return CodeError
	}
	if !zoneResult.Allowed {
		return CodeBlockedZone
	}

	speedStart := time.Now()
	speedResult, err := o.speed.ValidateSpeed(ctx, req.SessionID, req.Lat, req.Lng, req.Accuracy, req.Timestamp)
	o.tracker.Record(latency.StageSpeed, time.Since(speedStart))
	if err != nil {
		log.Error().Err(err).Str("request", resp.RequestID).Msg("speed stage failed, denying")
		return CodeError
	}
	resp.Speed = &speedResult
	if !speedResult.Allowed {
		return CodeSpeedLock
	}

	integrityStart := time.Now()
	integrityResult, err := o.integrity.Analyze(ctx, req.UserID, req.SessionID, req.Lat, req.Lng, req.Accuracy, req.Timestamp)
	o.tracker.Record(latency.StageIntegrity, time.Since(integrityStart))
	if err != nil {
		log.Error().Err(err).Str("request", resp.RequestID).Msg("integrity stage failed, denying")
		return CodeError
	}
	resp.Integrity = &integrityResult
	if integrityResult.Suspected {
		return CodeSpoof
	}

	return CodeValid
}

// ValidateLocations validates a batch independently and concurrently,
// order-preserving. Each underlying store call is bounded by its own
// timeout, so an aborted caller never blocks on the batch indefinitely.
func (o *Orchestrator) ValidateLocations(ctx context.Context, reqs []Request) []Response {
	responses := make([]Response, len(reqs))

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			responses[i] = o.ValidateLocation(ctx, req)
		}(i, req)
	}
	wg.Wait()

	return responses
}

func (o *Orchestrator) writeAudit(req Request, resp Response) {
	auditStart := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rec := persistence.AuditRecord{
		ID:         uuid.NewString(),
		RequestID:  resp.RequestID,
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		CellID:     resp.CellID,
		ResultCode: string(resp.Code),
		LatencyMS:  resp.LatencyMS,
		CreatedAt:  time.Now().UTC(),
	}

	details := make(map[string]interface{})
	if resp.Code == CodeBlockedZone && resp.Zone != nil && resp.Zone.BlockedBy != nil {
		rec.BlockedZoneID = &resp.Zone.BlockedBy.ZoneID
		details["zone_category"] = string(resp.Zone.BlockedBy.Category)
	}
	if resp.Speed != nil {
		details["average_kmh"] = resp.Speed.AverageKmh
	}
	if resp.Integrity != nil && len(resp.Integrity.Signals) > 0 {
		types := make([]string, 0, len(resp.Integrity.Signals))
		for _, sig := range resp.Integrity.Signals {
			types = append(types, sig.Type)
		}
		details["signals"] = types
		details["score"] = resp.Integrity.Confidence
	}
	if len(details) > 0 {
		rec.Details = details
	}

	if err := o.audit.Insert(ctx, rec); err != nil {
		metrics.AuditWriteFailures.Inc()
		log.Warn().Err(err).Str("request", resp.RequestID).Msg("audit write failed, swallowed")
	}
	o.tracker.Record(latency.StageAudit, time.Since(auditStart))
}

// Health reports downstream reachability and local cache occupancy.
type Health struct {
	Status       string    `json:"status"`
	Redis        bool      `json:"redis"`
	Postgres     bool      `json:"postgres"`
	CacheEntries int       `json:"cache_entries"`
	CacheCap     int       `json:"cache_capacity"`
	Timestamp    time.Time `json:"timestamp"`
}

// HealthCheck pings downstream stores and reports cache occupancy.
func (o *Orchestrator) HealthCheck(ctx context.Context) Health {
	h := Health{Status: "ok", Timestamp: time.Now().UTC()}

	if err := o.redis.PingContext(ctx); err != nil {
		h.Status = "degraded"
		log.Warn().Err(err).Msg("health: redis unreachable")
	} else {
		h.Redis = true
	}
	if err := o.db.PingContext(ctx); err != nil {
		h.Status = "degraded"
		log.Warn().Err(err).Msg("health: postgres unreachable")
	} else {
		h.Postgres = true
	}
	h.CacheEntries, h.CacheCap = o.cache.Occupancy()

	return h
}

// Stats aggregates audit outcomes and latency percentiles over a
// trailing window, plus the in-process per-stage histograms.
type Stats struct {
	Audit  *persistence.AuditStats                `json:"audit"`
	Stages map[latency.StageType]latency.Snapshot `json:"stages"`
}

// Stats reports the result-code histogram and latency percentiles for
// the trailing window, computed from the audit store.
func (o *Orchestrator) Stats(ctx context.Context, windowMinutes int) (*Stats, error) {
	if windowMinutes <= 0 {
		windowMinutes = 60
	}
	audit, err := o.audit.Stats(ctx, time.Now().Add(-time.Duration(windowMinutes)*time.Minute))
	if err != nil {
		return nil, err
	}
	return &Stats{Audit: audit, Stages: o.tracker.Snapshots()}, nil
}
