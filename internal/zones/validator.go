// Package zones decides whether a coordinate falls inside a restricted
// zone. The cell-level candidate set comes from the spatial cache; the
// precise point-in-polygon test runs only when candidates exist.
package zones

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/geoguard/internal/geo"
	"github.com/sawpanic/geoguard/internal/persistence"
)

// SystemErrorZoneID marks the synthetic block returned on the fail-closed
// path. It is not a real zone.
const SystemErrorZoneID = "system_error"

// SpatialCache is the slice of the spatial cache this validator needs.
type SpatialCache interface {
	ResolveCell(lat, lng float64) string
	ZonesForCell(ctx context.Context, cellID string) (persistence.CellZoneSet, error)
	InvalidateCell(ctx context.Context, cellID string) error
}

// ZoneBlock identifies the zone that blocked a location.
type ZoneBlock struct {
	ZoneID   string                   `json:"zone_id"`
	Name     string                   `json:"name"`
	Category persistence.ZoneCategory `json:"category"`
}

// CheckResult is the outcome of one location check. BlockedBy is nil iff
// Allowed, so "no block" is structurally distinct from "unknown".
type CheckResult struct {
	Allowed   bool       `json:"allowed"`
	BlockedBy *ZoneBlock `json:"blocked_by,omitempty"`
	CellID    string     `json:"cell_id"`
}

// Coordinate is one point in a batch check.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validator performs zone checks and owns the zone lifecycle operations.
type Validator struct {
	cache SpatialCache
	zones persistence.ZoneRepo
	now   func() time.Time
}

// NewValidator creates a zone validator.
func NewValidator(cache SpatialCache, zones persistence.ZoneRepo) *Validator {
	return &Validator{cache: cache, zones: zones, now: time.Now}
}

// CheckLocation resolves the coordinate's cell and tests it against the
// cell's candidate zones. Fail closed: any failure along the path yields
// a deny with a synthetic system-error marker together with the error,
// never an allow.
func (v *Validator) CheckLocation(ctx context.Context, lat, lng float64) (CheckResult, error) {
	cellID := v.cache.ResolveCell(lat, lng)

	set, err := v.cache.ZonesForCell(ctx, cellID)
	if err != nil {
		return failClosed(cellID), fmt.Errorf("zone check for cell %s: %w", cellID, err)
	}

	// Majority case: the cell intersects no zones. Allowed without a
	// single containment query.
	if len(set.ZoneIDs) == 0 {
		return CheckResult{Allowed: true, CellID: cellID}, nil
	}

	candidates, err := v.zones.GetByIDs(ctx, set.ZoneIDs)
	if err != nil {
		return failClosed(cellID), fmt.Errorf("load candidate zones for cell %s: %w", cellID, err)
	}

	now := v.now()
	point := orb.Point{lng, lat}

	// Highest-priority category wins deterministically.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Category.Priority() < candidates[j].Category.Priority()
	})
	for _, zone := range candidates {
		if !zone.ActiveAt(now) {
			continue
		}
		if containsPoint(zone.Geometry, point) {
			return CheckResult{
				Allowed: false,
				BlockedBy: &ZoneBlock{
					ZoneID:   zone.ID,
					Name:     zone.Name,
					Category: zone.Category,
				},
				CellID: cellID,
			}, nil
		}
	}

	// Cell-level candidate but the exact point is outside every zone.
	return CheckResult{Allowed: true, CellID: cellID}, nil
}

// CheckLocations checks a batch of coordinates independently and
// concurrently. Results are order-preserving; no state is shared between
// checks.
func (v *Validator) CheckLocations(ctx context.Context, coords []Coordinate) []CheckResult {
	results := make([]CheckResult, len(coords))

	var wg sync.WaitGroup
	for i, coord := range coords {
		wg.Add(1)
		go func(i int, coord Coordinate) {
			defer wg.Done()
			result, err := v.CheckLocation(ctx, coord.Lat, coord.Lng)
			if err != nil {
				log.Warn().Err(err).Msg("batch zone check failed closed")
			}
			results[i] = result
		}(i, coord)
	}
	wg.Wait()

	return results
}

// CreateZone persists a zone, precomputes its member cells at storage
// resolution and invalidates the cache for exactly those cells.
func (v *Validator) CreateZone(ctx context.Context, zone persistence.ExclusionZone) (*persistence.ExclusionZone, error) {
	if zone.ID == "" {
		zone.ID = uuid.NewString()
	}
	if zone.EffectiveFrom.IsZero() {
		zone.EffectiveFrom = v.now().UTC()
	}

	cells, err := geo.CoveringCells(zone.Geometry, geo.StorageResolution)
	if err != nil {
		return nil, fmt.Errorf("compute member cells for zone %s: %w", zone.ID, err)
	}
	zone.Cells = cells

	if err := v.zones.Create(ctx, zone); err != nil {
		return nil, err
	}

	for _, cellID := range cells {
		if err := v.cache.InvalidateCell(ctx, cellID); err != nil {
			log.Warn().Err(err).Str("zone", zone.ID).Str("cell", cellID).Msg("cache invalidation after zone create failed")
		}
	}

	log.Info().Str("zone", zone.ID).Str("category", string(zone.Category)).Int("cells", len(cells)).Msg("zone created")
	return &zone, nil
}

// DeleteZone removes a zone. Member cells are invalidated before the
// delete and once more after it, so a read racing the delete cannot
// leave the dead zone cached.
func (v *Validator) DeleteZone(ctx context.Context, zoneID string) error {
	cells, err := v.zones.MemberCells(ctx, zoneID)
	if err != nil {
		return fmt.Errorf("resolve member cells for zone %s: %w", zoneID, err)
	}

	for _, cellID := range cells {
		if err := v.cache.InvalidateCell(ctx, cellID); err != nil {
			return fmt.Errorf("pre-delete invalidation for zone %s: %w", zoneID, err)
		}
	}

	if err := v.zones.Delete(ctx, zoneID); err != nil {
		return err
	}

	// Second pass clears any recompute that raced the delete.
	for _, cellID := range cells {
		if err := v.cache.InvalidateCell(ctx, cellID); err != nil {
			log.Warn().Err(err).Str("zone", zoneID).Str("cell", cellID).Msg("post-delete invalidation failed")
		}
	}

	log.Info().Str("zone", zoneID).Int("cells", len(cells)).Msg("zone deleted")
	return nil
}

func failClosed(cellID string) CheckResult {
	return CheckResult{
		Allowed: false,
		BlockedBy: &ZoneBlock{
			ZoneID:   SystemErrorZoneID,
			Name:     "validation unavailable",
			Category: persistence.CategoryCustom,
		},
		CellID: cellID,
	}
}

func containsPoint(geometry orb.Geometry, point orb.Point) bool {
	switch g := geometry.(type) {
	case orb.Polygon:
		return planar.PolygonContains(g, point)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(g, point)
	default:
		return false
	}
}
