// Package spatial implements the three-tier spatial cache that resolves
// coordinates to cells and cells to the restricted zones intersecting
// them: process-local LRU, Redis, then a durable PostgreSQL table, with
// compute-and-populate on a full miss.
package spatial

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/geoguard/internal/geo"
	"github.com/sawpanic/geoguard/internal/metrics"
	"github.com/sawpanic/geoguard/internal/persistence"
	"github.com/sawpanic/geoguard/internal/store"
)

// ErrUnavailable is returned when every tier and the compute path have
// failed. An empty zone set would be indistinguishable from "known: no
// zones" and is never returned in that case.
var ErrUnavailable = errors.New("spatial cache unavailable")

// Config bounds the cache tiers.
type Config struct {
	LocalSize  int           `yaml:"local_size"`
	LocalTTL   time.Duration `yaml:"local_ttl"`
	RedisTTL   time.Duration `yaml:"redis_ttl"`
	DurableTTL time.Duration `yaml:"durable_ttl"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		LocalSize:  10000,
		LocalTTL:   60 * time.Second,
		RedisTTL:   24 * time.Hour,
		DurableTTL: 24 * time.Hour,
	}
}

// Cache is the three-tier cell-to-zones cache.
type Cache struct {
	local   *lruCache
	redis   *store.Store
	breaker *gobreaker.CircuitBreaker
	cells   persistence.CellCacheRepo
	zones   persistence.ZoneRepo
	cfg     Config
}

// New creates a spatial cache over the given tiers.
func New(redisStore *store.Store, cells persistence.CellCacheRepo, zones persistence.ZoneRepo, cfg Config) *Cache {
	settings := gobreaker.Settings{Name: "spatial-redis"}
	settings.Interval = 60 * time.Second
	settings.Timeout = 30 * time.Second
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		if counts.Requests < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
	}

	return &Cache{
		local:   newLRUCache(cfg.LocalSize, cfg.LocalTTL),
		redis:   redisStore,
		breaker: gobreaker.NewCircuitBreaker(settings),
		cells:   cells,
		zones:   zones,
		cfg:     cfg,
	}
}

// ResolveCell maps a coordinate to its coarse storage-resolution cell.
// Pure computation; cannot fail.
func (c *Cache) ResolveCell(lat, lng float64) string {
	return geo.ResolveCell(lat, lng, geo.StorageResolution)
}

// ResolveGameplayCell maps a coordinate to its finer gameplay cell.
func (c *Cache) ResolveGameplayCell(lat, lng float64) string {
	return geo.ResolveCell(lat, lng, geo.GameplayResolution)
}

// ZonesForCell returns the set of restricted zones intersecting a cell,
// walking the tiers cheapest-first and populating them bottom-up on a
// miss. Tier failures degrade to the next tier; only a failure of the
// terminal compute path is an error.
func (c *Cache) ZonesForCell(ctx context.Context, cellID string) (persistence.CellZoneSet, error) {
	if set, ok := c.local.Get(cellID); ok {
		metrics.CacheTierOps.WithLabelValues("local", "hit").Inc()
		return set, nil
	}
	metrics.CacheTierOps.WithLabelValues("local", "miss").Inc()

	if set, ok := c.redisGet(ctx, cellID); ok {
		c.local.Put(set)
		return set, nil
	}

	set, err := c.cells.Get(ctx, cellID)
	if err != nil {
		metrics.CacheTierOps.WithLabelValues("durable", "error").Inc()
		log.Warn().Err(err).Str("cell", cellID).Msg("durable cache tier unavailable, falling through to compute")
	} else if set != nil {
		metrics.CacheTierOps.WithLabelValues("durable", "hit").Inc()
		c.redisPut(ctx, *set)
		c.local.Put(*set)
		return *set, nil
	} else {
		metrics.CacheTierOps.WithLabelValues("durable", "miss").Inc()
	}

	computed, err := c.compute(ctx, cellID)
	if err != nil {
		metrics.CacheTierOps.WithLabelValues("compute", "error").Inc()
		return persistence.CellZoneSet{}, fmt.Errorf("%w: compute for cell %s: %v", ErrUnavailable, cellID, err)
	}
	metrics.CacheTierOps.WithLabelValues("compute", "hit").Inc()

	// Populate bottom-up, best effort: a failed populate never fails
	// the read.
	if err := c.cells.Put(ctx, computed, time.Now().Add(c.cfg.DurableTTL)); err != nil {
		log.Warn().Err(err).Str("cell", cellID).Msg("failed to populate durable cache tier")
	}
	c.redisPut(ctx, computed)
	c.local.Put(computed)

	return computed, nil
}

// InvalidateCell clears one cell from every tier. Idempotent: clearing
// an absent cell is a no-op.
func (c *Cache) InvalidateCell(ctx context.Context, cellID string) error {
	c.local.Delete(cellID)

	var firstErr error
	if err := c.redis.Delete(ctx, c.redisKey(cellID)); err != nil {
		firstErr = err
		log.Warn().Err(err).Str("cell", cellID).Msg("failed to invalidate redis cache tier")
	}
	if err := c.cells.Delete(ctx, cellID); err != nil {
		if firstErr == nil {
			firstErr = err
		}
		log.Warn().Err(err).Str("cell", cellID).Msg("failed to invalidate durable cache tier")
	}
	if firstErr != nil {
		return fmt.Errorf("invalidate cell %s: %w", cellID, firstErr)
	}
	return nil
}

// InvalidateZone invalidates every cell the zone is a member of. This is
// the only path by which stale zone membership is corrected.
func (c *Cache) InvalidateZone(ctx context.Context, zoneID string) error {
	cells, err := c.zones.MemberCells(ctx, zoneID)
	if err != nil {
		return fmt.Errorf("resolve member cells for zone %s: %w", zoneID, err)
	}

	var firstErr error
	for _, cellID := range cells {
		if err := c.InvalidateCell(ctx, cellID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Occupancy reports the local tier's entry count and capacity.
func (c *Cache) Occupancy() (entries, capacity int) {
	return c.local.Len(), c.local.Cap()
}

func (c *Cache) redisKey(cellID string) string {
	return c.redis.Key("cellzones", cellID)
}

func (c *Cache) redisGet(ctx context.Context, cellID string) (persistence.CellZoneSet, bool) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		raw, ok, err := c.redis.GetBytes(ctx, c.redisKey(cellID))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return raw, nil
	})
	if err != nil {
		metrics.CacheTierOps.WithLabelValues("redis", "error").Inc()
		log.Warn().Err(err).Str("cell", cellID).Msg("redis cache tier unavailable, treating as miss")
		return persistence.CellZoneSet{}, false
	}
	if res == nil {
		metrics.CacheTierOps.WithLabelValues("redis", "miss").Inc()
		return persistence.CellZoneSet{}, false
	}

	var set persistence.CellZoneSet
	if err := json.Unmarshal(res.([]byte), &set); err != nil {
		metrics.CacheTierOps.WithLabelValues("redis", "error").Inc()
		log.Warn().Err(err).Str("cell", cellID).Msg("corrupt redis cache entry, treating as miss")
		return persistence.CellZoneSet{}, false
	}
	metrics.CacheTierOps.WithLabelValues("redis", "hit").Inc()
	return set, true
}

func (c *Cache) redisPut(ctx context.Context, set persistence.CellZoneSet) {
	raw, err := json.Marshal(set)
	if err != nil {
		return
	}
	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, c.redis.SetBytes(ctx, c.redisKey(set.CellID), raw, c.cfg.RedisTTL)
	})
	if err != nil {
		log.Warn().Err(err).Str("cell", set.CellID).Msg("failed to populate redis cache tier")
	}
}

// compute resolves a cell's zone set from first principles: intersect
// the cell's boundary polygon with every currently active zone.
func (c *Cache) compute(ctx context.Context, cellID string) (persistence.CellZoneSet, error) {
	boundary, err := geo.CellBoundary(cellID)
	if err != nil {
		return persistence.CellZoneSet{}, err
	}

	zones, err := c.zones.ActiveIntersecting(ctx, boundary, time.Now())
	if err != nil {
		return persistence.CellZoneSet{}, err
	}

	set := persistence.CellZoneSet{
		CellID:     cellID,
		ZoneIDs:    make([]string, 0, len(zones)),
		Categories: make([]string, 0, len(zones)),
		ComputedAt: time.Now().UTC(),
	}
	// Deterministic output for an unchanged zone configuration.
	sort.Slice(zones, func(i, j int) bool { return zones[i].ID < zones[j].ID })
	for _, z := range zones {
		set.ZoneIDs = append(set.ZoneIDs, z.ID)
		set.Categories = append(set.Categories, string(z.Category))
	}
	return set, nil
}
