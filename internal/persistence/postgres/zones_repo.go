// Package postgres implements the persistence contracts on PostgreSQL
// with PostGIS for the spatial queries.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/sawpanic/geoguard/internal/persistence"
)

// zonesRepo implements persistence.ZoneRepo.
type zonesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewZoneRepo creates a PostgreSQL zone repository.
func NewZoneRepo(db *sqlx.DB, timeout time.Duration) persistence.ZoneRepo {
	return &zonesRepo{db: db, timeout: timeout}
}

func (r *zonesRepo) Create(ctx context.Context, zone persistence.ExclusionZone) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	geom, err := geojson.NewGeometry(zone.Geometry).MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal zone geometry: %w", err)
	}

	query := `
		INSERT INTO exclusion_zones (id, name, category, geom, cells, effective_from, effective_until, source, source_id)
		VALUES ($1, $2, $3, ST_SetSRID(ST_GeomFromGeoJSON($4), 4326), $5, $6, $7, $8, $9)`

	_, err = r.db.ExecContext(ctx, query,
		zone.ID, zone.Name, zone.Category, geom, pq.Array(zone.Cells),
		zone.EffectiveFrom, zone.EffectiveUntil, zone.Source, zone.SourceID)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate zone %s: %w", zone.ID, err)
		}
		return fmt.Errorf("failed to insert zone: %w", err)
	}
	return nil
}

func (r *zonesRepo) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM exclusion_zones WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete zone %s: %w", id, err)
	}
	return nil
}

func (r *zonesRepo) GetByID(ctx context.Context, id string) (*persistence.ExclusionZone, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx, zoneSelect+` WHERE id = $1`, id)
	zone, err := scanZone(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get zone %s: %w", id, err)
	}
	return zone, nil
}

func (r *zonesRepo) GetByIDs(ctx context.Context, ids []string) ([]persistence.ExclusionZone, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, zoneSelect+` WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query zones by ids: %w", err)
	}
	defer rows.Close()

	return scanZones(rows)
}

func (r *zonesRepo) ActiveIntersecting(ctx context.Context, boundary orb.Polygon, at time.Time) ([]persistence.ExclusionZone, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	geom, err := geojson.NewGeometry(boundary).MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal boundary: %w", err)
	}

	query := zoneSelect + `
		WHERE ST_Intersects(geom, ST_SetSRID(ST_GeomFromGeoJSON($1), 4326))
		  AND effective_from <= $2
		  AND (effective_until IS NULL OR effective_until > $2)`

	rows, err := r.db.QueryxContext(ctx, query, geom, at)
	if err != nil {
		return nil, fmt.Errorf("failed to query intersecting zones: %w", err)
	}
	defer rows.Close()

	return scanZones(rows)
}

func (r *zonesRepo) MemberCells(ctx context.Context, id string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var cells pq.StringArray
	err := r.db.QueryRowxContext(ctx, `SELECT cells FROM exclusion_zones WHERE id = $1`, id).Scan(&cells)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get member cells for zone %s: %w", id, err)
	}
	return []string(cells), nil
}

const zoneSelect = `
	SELECT id, name, category, ST_AsGeoJSON(geom) AS geom, cells,
	       effective_from, effective_until, source, source_id, created_at
	FROM exclusion_zones`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanZone(row rowScanner) (*persistence.ExclusionZone, error) {
	var (
		zone     persistence.ExclusionZone
		geomJSON []byte
		cells    pq.StringArray
	)

	err := row.Scan(&zone.ID, &zone.Name, &zone.Category, &geomJSON, &cells,
		&zone.EffectiveFrom, &zone.EffectiveUntil, &zone.Source, &zone.SourceID, &zone.CreatedAt)
	if err != nil {
		return nil, err
	}

	if len(geomJSON) > 0 {
		g := &geojson.Geometry{}
		if err := json.Unmarshal(geomJSON, g); err != nil {
			return nil, fmt.Errorf("failed to unmarshal zone geometry: %w", err)
		}
		zone.Geometry = g.Geometry()
	}
	zone.Cells = []string(cells)
	return &zone, nil
}

func scanZones(rows *sqlx.Rows) ([]persistence.ExclusionZone, error) {
	var zones []persistence.ExclusionZone
	for rows.Next() {
		zone, err := scanZone(rows)
		if err != nil {
			return nil, err
		}
		zones = append(zones, *zone)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating zone rows: %w", err)
	}
	return zones, nil
}
