package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/geoguard/internal/persistence"
)

// cellCacheRepo implements persistence.CellCacheRepo, the durable third
// tier of the spatial cache.
type cellCacheRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCellCacheRepo creates a PostgreSQL cell-cache repository.
func NewCellCacheRepo(db *sqlx.DB, timeout time.Duration) persistence.CellCacheRepo {
	return &cellCacheRepo{db: db, timeout: timeout}
}

func (r *cellCacheRepo) Get(ctx context.Context, cellID string) (*persistence.CellZoneSet, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT cell_id, zone_ids, categories, computed_at
		FROM cell_zone_cache
		WHERE cell_id = $1 AND expires_at > now()`

	var (
		set        persistence.CellZoneSet
		zoneIDs    pq.StringArray
		categories pq.StringArray
	)
	err := r.db.QueryRowxContext(ctx, query, cellID).
		Scan(&set.CellID, &zoneIDs, &categories, &set.ComputedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cell cache entry %s: %w", cellID, err)
	}

	set.ZoneIDs = []string(zoneIDs)
	set.Categories = []string(categories)
	return &set, nil
}

func (r *cellCacheRepo) Put(ctx context.Context, set persistence.CellZoneSet, expiresAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO cell_zone_cache (cell_id, zone_ids, categories, computed_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (cell_id) DO UPDATE SET
			zone_ids = EXCLUDED.zone_ids,
			categories = EXCLUDED.categories,
			computed_at = EXCLUDED.computed_at,
			expires_at = EXCLUDED.expires_at`

	_, err := r.db.ExecContext(ctx, query,
		set.CellID, pq.Array(set.ZoneIDs), pq.Array(set.Categories), set.ComputedAt, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to upsert cell cache entry %s: %w", set.CellID, err)
	}
	return nil
}

func (r *cellCacheRepo) Delete(ctx context.Context, cellID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM cell_zone_cache WHERE cell_id = $1`, cellID); err != nil {
		return fmt.Errorf("failed to delete cell cache entry %s: %w", cellID, err)
	}
	return nil
}
