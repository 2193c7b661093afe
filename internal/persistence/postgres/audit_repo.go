package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/geoguard/internal/persistence"
)

// auditRepo implements persistence.AuditRepo.
type auditRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAuditRepo creates a PostgreSQL audit repository.
func NewAuditRepo(db *sqlx.DB, timeout time.Duration) persistence.AuditRepo {
	return &auditRepo{db: db, timeout: timeout}
}

func (r *auditRepo) Insert(ctx context.Context, rec persistence.AuditRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var details []byte
	if len(rec.Details) > 0 {
		var err error
		details, err = json.Marshal(rec.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal audit details: %w", err)
		}
	}

	query := `
		INSERT INTO location_audit (id, request_id, user_id, session_id, cell_id, result_code, blocked_zone_id, details, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.RequestID, rec.UserID, rec.SessionID, rec.CellID,
		rec.ResultCode, rec.BlockedZoneID, details, rec.LatencyMS, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

func (r *auditRepo) Stats(ctx context.Context, since time.Time) (*persistence.AuditStats, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	stats := &persistence.AuditStats{
		Since:  since,
		ByCode: make(map[string]int64),
	}

	rows, err := r.db.QueryxContext(ctx, `
		SELECT result_code, COUNT(*)
		FROM location_audit
		WHERE created_at >= $1
		GROUP BY result_code`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit code histogram: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			code  string
			count int64
		)
		if err := rows.Scan(&code, &count); err != nil {
			return nil, fmt.Errorf("failed to scan audit code count: %w", err)
		}
		stats.ByCode[code] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit rows: %w", err)
	}

	var p50, p95, p99 sql.NullFloat64
	err = r.db.QueryRowxContext(ctx, `
		SELECT
			percentile_cont(0.50) WITHIN GROUP (ORDER BY latency_ms),
			percentile_cont(0.95) WITHIN GROUP (ORDER BY latency_ms),
			percentile_cont(0.99) WITHIN GROUP (ORDER BY latency_ms)
		FROM location_audit
		WHERE created_at >= $1`, since).Scan(&p50, &p95, &p99)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit latency percentiles: %w", err)
	}
	stats.LatencyP50 = p50.Float64
	stats.LatencyP95 = p95.Float64
	stats.LatencyP99 = p99.Float64

	return stats, nil
}
