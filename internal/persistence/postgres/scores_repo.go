package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/geoguard/internal/persistence"
)

// scoresRepo implements persistence.ScoreRepo.
type scoresRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewScoreRepo creates a PostgreSQL suspicion-score repository.
func NewScoreRepo(db *sqlx.DB, timeout time.Duration) persistence.ScoreRepo {
	return &scoresRepo{db: db, timeout: timeout}
}

func (r *scoresRepo) Get(ctx context.Context, userID string) (*persistence.SuspicionScore, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT user_id, score, total_checks, total_flags, last_flag_at, last_decay_at
		FROM suspicion_scores
		WHERE user_id = $1`

	var score persistence.SuspicionScore
	err := r.db.QueryRowxContext(ctx, query, userID).Scan(
		&score.UserID, &score.Score, &score.TotalChecks,
		&score.TotalFlags, &score.LastFlagAt, &score.LastDecayAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get suspicion score for %s: %w", userID, err)
	}
	return &score, nil
}

func (r *scoresRepo) Upsert(ctx context.Context, score persistence.SuspicionScore) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO suspicion_scores (user_id, score, total_checks, total_flags, last_flag_at, last_decay_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (user_id) DO UPDATE SET
			score = EXCLUDED.score,
			total_checks = EXCLUDED.total_checks,
			total_flags = EXCLUDED.total_flags,
			last_flag_at = EXCLUDED.last_flag_at,
			last_decay_at = EXCLUDED.last_decay_at,
			updated_at = now()`

	_, err := r.db.ExecContext(ctx, query,
		score.UserID, score.Score, score.TotalChecks, score.TotalFlags,
		score.LastFlagAt, score.LastDecayAt)
	if err != nil {
		return fmt.Errorf("failed to upsert suspicion score for %s: %w", score.UserID, err)
	}
	return nil
}
