package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sawpanic/geoguard/internal/persistence"
)

// ScoreStore is the fast read/write path for suspicion scores. The
// durable mirror in PostgreSQL is written opportunistically by the
// scorer; this store may evict, which is why flags are mirrored on
// every positive delta.
type ScoreStore struct {
	store *Store
	ttl   time.Duration
}

// NewScoreStore creates a fast score store with the given entry TTL.
func NewScoreStore(store *Store, ttl time.Duration) *ScoreStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &ScoreStore{store: store, ttl: ttl}
}

func (s *ScoreStore) key(userID string) string {
	return s.store.Key("score", userID)
}

// Get returns a user's score or nil on a miss.
func (s *ScoreStore) Get(ctx context.Context, userID string) (*persistence.SuspicionScore, error) {
	raw, ok, err := s.store.GetBytes(ctx, s.key(userID))
	if err != nil || !ok {
		return nil, err
	}

	var score persistence.SuspicionScore
	if err := json.Unmarshal(raw, &score); err != nil {
		return nil, fmt.Errorf("unmarshal suspicion score: %w", err)
	}
	return &score, nil
}

// Put stores a user's score.
func (s *ScoreStore) Put(ctx context.Context, score persistence.SuspicionScore) error {
	raw, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("marshal suspicion score: %w", err)
	}
	return s.store.SetBytes(ctx, s.key(score.UserID), raw, s.ttl)
}

// CheckCount bumps the user's per-day check counter, used to decide
// when a clean check still mirrors to the durable store.
func (s *ScoreStore) CheckCount(ctx context.Context, userID string) (int64, error) {
	return s.store.IncrWithExpiry(ctx, s.store.Key("scorechk", userID), 24*time.Hour)
}
