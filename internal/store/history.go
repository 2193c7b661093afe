package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// HistoryEntry is one recorded position in a session's bounded,
// time-ordered history.
type HistoryEntry struct {
	CellID    string    `json:"cell_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// HistoryStore keeps per-session position history in a capped Redis
// list, newest first. The cap and the TTL bind independently: whichever
// limit is hit first wins.
type HistoryStore struct {
	store *Store
	cap   int64
	ttl   time.Duration
}

// NewHistoryStore creates a history store with the given bounds.
func NewHistoryStore(store *Store, cap int64, ttl time.Duration) *HistoryStore {
	if cap <= 0 {
		cap = 100
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &HistoryStore{store: store, cap: cap, ttl: ttl}
}

func (h *HistoryStore) key(sessionID string) string {
	return h.store.Key("hist", sessionID)
}

// Append records a position for a session.
func (h *HistoryStore) Append(ctx context.Context, sessionID string, entry HistoryEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	return h.store.PushCapped(ctx, h.key(sessionID), raw, h.cap, h.ttl)
}

// Recent returns up to n entries newest-first. Entries that fail to
// decode are skipped; a partially corrupt history should not abort a
// validation.
func (h *HistoryStore) Recent(ctx context.Context, sessionID string, n int64) ([]HistoryEntry, error) {
	if n <= 0 || n > h.cap {
		n = h.cap
	}
	raw, err := h.store.Range(ctx, h.key(sessionID), 0, n-1)
	if err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, 0, len(raw))
	for _, item := range raw {
		var entry HistoryEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Clear drops a session's history entirely. Used at session end.
func (h *HistoryStore) Clear(ctx context.Context, sessionID string) error {
	return h.store.Delete(ctx, h.key(sessionID))
}
