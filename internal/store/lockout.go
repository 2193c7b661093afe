package store

import (
	"context"
	"time"
)

// LockoutStore keeps per-session speed lockouts as TTL-bounded keys.
// Absence of the key means unlocked; expiry is computed by Redis, never
// scheduled by us.
type LockoutStore struct {
	store *Store
}

// NewLockoutStore creates a lockout store.
func NewLockoutStore(store *Store) *LockoutStore {
	return &LockoutStore{store: store}
}

func (l *LockoutStore) key(sessionID string) string {
	return l.store.Key("lock", sessionID)
}

// Lock places a session under lockout for the given duration and
// returns the expiry instant.
func (l *LockoutStore) Lock(ctx context.Context, sessionID string, d time.Duration) (time.Time, error) {
	expiresAt := time.Now().Add(d).UTC()
	raw, _ := expiresAt.MarshalText()
	if err := l.store.SetBytes(ctx, l.key(sessionID), raw, d); err != nil {
		return time.Time{}, err
	}
	return expiresAt, nil
}

// Locked reports whether a session is under lockout and when the lock
// expires.
func (l *LockoutStore) Locked(ctx context.Context, sessionID string) (bool, time.Time, error) {
	raw, ok, err := l.store.GetBytes(ctx, l.key(sessionID))
	if err != nil || !ok {
		return false, time.Time{}, err
	}

	var expiresAt time.Time
	if err := expiresAt.UnmarshalText(raw); err != nil {
		// Unreadable lock value: treat as locked until the key's TTL
		// clears it, fail closed.
		return true, time.Time{}, nil
	}
	return true, expiresAt, nil
}

// Unlock clears a session's lockout. Administrative escape hatch.
func (l *LockoutStore) Unlock(ctx context.Context, sessionID string) error {
	return l.store.Delete(ctx, l.key(sessionID))
}
