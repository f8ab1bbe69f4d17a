package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const snapshotTTL = 24 * time.Hour

// SessionInfo is the server-side record backing an issued session token.
type SessionInfo struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type SessionStore struct {
	client *redis.Client
}

// NewSessionStore creates a session store with the given Redis client
func NewSessionStore(client *redis.Client) *SessionStore {
	return &SessionStore{client: client}
}

// StoreSession stores the session record for a user in Redis
func (s *SessionStore) StoreSession(ctx context.Context, userID string, session *SessionInfo) error {
	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	key := fmt.Sprintf("session:%s", userID)
	ttl := time.Until(session.ExpiresAt)
	if err := s.client.Set(ctx, key, sessionJSON, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}

	return nil
}

// GetSession retrieves the session record for a user from Redis
func (s *SessionStore) GetSession(ctx context.Context, userID string) (*SessionInfo, error) {
	key := fmt.Sprintf("session:%s", userID)
	sessionJSON, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("session not found")
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session SessionInfo
	if err := json.Unmarshal(sessionJSON, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return &session, nil
}

// DeleteSession removes the user's session from Redis
func (s *SessionStore) DeleteSession(ctx context.Context, userID string) error {
	key := fmt.Sprintf("session:%s", userID)
	return s.client.Del(ctx, key).Err()
}

// SnapshotCache caches immutable room snapshots so late joiners can catch
// up without a database round trip.
type SnapshotCache struct {
	client *redis.Client
}

func NewSnapshotCache(client *redis.Client) *SnapshotCache {
	return &SnapshotCache{client: client}
}

func (c *SnapshotCache) Put(ctx context.Context, roomID string, snapshot interface{}) error {
	snapJSON, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	key := fmt.Sprintf("snapshot:%s", roomID)
	if err := c.client.Set(ctx, key, snapJSON, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache snapshot: %w", err)
	}
	return nil
}

// Get unmarshals the cached snapshot into dest; the second return is false
// on a cache miss.
func (c *SnapshotCache) Get(ctx context.Context, roomID string, dest interface{}) (bool, error) {
	key := fmt.Sprintf("snapshot:%s", roomID)
	snapJSON, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get snapshot: %w", err)
	}

	if err := json.Unmarshal(snapJSON, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return true, nil
}

func (c *SnapshotCache) Invalidate(ctx context.Context, roomID string) error {
	key := fmt.Sprintf("snapshot:%s", roomID)
	return c.client.Del(ctx, key).Err()
}
