package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"bingohall/internal/model"
)

// SnapshotCache keeps the latest committed session document in Redis.
// The state machine writes through after every commit; the snapshot
// read path serves resyncing reconcilers from here, sparing the
// document store that traffic. Entries are server-internal and hold the
// access token; only the service hands out stripped copies.
type SnapshotCache interface {
	Set(ctx context.Context, session *model.Session, ttl time.Duration) error
	Get(ctx context.Context, sessionID string) (*model.Session, error)
	Delete(ctx context.Context, sessionID string) error
}

type snapshotCache struct {
	client *redis.Client
}

// NewSnapshotCache creates a new snapshot cache.
func NewSnapshotCache(client *redis.Client) SnapshotCache {
	return &snapshotCache{client: client}
}

func (c *snapshotCache) key(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

func (c *snapshotCache) Set(ctx context.Context, session *model.Session, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return c.client.Set(ctx, c.key(session.ID), data, ttl).Err()
}

func (c *snapshotCache) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	data, err := c.client.Get(ctx, c.key(sessionID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var session model.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *snapshotCache) Delete(ctx context.Context, sessionID string) error {
	return c.client.Del(ctx, c.key(sessionID)).Err()
}
