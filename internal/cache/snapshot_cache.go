// Package cache keeps the latest snapshot per device in redis so the API can
// answer "current fleet state" reads without touching snapshot history.
package cache

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type SnapshotCache struct{ rdb *redis.Client }

func NewSnapshotCache(rdb *redis.Client) *SnapshotCache { return &SnapshotCache{rdb: rdb} }

func key(id string) string { return "miner:latest:" + id }

// SetLatest stores the most recent snapshot JSON. The TTL covers devices that
// stop reporting without ever being removed.
func (c *SnapshotCache) SetLatest(ctx context.Context, deviceID string, snapshotJSON []byte) error {
	return c.rdb.Set(ctx, key(deviceID), snapshotJSON, 24*time.Hour).Err()
}

// GetLatest returns nil with no error on a cache miss.
func (c *SnapshotCache) GetLatest(ctx context.Context, deviceID string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, key(deviceID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}

func (c *SnapshotCache) DeleteLatest(ctx context.Context, deviceID string) error {
	return c.rdb.Del(ctx, key(deviceID)).Err()
}

// RemoveAllExcept drops cached entries for devices no longer in the fleet and
// reports which IDs went.
func (c *SnapshotCache) RemoveAllExcept(ctx context.Context, keepIDs []string) ([]string, error) {
	keep := make(map[string]struct{}, len(keepIDs))
	for _, id := range keepIDs {
		if id == "" {
			continue
		}
		keep[id] = struct{}{}
	}
	iter := c.rdb.Scan(ctx, 0, key("*"), 100).Iterator()
	var removed []string
	for iter.Next(ctx) {
		full := iter.Val()
		if !strings.HasPrefix(full, "miner:latest:") {
			continue
		}
		id := strings.TrimPrefix(full, "miner:latest:")
		if _, ok := keep[id]; ok {
			continue
		}
		if err := c.rdb.Del(ctx, full).Err(); err != nil {
			return removed, err
		}
		removed = append(removed, id)
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	return removed, nil
}
