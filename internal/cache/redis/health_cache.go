package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yesnolabs/marketd/internal/domain"
)

const defaultHealthTTL = 30 * time.Second

// HealthCache implements domain.HealthCache with per-market JSON values under
// a short TTL, so monitoring polls do not re-probe the pricing kernel on
// every request.
type HealthCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewHealthCache creates a HealthCache backed by the given Client. ttl <= 0
// uses the default.
func NewHealthCache(c *Client, ttl time.Duration) *HealthCache {
	if ttl <= 0 {
		ttl = defaultHealthTTL
	}
	return &HealthCache{rdb: c.Underlying(), ttl: ttl}
}

func healthKey(marketID string) string {
	return "health:" + marketID
}

// Set stores a computed health score.
func (hc *HealthCache) Set(ctx context.Context, marketID string, h domain.HealthScore) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("redis: marshal health for market %s: %w", marketID, err)
	}
	if err := hc.rdb.Set(ctx, healthKey(marketID), data, hc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set health for market %s: %w", marketID, err)
	}
	return nil
}

// Get loads a cached health score. A missing or expired entry returns
// domain.ErrNotFound.
func (hc *HealthCache) Get(ctx context.Context, marketID string) (domain.HealthScore, error) {
	data, err := hc.rdb.Get(ctx, healthKey(marketID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.HealthScore{}, domain.ErrNotFound
		}
		return domain.HealthScore{}, fmt.Errorf("redis: get health for market %s: %w", marketID, err)
	}

	var h domain.HealthScore
	if err := json.Unmarshal(data, &h); err != nil {
		return domain.HealthScore{}, fmt.Errorf("redis: decode health for market %s: %w", marketID, err)
	}
	return h, nil
}

var _ domain.HealthCache = (*HealthCache)(nil)
