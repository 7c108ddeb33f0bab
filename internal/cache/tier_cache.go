// Package cache keeps a short-lived copy of the active approval tiers in
// Redis so that tier resolution does not hit Postgres on every request.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-loan-approvals/internal/repository"
)

const activeTiersKey = "loan_approvals:tiers:active"

// TierCache stores the ordered active tier set.
type TierCache struct {
	redis *redis.Client
	ttl   time.Duration
	log   zerolog.Logger
}

// NewTierCache creates a TierCache on an existing client.
func NewTierCache(client *redis.Client, ttl time.Duration, log zerolog.Logger) *TierCache {
	return &TierCache{redis: client, ttl: ttl, log: log}
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Get returns the cached tiers. A miss or a Redis failure reports false;
// failures are logged and never surfaced.
func (c *TierCache) Get(ctx context.Context) ([]*repository.ApprovalTier, bool) {
	raw, err := c.redis.Get(ctx, activeTiersKey).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.log.Warn().Err(err).Msg("tier cache: read failed")
		return nil, false
	}

	tiers, err := decodeTiers(raw)
	if err != nil {
		c.log.Warn().Err(err).Msg("tier cache: dropping undecodable entry")
		_ = c.redis.Del(ctx, activeTiersKey).Err()
		return nil, false
	}
	return tiers, true
}

// Set stores tiers for the configured TTL.
func (c *TierCache) Set(ctx context.Context, tiers []*repository.ApprovalTier) {
	raw, err := json.Marshal(tiers)
	if err != nil {
		c.log.Warn().Err(err).Msg("tier cache: failed to encode tiers")
		return
	}
	if err := c.redis.Set(ctx, activeTiersKey, raw, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Msg("tier cache: write failed")
	}
}

// Invalidate drops the cached set.
func (c *TierCache) Invalidate(ctx context.Context) {
	if err := c.redis.Del(ctx, activeTiersKey).Err(); err != nil {
		c.log.Warn().Err(err).Msg("tier cache: invalidate failed")
	}
}

func decodeTiers(raw []byte) ([]*repository.ApprovalTier, error) {
	var tiers []*repository.ApprovalTier
	if err := json.Unmarshal(raw, &tiers); err != nil {
		return nil, err
	}
	return tiers, nil
}
