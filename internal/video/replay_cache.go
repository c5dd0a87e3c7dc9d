package video

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayCache short-circuits hot webhook retries before they reach the
// durable dedup ledger. It is an optimization only: a cache miss (or a
// redis outage) falls through to the ledger, which remains the safety net.
//
// Check and Mark are deliberately separate. An event is marked only after
// it has been durably recorded as processed; marking on check would let a
// failed delivery poison the cache and swallow the provider's retry.
type ReplayCache struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewReplayCache(client *redis.Client, ttl time.Duration) *ReplayCache {
	if client == nil {
		panic("video: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ReplayCache{redis: client, ttl: ttl}
}

// Check reports whether the event id was already processed. Read-only.
func (c *ReplayCache) Check(ctx context.Context, provider, eventID string) (bool, error) {
	err := c.redis.Get(ctx, replayKey(provider, eventID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("video: replay cache check: %w", err)
	}
	return true, nil
}

// Mark records the event id for the cache TTL. Called after the event is
// in the durable ledger, so a lost mark costs one extra ledger lookup.
func (c *ReplayCache) Mark(ctx context.Context, provider, eventID string) error {
	if err := c.redis.Set(ctx, replayKey(provider, eventID), 1, c.ttl).Err(); err != nil {
		return fmt.Errorf("video: replay cache mark: %w", err)
	}
	return nil
}

func replayKey(provider, eventID string) string {
	return fmt.Sprintf("webhook_replay:%s:%s", provider, eventID)
}
