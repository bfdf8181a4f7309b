// Package rediscache fronts a compliance summary store with Redis. Writes go
// to the backing store first and then to the cache; reads fall back to the
// backing store on a miss and repopulate the cache.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/coverwatch/internal/docrules"
)

const keyPrefix = "coverwatch:summary:"

// Backend is the authoritative summary store behind the cache.
type Backend interface {
	docrules.SummaryStore
	docrules.SummaryReader
}

// Client is the subset of redis commands the cache uses. *redis.Client
// satisfies it.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Cache is a read-through, write-through summary cache.
type Cache struct {
	rdb     Client
	backend Backend
	ttl     time.Duration
	logger  log.Logger
}

// New wraps backend with a cache held in rdb. ttl 0 keeps entries until the
// next write.
func New(rdb Client, backend Backend, ttl time.Duration, logger log.Logger) *Cache {
	if logger == nil {
		logger = log.Nop()
	}
	return &Cache{rdb: rdb, backend: backend, ttl: ttl, logger: logger}
}

// Dial connects to redis at addr and verifies it answers.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

func key(orgID, vendorID string) string {
	return keyPrefix + orgID + ":" + vendorID
}

// PutSummary stores sum in the backend and refreshes the cached copy. A cache
// write failure drops the stale entry instead of failing the call.
func (c *Cache) PutSummary(ctx context.Context, sum *docrules.Summary) error {
	if err := c.backend.PutSummary(ctx, sum); err != nil {
		return err
	}
	c.store(ctx, sum)
	return nil
}

// Summary serves from the cache, falling back to the backend.
func (c *Cache) Summary(ctx context.Context, orgID, vendorID string) (*docrules.Summary, bool, error) {
	raw, err := c.rdb.Get(ctx, key(orgID, vendorID)).Bytes()
	switch {
	case err == nil:
		var sum docrules.Summary
		if jerr := json.Unmarshal(raw, &sum); jerr == nil {
			return &sum, true, nil
		}
		c.logger.Warn(ctx, "discarding undecodable cached summary", "org_id", orgID, "vendor_id", vendorID)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn(ctx, "summary cache read failed, using backend", "error", err)
	}

	sum, ok, err := c.backend.Summary(ctx, orgID, vendorID)
	if err != nil || !ok {
		return sum, ok, err
	}
	c.store(ctx, sum)
	return sum, true, nil
}

func (c *Cache) store(ctx context.Context, sum *docrules.Summary) {
	k := key(sum.OrgID, sum.VendorID)
	body, err := json.Marshal(sum)
	if err == nil {
		err = c.rdb.Set(ctx, k, body, c.ttl).Err()
	}
	if err != nil {
		c.logger.Warn(ctx, "summary cache write failed", "key", k, "error", err)
		_ = c.rdb.Del(ctx, k).Err()
	}
}
