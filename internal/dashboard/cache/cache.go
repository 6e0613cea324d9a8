// Package cache memoizes dashboard responses in redis. Entries are scoped
// per tenant and flushed whenever that tenant's rows change.
package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/marketdash/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyPrefix = "dashboard"

type Cache struct {
	client *redis.Client
	holder *config.PipelineHolder
	log    *zap.Logger
}

func New(cfg config.Config, holder *config.PipelineHolder, log *zap.Logger) (*Cache, error) {
	qc := cfg.Queue
	if !qc.Configured() {
		return nil, fmt.Errorf("dashboard cache requires redis addr")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(qc.RedisAddr),
		Password: strings.TrimSpace(qc.RedisPassword),
		DB:       qc.RedisDB,
	})
	return NewWithClient(client, holder, log), nil
}

// NewWithClient wraps an existing client; tests use it with miniredis.
func NewWithClient(client *redis.Client, holder *config.PipelineHolder, log *zap.Logger) *Cache {
	return &Cache{client: client, holder: holder, log: log.Named("dashboard.cache")}
}

func entryKey(userID snowflake.ID, queryHash string) string {
	return fmt.Sprintf("%s:%d:%s", keyPrefix, int64(userID), queryHash)
}

// Get returns the cached payload for one tenant/query pair. Cache failures
// degrade to a miss.
func (c *Cache) Get(ctx context.Context, userID snowflake.ID, queryHash string) ([]byte, bool) {
	payload, err := c.client.Get(ctx, entryKey(userID, queryHash)).Bytes()
	if err != nil {
		return nil, false
	}
	return payload, true
}

func (c *Cache) Set(ctx context.Context, userID snowflake.ID, queryHash string, payload []byte) {
	ttl := c.holder.Get().CacheTTL()
	if err := c.client.Set(ctx, entryKey(userID, queryHash), payload, ttl).Err(); err != nil {
		c.log.Warn("cache set failed", zap.Error(err))
	}
}

// Invalidate drops every cached dashboard for one tenant.
func (c *Cache) Invalidate(ctx context.Context, userID snowflake.ID) {
	pattern := fmt.Sprintf("%s:%d:*", keyPrefix, int64(userID))
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			c.log.Warn("cache invalidation failed", zap.Error(err))
			return
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.log.Warn("cache invalidation failed", zap.Error(err))
				return
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

var Module = fx.Module("dashboard.cache",
	fx.Provide(New),
)
