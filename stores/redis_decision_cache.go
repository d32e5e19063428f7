package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/rls"
	"github.com/oarkflow/rls/logger"
)

// RedisDecisionCache shares decisions between engine instances. Entries are
// JSON encoded under rls:decision:{key} and expire with the cache TTL.
// Integer parameters come back as int64, other numbers as float64.
type RedisDecisionCache struct {
	client redis.UniversalClient
	prefix string
	log    logger.Logger
}

// NewRedisDecisionCache wraps client. A nil log uses the phuslu logger.
func NewRedisDecisionCache(client redis.UniversalClient, log logger.Logger) *RedisDecisionCache {
	if log == nil {
		log = logger.NewPhusluLogger()
	}
	return &RedisDecisionCache{client: client, prefix: "rls:decision:", log: log}
}

func (c *RedisDecisionCache) Get(ctx context.Context, key string) (*rls.RLSFilterResponse, bool) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("redis decision cache get failed", "key", key, "error", err)
		}
		return nil, false
	}
	var resp rls.RLSFilterResponse
	if err := rls.DecodeJSON(data, &resp); err != nil {
		return nil, false
	}
	resp.Parameters = rls.NormalizeNumbers(resp.Parameters)
	if resp.Computed != nil {
		resp.Computed.Parameters = rls.NormalizeNumbers(resp.Computed.Parameters)
	}
	return &resp, true
}

func (c *RedisDecisionCache) Set(ctx context.Context, key string, resp *rls.RLSFilterResponse, ttl time.Duration) {
	if ttl <= 0 || resp == nil {
		return
	}
	stored := *resp
	stored.Trace = nil
	data, err := json.Marshal(&stored)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		c.log.Warn("redis decision cache set failed", "key", key, "error", err)
	}
}

// Clear removes every decision under the prefix.
func (c *RedisDecisionCache) Clear(ctx context.Context) {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 256).Iterator()
	keys := make([]string, 0, 256)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == cap(keys) {
			c.client.Del(ctx, keys...)
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		c.log.Warn("redis decision cache scan failed", "error", err)
	}
	if len(keys) > 0 {
		c.client.Del(ctx, keys...)
	}
}
