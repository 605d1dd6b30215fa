// Package cache holds billing.BalanceCache implementations.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
)

const (
	keyPrefix = "billing:balance:"
	genPrefix = "billing:balance:gen:"
)

// setIfGen writes the entry only while the generation still matches.
// A missing generation counts as 0.
var setIfGen = redis.NewScript(`
if (redis.call('GET', KEYS[2]) or '0') == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
  return 1
end
return 0
`)

// DefaultTTL bounds how stale a balance can get if an invalidation is lost.
const DefaultTTL = 5 * time.Minute

// RedisBalanceCache stores PlanBalance JSON under billing:balance:<enrollment>
// and the enrollment's generation under billing:balance:gen:<enrollment>.
// Redis errors are logged and reported as misses.
type RedisBalanceCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

// NewRedisBalanceCache parses redisURL, connects and pings.
func NewRedisBalanceCache(redisURL string, ttl time.Duration, log *zap.Logger) (*RedisBalanceCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisBalanceCacheFromClient(client, ttl, log), nil
}

// NewRedisBalanceCacheFromClient wraps an existing client.
func NewRedisBalanceCacheFromClient(client *redis.Client, ttl time.Duration, log *zap.Logger) *RedisBalanceCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBalanceCache{client: client, ttl: ttl, log: log.Named("billing.cache")}
}

func key(enrollmentID string) string    { return keyPrefix + enrollmentID }
func genKey(enrollmentID string) string { return genPrefix + enrollmentID }

func (c *RedisBalanceCache) Get(ctx context.Context, enrollmentID string) (*billing.PlanBalance, int64, bool) {
	vals, err := c.client.MGet(ctx, key(enrollmentID), genKey(enrollmentID)).Result()
	if err != nil {
		c.log.Warn("balance cache get failed", zap.String("enrollment_id", enrollmentID), zap.Error(err))
		return nil, -1, false
	}
	gen, err := parseGen(vals[1])
	if err != nil {
		c.log.Warn("balance cache generation corrupt", zap.String("enrollment_id", enrollmentID), zap.Error(err))
		return nil, -1, false
	}
	data, ok := vals[0].(string)
	if !ok {
		return nil, gen, false
	}
	var b billing.PlanBalance
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		c.log.Warn("balance cache entry corrupt", zap.String("enrollment_id", enrollmentID), zap.Error(err))
		return nil, gen, false
	}
	return &b, gen, true
}

// Set stores b when the generation is still gen. A negative gen means
// the read failed and nothing is written.
func (c *RedisBalanceCache) Set(ctx context.Context, enrollmentID string, gen int64, b billing.PlanBalance) {
	if gen < 0 {
		return
	}
	data, err := json.Marshal(b)
	if err != nil {
		c.log.Warn("balance cache encode failed", zap.String("enrollment_id", enrollmentID), zap.Error(err))
		return
	}
	written, err := setIfGen.Run(ctx, c.client,
		[]string{key(enrollmentID), genKey(enrollmentID)},
		strconv.FormatInt(gen, 10), data, c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		c.log.Warn("balance cache set failed", zap.String("enrollment_id", enrollmentID), zap.Error(err))
		return
	}
	if written == 0 {
		c.log.Debug("balance cache fill skipped, invalidated meanwhile", zap.String("enrollment_id", enrollmentID))
	}
}

// Invalidate advances the generation and drops the entry in one MULTI.
func (c *RedisBalanceCache) Invalidate(ctx context.Context, enrollmentID string) {
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, genKey(enrollmentID))
		p.Del(ctx, key(enrollmentID))
		return nil
	})
	if err != nil {
		c.log.Warn("balance cache invalidate failed", zap.String("enrollment_id", enrollmentID), zap.Error(err))
	}
}

func parseGen(v any) (int64, error) {
	switch g := v.(type) {
	case nil:
		return 0, nil
	case string:
		return strconv.ParseInt(g, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected generation type %T", v)
	}
}

// Ping reports whether Redis is reachable.
func (c *RedisBalanceCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisBalanceCache) Close() error {
	return c.client.Close()
}

var _ billing.BalanceCache = (*RedisBalanceCache)(nil)
