// Package infra provides concrete infrastructure adapters for Redis.
//
// The adapter wraps go-redis v9 behind the RedisStore interface so the
// guard-path components (idempotency, JIT vault, counters, breaker
// windows, audit buffer) can be tested against the in-memory
// implementation in memory_store.go.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the slice of Redis the proxy uses.
type RedisStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	// DelIfEquals deletes key only when it still holds value. Lock release.
	DelIfEquals(ctx context.Context, key, value string) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	// IncrWithTTL increments and refreshes the expiry in one round trip.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	LPush(ctx context.Context, key string, values ...string) error
	RPush(ctx context.Context, key string, values ...string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)
	// LMoveBatch pops up to max items from the left of src onto the right
	// of dst, returning them in pop order.
	LMoveBatch(ctx context.Context, src, dst string, max int) ([]string, error)
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRemRangeBelow(ctx context.Context, key string, cutoff float64) error
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// delIfEqualsScript releases a lock only for its owner.
const delIfEqualsScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// GoRedisAdapter wraps go-redis v9 to implement RedisStore.
type GoRedisAdapter struct {
	rdb *redis.Client
}

// NewGoRedisAdapter connects using a redis:// URL and verifies the
// connection with a ping before returning.
func NewGoRedisAdapter(url string, poolSize int) (*GoRedisAdapter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}

	slog.Info("Redis connected", "addr", opts.Addr, "db", opts.DB)
	return &GoRedisAdapter{rdb: rdb}, nil
}

func (a *GoRedisAdapter) Close() error {
	return a.rdb.Close()
}

func (a *GoRedisAdapter) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := a.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (a *GoRedisAdapter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *GoRedisAdapter) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return a.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (a *GoRedisAdapter) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return a.rdb.Del(ctx, keys...).Err()
}

func (a *GoRedisAdapter) DelIfEquals(ctx context.Context, key, value string) (bool, error) {
	n, err := a.rdb.Eval(ctx, delIfEqualsScript, []string{key}, value).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (a *GoRedisAdapter) Incr(ctx context.Context, key string) (int64, error) {
	return a.rdb.Incr(ctx, key).Result()
}

func (a *GoRedisAdapter) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := a.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (a *GoRedisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return a.rdb.Expire(ctx, key, ttl).Err()
}

func (a *GoRedisAdapter) LPush(ctx context.Context, key string, values ...string) error {
	return a.rdb.LPush(ctx, key, toIfaces(values)...).Err()
}

func (a *GoRedisAdapter) RPush(ctx context.Context, key string, values ...string) error {
	return a.rdb.RPush(ctx, key, toIfaces(values)...).Err()
}

func (a *GoRedisAdapter) LTrim(ctx context.Context, key string, start, stop int64) error {
	return a.rdb.LTrim(ctx, key, start, stop).Err()
}

func (a *GoRedisAdapter) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return a.rdb.LRange(ctx, key, start, stop).Result()
}

func (a *GoRedisAdapter) LLen(ctx context.Context, key string) (int64, error) {
	return a.rdb.LLen(ctx, key).Result()
}

func (a *GoRedisAdapter) LMoveBatch(ctx context.Context, src, dst string, max int) ([]string, error) {
	moved := make([]string, 0, max)
	for i := 0; i < max; i++ {
		item, err := a.rdb.LMove(ctx, src, dst, "LEFT", "RIGHT").Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return moved, err
		}
		moved = append(moved, item)
	}
	return moved, nil
}

func (a *GoRedisAdapter) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return a.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (a *GoRedisAdapter) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return a.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
}

func (a *GoRedisAdapter) ZRemRangeBelow(ctx context.Context, key string, cutoff float64) error {
	return a.rdb.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%f", cutoff)).Err()
}

func (a *GoRedisAdapter) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := a.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return keys, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (a *GoRedisAdapter) Ping(ctx context.Context) error {
	return a.rdb.Ping(ctx).Err()
}

func toIfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
