// Package cachetier implements the shared cache tier on Redis: hash records
// with expiry plus the sorted set that orders dirty records for sync.
package cachetier

import (
	"context"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
)

// Tier is the cache tier used by the resource store. Each write method is
// atomic: a record and its sync queue membership change together.
type Tier interface {
	// Load returns the record fields at key, or nil when the key is absent.
	// With no fields named the whole record is returned.
	Load(ctx context.Context, key string, fields ...string) (map[string]string, error)

	// StoreDirty replaces the record, clears its expiry and schedules it in
	// queue at due.
	StoreDirty(ctx context.Context, key string, fields map[string]string, queue string, due time.Time) error

	// StoreClean replaces the record, sets its expiry and removes it from queue.
	StoreClean(ctx context.Context, key string, fields map[string]string, ttl time.Duration, queue string) error

	// MarkSynced flags an existing record as synced, sets its expiry and
	// removes it from queue.
	MarkSynced(ctx context.Context, key string, ttl time.Duration, queue string) error

	// Dequeue removes key from queue.
	Dequeue(ctx context.Context, queue, key string) error

	// Due returns up to limit keys of queue scheduled at or before until,
	// earliest first.
	Due(ctx context.Context, queue string, until time.Time, limit int) ([]string, error)

	Ping(ctx context.Context) error
}

// Config holds Redis connection settings.
type Config struct {
	Addr        string
	Password    string
	DB          int
	MaxIdle     int
	MaxActive   int
	DialTimeout time.Duration
}

// Redis implements Tier with a redigo connection pool.
type Redis struct {
	pool *redis.Pool
}

// NewPool builds a connection pool from cfg.
func NewPool(cfg Config) *redis.Pool {
	opts := []redis.DialOption{
		redis.DialDatabase(cfg.DB),
		redis.DialConnectTimeout(cfg.DialTimeout),
	}
	if cfg.Password != "" {
		opts = append(opts, redis.DialPassword(cfg.Password))
	}
	return &redis.Pool{
		MaxIdle:     cfg.MaxIdle,
		MaxActive:   cfg.MaxActive,
		IdleTimeout: 5 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", cfg.Addr, opts...)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// NewRedis wraps an existing pool.
func NewRedis(pool *redis.Pool) *Redis {
	return &Redis{pool: pool}
}

// Pool returns the underlying pool so other components (locks) can share it.
func (r *Redis) Pool() *redis.Pool {
	return r.pool
}

func (r *Redis) conn(ctx context.Context) (redis.Conn, error) {
	c, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("redis connection: %w", err)
	}
	return c, nil
}

// Load reads a record with HGETALL or HMGET.
func (r *Redis) Load(ctx context.Context, key string, fields ...string) (map[string]string, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	if len(fields) == 0 {
		m, err := redis.StringMap(c.Do("HGETALL", key))
		if err != nil {
			return nil, fmt.Errorf("hgetall %s: %w", key, err)
		}
		if len(m) == 0 {
			return nil, nil
		}
		return m, nil
	}

	values, err := redis.Values(c.Do("HMGET", redis.Args{}.Add(key).AddFlat(fields)...))
	if err != nil {
		return nil, fmt.Errorf("hmget %s: %w", key, err)
	}
	m := make(map[string]string, len(fields))
	for i, v := range values {
		if v == nil {
			continue
		}
		s, err := redis.String(v, nil)
		if err != nil {
			return nil, fmt.Errorf("hmget %s: %w", key, err)
		}
		m[fields[i]] = s
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func (r *Redis) transaction(ctx context.Context, key string, cmds func(c redis.Conn) error) error {
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Send("MULTI"); err != nil {
		return err
	}
	if err := cmds(c); err != nil {
		c.Do("DISCARD")
		return err
	}
	if _, err := c.Do("EXEC"); err != nil {
		return fmt.Errorf("exec %s: %w", key, err)
	}
	return nil
}

// StoreDirty runs DEL, HSET, ZADD in one transaction.
func (r *Redis) StoreDirty(ctx context.Context, key string, fields map[string]string, queue string, due time.Time) error {
	return r.transaction(ctx, key, func(c redis.Conn) error {
		c.Send("DEL", key)
		c.Send("HSET", redis.Args{}.Add(key).AddFlat(fields)...)
		return c.Send("ZADD", queue, due.UnixMilli(), key)
	})
}

// StoreClean runs DEL, HSET, PEXPIRE, ZREM in one transaction.
func (r *Redis) StoreClean(ctx context.Context, key string, fields map[string]string, ttl time.Duration, queue string) error {
	return r.transaction(ctx, key, func(c redis.Conn) error {
		c.Send("DEL", key)
		c.Send("HSET", redis.Args{}.Add(key).AddFlat(fields)...)
		sendExpire(c, key, ttl)
		return c.Send("ZREM", queue, key)
	})
}

// markSyncedScript leaves a record that expired or was evicted since it was
// read absent; only the queue entry is always removed.
var markSyncedScript = redis.NewScript(2, `
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('HSET', KEYS[1], 'synced', 'true')
	if tonumber(ARGV[1]) > 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	else
		redis.call('PERSIST', KEYS[1])
	end
end
redis.call('ZREM', KEYS[2], KEYS[1])
return 1
`)

// MarkSynced flags an existing record as synced and dequeues it atomically.
func (r *Redis) MarkSynced(ctx context.Context, key string, ttl time.Duration, queue string) error {
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := markSyncedScript.Do(c, key, queue, ttl.Milliseconds()); err != nil {
		return fmt.Errorf("mark synced %s: %w", key, err)
	}
	return nil
}

func sendExpire(c redis.Conn, key string, ttl time.Duration) {
	if ttl > 0 {
		c.Send("PEXPIRE", key, ttl.Milliseconds())
	} else {
		c.Send("PERSIST", key)
	}
}

// Dequeue runs ZREM.
func (r *Redis) Dequeue(ctx context.Context, queue, key string) error {
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.Do("ZREM", queue, key); err != nil {
		return fmt.Errorf("zrem %s: %w", key, err)
	}
	return nil
}

// Due runs ZRANGEBYSCORE queue -inf until LIMIT 0 limit.
func (r *Redis) Due(ctx context.Context, queue string, until time.Time, limit int) ([]string, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	keys, err := redis.Strings(c.Do("ZRANGEBYSCORE", queue, "-inf", until.UnixMilli(), "LIMIT", 0, limit))
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", queue, err)
	}
	return keys, nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	_, err = c.Do("PING")
	return err
}

// Close closes the pool.
func (r *Redis) Close() error {
	return r.pool.Close()
}
