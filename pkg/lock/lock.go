// Package lock provides a Redis lease that keeps a single indexer writing.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockLost = errors.New("leader lock lost")
	ErrNotHeld  = errors.New("leader lock not held")
)

const (
	DefaultKey = "escrow-indexer:leader"
	DefaultTTL = 30 * time.Second
)

// Only the holder's token may extend or delete the key.
const (
	refreshScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("PEXPIRE", KEYS[1], ARGV[2]) else return 0 end`
	releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`
)

type Config struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Key      string        `mapstructure:"key"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// RedisLock is a lease on a single key. It is not reentrant across
// processes: each instance carries its own token.
type RedisLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
	held   bool
}

// NewRedisLock dials Redis and verifies the connection.
func NewRedisLock(ctx context.Context, cfg Config) (*RedisLock, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return NewWithClient(rdb, cfg.Key, cfg.TTL), nil
}

// NewWithClient wraps an existing client (Testing/DI)
func NewWithClient(rdb *redis.Client, key string, ttl time.Duration) *RedisLock {
	if key == "" {
		key = DefaultKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLock{client: rdb, key: key, ttl: ttl, token: uuid.NewString()}
}

func (l *RedisLock) Key() string   { return l.key }
func (l *RedisLock) Token() string { return l.token }
func (l *RedisLock) Held() bool    { return l.held }

// TryAcquire takes the lease if nobody holds it.
func (l *RedisLock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, err
	}
	l.held = ok
	return ok, nil
}

// Acquire blocks until the lease is taken or ctx is done.
func (l *RedisLock) Acquire(ctx context.Context) error {
	wait := l.ttl / 3
	for {
		ok, err := l.TryAcquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("Leader lock attempt failed", "key", l.key, "err", err)
		}
		if ok {
			log.Info("Leader lock acquired", "key", l.key, "ttl", l.ttl)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Refresh extends the lease. ErrLockLost means another holder took over.
func (l *RedisLock) Refresh(ctx context.Context) error {
	if !l.held {
		return ErrNotHeld
	}
	n, err := l.client.Eval(ctx, refreshScript, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		l.held = false
		return ErrLockLost
	}
	return nil
}

// Release deletes the key if this instance still holds it.
func (l *RedisLock) Release(ctx context.Context) error {
	if !l.held {
		return nil
	}
	l.held = false
	n, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

func (l *RedisLock) Close() error {
	return l.client.Close()
}
