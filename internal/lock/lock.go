// Package lock guards a batch binary against overlapping invocations.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tradepipe/internal/config"
)

// ErrHeld is returned by TryLock when another invocation holds the lock.
var ErrHeld = errors.New("lock held by another invocation")

// Locker acquires and releases a named, expiring lock.
type Locker interface {
	// TryLock takes the lock without waiting. It returns ErrHeld if the lock
	// is already taken.
	TryLock(ctx context.Context, key string, ttl time.Duration) error
	// Unlock releases a lock taken by this Locker.
	Unlock(ctx context.Context, key string) error
	Close() error
}

// New returns a Redis-backed locker when an address is configured and a
// no-op locker otherwise.
func New(cfg config.Lock) Locker {
	if cfg.RedisAddr == "" {
		return NopLock{}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisLock(client, "tradepipe:lock:")
}

// ---------------------------------------------------------------------------
// Redis
// ---------------------------------------------------------------------------

// unlockScript deletes the key only if it still carries our token.
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// RedisLock implements Locker with SET NX and a per-acquisition token.
type RedisLock struct {
	client redis.UniversalClient
	prefix string
	tokens map[string]string
}

// NewRedisLock creates a RedisLock on client with keys under prefix.
func NewRedisLock(client redis.UniversalClient, prefix string) *RedisLock {
	return &RedisLock{client: client, prefix: prefix, tokens: make(map[string]string)}
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (r *RedisLock) TryLock(ctx context.Context, key string, ttl time.Duration) error {
	token := newToken()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrHeld, key)
	}
	r.tokens[key] = token
	return nil
}

func (r *RedisLock) Unlock(ctx context.Context, key string) error {
	token, ok := r.tokens[key]
	if !ok {
		return fmt.Errorf("lock not held: %s", key)
	}
	res, err := r.client.Eval(ctx, unlockScript, []string{r.prefix + key}, token).Int64()
	if err != nil {
		return fmt.Errorf("redis eval: %w", err)
	}
	delete(r.tokens, key)
	if res == 0 {
		return fmt.Errorf("lock expired before release: %s", key)
	}
	return nil
}

func (r *RedisLock) Close() error {
	return r.client.Close()
}

// ---------------------------------------------------------------------------
// No-op
// ---------------------------------------------------------------------------

// NopLock always succeeds. It is used when no Redis is configured and the
// scheduler alone keeps invocations apart.
type NopLock struct{}

func (NopLock) TryLock(context.Context, string, time.Duration) error { return nil }
func (NopLock) Unlock(context.Context, string) error                 { return nil }
func (NopLock) Close() error                                         { return nil }
