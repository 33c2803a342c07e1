package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// renewScript extends the TTL only when the stored token matches the
// caller's. A mismatch (or missing key) means the lease was lost.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the key only when the stored token matches.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisManager implements [Manager] on a Redis keyspace using SET NX PX for
// acquisition and token-checked Lua scripts for renew/release.
type RedisManager struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ Manager = (*RedisManager)(nil)

// NewRedisManager creates a manager. prefix namespaces the lease keys
// (default "lease:").
func NewRedisManager(rdb redis.UniversalClient, prefix string) *RedisManager {
	if prefix == "" {
		prefix = "lease:"
	}
	return &RedisManager{rdb: rdb, prefix: prefix}
}

// Acquire implements [Manager].
func (m *RedisManager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := m.rdb.SetNX(ctx, m.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lease: acquire %q: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("lease: acquire %q: %w", key, ErrBusy)
	}
	return &Lease{Key: key, Token: token, TTL: ttl}, nil
}

// Renew implements [Manager].
func (m *RedisManager) Renew(ctx context.Context, l *Lease) error {
	n, err := renewScript.Run(ctx, m.rdb, []string{m.prefix + l.Key}, l.Token, l.TTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lease: renew %q: %w", l.Key, err)
	}
	if n == 0 {
		return fmt.Errorf("lease: renew %q: %w", l.Key, ErrLost)
	}
	return nil
}

// Release implements [Manager].
func (m *RedisManager) Release(ctx context.Context, l *Lease) error {
	if _, err := releaseScript.Run(ctx, m.rdb, []string{m.prefix + l.Key}, l.Token).Int(); err != nil {
		return fmt.Errorf("lease: release %q: %w", l.Key, err)
	}
	return nil
}
