package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMarker implements [Marker] with SET NX EX.
type RedisMarker struct {
	rdb redis.UniversalClient
}

var _ Marker = (*RedisMarker)(nil)

// NewRedisMarker creates a marker store on the shared Redis.
func NewRedisMarker(rdb redis.UniversalClient) *RedisMarker {
	return &RedisMarker{rdb: rdb}
}

// SetOnce implements [Marker].
func (m *RedisMarker) SetOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return m.rdb.SetNX(ctx, key, "1", ttl).Result()
}

// MemoryMarker is an in-process [Marker] for tests and single-instance
// deployments.
type MemoryMarker struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

var _ Marker = (*MemoryMarker)(nil)

// NewMemoryMarker creates an empty marker store.
func NewMemoryMarker() *MemoryMarker {
	return &MemoryMarker{entries: map[string]time.Time{}, now: time.Now}
}

// SetOnce implements [Marker].
func (m *MemoryMarker) SetOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.entries[key]; ok && m.now().Before(exp) {
		return false, nil
	}
	m.entries[key] = m.now().Add(ttl)
	return true, nil
}

// SetNow overrides the clock. Test helper.
func (m *MemoryMarker) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
