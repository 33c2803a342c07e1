package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryManager is an in-process [Manager] with real TTL expiry. Used by
// tests and single-instance deployments.
type MemoryManager struct {
	mu     sync.Mutex
	leases map[string]memoryLease

	// now is overridable in tests.
	now func() time.Time
}

type memoryLease struct {
	token     string
	expiresAt time.Time
}

var _ Manager = (*MemoryManager)(nil)

// NewMemoryManager creates an empty in-process lease manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		leases: make(map[string]memoryLease),
		now:    time.Now,
	}
}

// Acquire implements [Manager].
func (m *MemoryManager) Acquire(_ context.Context, key string, ttl time.Duration) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.leases[key]; ok && m.now().Before(l.expiresAt) {
		return nil, fmt.Errorf("lease: acquire %q: %w", key, ErrBusy)
	}
	token := uuid.NewString()
	m.leases[key] = memoryLease{token: token, expiresAt: m.now().Add(ttl)}
	return &Lease{Key: key, Token: token, TTL: ttl}, nil
}

// Renew implements [Manager].
func (m *MemoryManager) Renew(_ context.Context, l *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[l.Key]
	if !ok || cur.token != l.Token || m.now().After(cur.expiresAt) {
		return fmt.Errorf("lease: renew %q: %w", l.Key, ErrLost)
	}
	cur.expiresAt = m.now().Add(l.TTL)
	m.leases[l.Key] = cur
	return nil
}

// Release implements [Manager].
func (m *MemoryManager) Release(_ context.Context, l *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.leases[l.Key]; ok && cur.token == l.Token {
		delete(m.leases, l.Key)
	}
	return nil
}

// SetNow overrides the clock. Test helper.
func (m *MemoryManager) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
