package lease

import (
	"context"
	"sync"
	"time"
)

// MemoryManager keeps leases in process. It serves single-instance deployments
// that run without Redis.
type MemoryManager struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]*memoryLease
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		now:    time.Now,
		leases: make(map[string]*memoryLease),
	}
}

func (m *MemoryManager) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.leases[key]; ok && m.now().Before(existing.expires) {
		return nil, ErrHeld
	}

	l := &memoryLease{manager: m, key: key, ttl: ttl, expires: m.now().Add(ttl)}
	m.leases[key] = l
	return l, nil
}

type memoryLease struct {
	manager *MemoryManager
	key     string
	ttl     time.Duration
	expires time.Time
}

func (l *memoryLease) Key() string {
	return l.key
}

func (l *memoryLease) Renew(ctx context.Context) error {
	m := l.manager
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.leases[l.key] != l || !m.now().Before(l.expires) {
		return ErrLost
	}
	l.expires = m.now().Add(l.ttl)
	return nil
}

func (l *memoryLease) Release(ctx context.Context) error {
	m := l.manager
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.leases[l.key] == l {
		delete(m.leases, l.key)
	}
	return nil
}

var _ Manager = (*MemoryManager)(nil)
