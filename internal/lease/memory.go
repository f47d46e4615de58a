package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a process-local Manager.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]memoryEntry
}

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

var _ Manager = (*Memory)(nil)

// NewMemory creates an empty Memory manager.
func NewMemory() *Memory {
	return &Memory{
		now:    time.Now,
		leases: make(map[string]memoryEntry),
	}
}

// Acquire implements Manager.
func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.leases[key]; ok && now.Before(e.expiresAt) {
		return nil, ErrHeld
	}

	token := uuid.NewString()
	m.leases[key] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	return &memoryLease{m: m, key: key, token: token}, nil
}

func (m *Memory) release(key, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.leases[key]; ok && e.token == token {
		delete(m.leases, key)
	}
}

type memoryLease struct {
	m     *Memory
	key   string
	token string
}

func (l *memoryLease) Key() string { return l.key }

func (l *memoryLease) Release(context.Context) error {
	l.m.release(l.key, l.token)
	return nil
}
