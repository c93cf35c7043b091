// Package cache holds committed session snapshots for lock-free reads.
// Entries are written only after the store commit succeeds, so a hit is
// never newer than the store; a miss falls back to the store.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"podium/pkg/types"
)

// ErrMiss is returned when no snapshot is cached for a session
var ErrMiss = errors.New("cache miss")

// SnapshotCache stores the last committed snapshot of each session. Set
// must never replace a snapshot with a higher Version.
type SnapshotCache interface {
	Set(ctx context.Context, session *types.ClassroomSession) error
	Get(ctx context.Context, id string) (*types.ClassroomSession, error)
	Delete(ctx context.Context, id string) error
}

type memoryEntry struct {
	session   *types.ClassroomSession
	expiresAt time.Time
}

// Memory is a process-local SnapshotCache
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemory creates a process-local cache; ttl <= 0 disables expiry
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Set stores a copy of the snapshot. An older revision never replaces a newer one.
func (m *Memory) Set(ctx context.Context, session *types.ClassroomSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[session.ID]; ok && existing.session.Version > session.Version {
		return nil
	}

	entry := memoryEntry{session: session.Clone()}
	if m.ttl > 0 {
		entry.expiresAt = m.now().Add(m.ttl)
	}
	m.entries[session.ID] = entry
	return nil
}

// Get returns a copy of the cached snapshot or ErrMiss
func (m *Memory) Get(ctx context.Context, id string) (*types.ClassroomSession, error) {
	m.mu.RLock()
	entry, ok := m.entries[id]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrMiss
	}
	if !entry.expiresAt.IsZero() && m.now().After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.entries, id)
		m.mu.Unlock()
		return nil, ErrMiss
	}
	return entry.session.Clone(), nil
}

// Delete drops the snapshot of a session
func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	return nil
}

// Len returns the number of cached snapshots
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
