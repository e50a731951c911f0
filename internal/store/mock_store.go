// ABOUTME: In-memory checkpoint store for tests and for running without persistence
// ABOUTME: Behaves like SQLiteStore but keeps checkpoints in a map

package store

import (
	"context"
	"sync"

	"github.com/2389/kook-gateway/internal/session"
)

// MockStore is an in-memory checkpoint store.
type MockStore struct {
	mu          sync.RWMutex
	checkpoints map[string]session.Checkpoint // keyed by bot ID
	saves       int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		checkpoints: make(map[string]session.Checkpoint),
	}
}

// Checkpointer returns a session.Checkpointer scoped to one bot.
func (m *MockStore) Checkpointer(botID string) session.Checkpointer {
	return &boundCheckpointer{backend: m, botID: botID}
}

// Saves returns how many checkpoints have been written.
func (m *MockStore) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

func (m *MockStore) loadCheckpoint(_ context.Context, botID string) (session.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.checkpoints[botID]
	if !ok {
		return session.Checkpoint{}, session.ErrNoCheckpoint
	}
	return cp, nil
}

func (m *MockStore) saveCheckpoint(_ context.Context, botID string, cp session.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkpoints[botID] = cp
	m.saves++
	return nil
}

func (m *MockStore) clearCheckpoint(_ context.Context, botID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.checkpoints, botID)
	return nil
}
