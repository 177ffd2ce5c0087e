package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"support_agent/internal/core"
)

// MemorySessionStore is an in-memory implementation of the session store
// contract, used in development and tests. Snapshots are serialized on the
// way in and out so callers never share mutable state with the store.
type MemorySessionStore struct {
	mu       sync.Mutex
	versions map[string]uint64
	states   map[string][]byte
}

// NewMemorySessionStore creates an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		versions: make(map[string]uint64),
		states:   make(map[string][]byte),
	}
}

// Load returns the stored state and version, or a fresh state at version 0
// when the session is unknown.
func (m *MemorySessionStore) Load(ctx context.Context, sessionID string) (*core.SessionState, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, ok := m.states[sessionID]
	if !ok {
		return &core.SessionState{}, 0, nil
	}
	var state core.SessionState
	if err := sonic.Unmarshal(raw, &state); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal session state: %w", err)
	}
	return &state, m.versions[sessionID], nil
}

// Store commits the whole turn atomically when expectedVersion matches, and
// bumps the version by exactly 1. A stale expectedVersion yields
// core.ErrVersionConflict.
func (m *MemorySessionStore) Store(ctx context.Context, sessionID string, expectedVersion uint64, state *core.SessionState) (uint64, error) {
	state.UpdatedAt = time.Now()
	raw, err := sonic.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal session state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.versions[sessionID]
	if current != expectedVersion {
		return 0, fmt.Errorf("session %s at version %d, caller expected %d: %w",
			sessionID, current, expectedVersion, core.ErrVersionConflict)
	}
	m.states[sessionID] = raw
	m.versions[sessionID] = expectedVersion + 1
	return expectedVersion + 1, nil
}
