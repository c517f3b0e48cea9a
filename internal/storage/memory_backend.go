package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Demi-urge/menace-self-coding/internal/graph"
)

// MemoryBackend is an in-memory Backend implementation for tests and
// ephemeral sessions. Snapshots are deep-copied on save and load.
type MemoryBackend struct {
	mu          sync.RWMutex
	initialized bool
	snap        *graph.Snapshot
}

// NewMemoryBackend creates a new in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Initialize marks the backend ready. The path is ignored.
func (m *MemoryBackend) Initialize(path string, readOnly bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = true
	return nil
}

// Close releases the held snapshot.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = false
	m.snap = nil
	return nil
}

// SaveSnapshot replaces the held state with a deep copy of the snapshot.
func (m *MemoryBackend) SaveSnapshot(ctx context.Context, snap *graph.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot must not be nil")
	}
	copied, err := copySnapshot(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return fmt.Errorf("backend not initialized")
	}
	m.snap = copied
	return nil
}

// LoadSnapshot returns a deep copy of the held state, or an empty snapshot.
func (m *MemoryBackend) LoadSnapshot(ctx context.Context) (*graph.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return nil, fmt.Errorf("backend not initialized")
	}
	if m.snap == nil {
		return &graph.Snapshot{ErrorStats: make(map[string]int)}, nil
	}
	return copySnapshot(m.snap)
}

// NodeCount returns the number of held nodes.
func (m *MemoryBackend) NodeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snap == nil {
		return 0
	}
	return len(m.snap.Nodes)
}

// RelationCount returns the number of held relation pairs.
func (m *MemoryBackend) RelationCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snap == nil {
		return 0
	}
	return len(m.snap.Relations)
}

// EventCount returns the number of held telemetry events.
func (m *MemoryBackend) EventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snap == nil {
		return 0
	}
	return len(m.snap.Events)
}

// copySnapshot deep-copies via the JSON round trip both real backends use,
// so behavior matches the persistent path.
func copySnapshot(snap *graph.Snapshot) (*graph.Snapshot, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("copying snapshot: %w", err)
	}
	out := &graph.Snapshot{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("copying snapshot: %w", err)
	}
	if out.ErrorStats == nil {
		out.ErrorStats = make(map[string]int)
	}
	return out, nil
}
