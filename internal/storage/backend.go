// Package storage provides snapshot persistence for the knowledge store.
//
// The store itself is memory-only; backends persist point-in-time snapshots
// (nodes, relations, telemetry log, error counters) so CLI invocations and
// the MCP server can share state across processes.
package storage

import (
	"context"

	"github.com/Demi-urge/menace-self-coding/internal/graph"
)

// Backend defines the interface for snapshot storage implementations.
//
// Implementations must be thread-safe and support concurrent access.
type Backend interface {
	// Initialize opens or creates the backend at the given path.
	// If readOnly is true, the backend is opened in read-only mode.
	Initialize(path string, readOnly bool) error

	// Close releases all resources held by the backend.
	Close() error

	// SaveSnapshot replaces the persisted state with the snapshot.
	SaveSnapshot(ctx context.Context, snap *graph.Snapshot) error

	// LoadSnapshot reads the persisted state. An empty backend yields an
	// empty snapshot, not an error.
	LoadSnapshot(ctx context.Context) (*graph.Snapshot, error)

	// NodeCount returns the number of persisted nodes.
	NodeCount() int

	// RelationCount returns the number of persisted relation pairs.
	RelationCount() int

	// EventCount returns the number of persisted telemetry events.
	EventCount() int
}
