package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/Demi-urge/menace-self-coding/internal/graph"
)

// Key prefixes for different record types
const (
	prefixNode  = "n:" // node records, keyed by node id
	prefixRel   = "r:" // relation records, keyed by sequence number
	prefixEvent = "t:" // telemetry events, keyed by log position
	keyErrStats = "s:errors"
)

// BadgerBackend is a BadgerDB-backed snapshot store.
type BadgerBackend struct {
	db          *badger.DB
	initialized bool
	mu          sync.RWMutex

	nodeCount     int
	relationCount int
	eventCount    int
}

// NewBadgerBackend creates a new BadgerDB backend.
func NewBadgerBackend() *BadgerBackend {
	return &BadgerBackend{}
}

// Initialize opens or creates the BadgerDB database at the given path.
func (b *BadgerBackend) Initialize(path string, readOnly bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	opts := badger.DefaultOptions(path).
		WithNumCompactors(2).
		WithNumMemtables(5).
		WithLoggingLevel(badger.ERROR) // Suppress INFO/WARNING logs

	if readOnly {
		opts = opts.WithReadOnly(true)
	}

	var err error
	b.db, err = badger.Open(opts)
	if err != nil {
		return fmt.Errorf("opening badger DB: %w", err)
	}

	b.initialized = true
	b.recountLocked()
	return nil
}

// Close releases all resources held by the backend.
func (b *BadgerBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		return nil
	}

	err := b.db.Close()
	b.db = nil
	b.initialized = false
	return err
}

// SaveSnapshot replaces the persisted state with the snapshot.
func (b *BadgerBackend) SaveSnapshot(ctx context.Context, snap *graph.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot must not be nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return fmt.Errorf("backend not initialized")
	}

	if err := b.db.DropAll(); err != nil {
		return fmt.Errorf("clearing previous snapshot: %w", err)
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	for _, node := range snap.Nodes {
		data, err := json.Marshal(node)
		if err != nil {
			return fmt.Errorf("marshaling node %s: %w", node.ID, err)
		}
		if err := wb.Set([]byte(prefixNode+node.ID), data); err != nil {
			return fmt.Errorf("setting node %s: %w", node.ID, err)
		}
	}

	for _, rel := range snap.Relations {
		data, err := json.Marshal(rel)
		if err != nil {
			return fmt.Errorf("marshaling relation %s-%s: %w", rel.Source, rel.Target, err)
		}
		key := fmt.Sprintf("%s%020d", prefixRel, rel.Seq)
		if err := wb.Set([]byte(key), data); err != nil {
			return fmt.Errorf("setting relation %s-%s: %w", rel.Source, rel.Target, err)
		}
	}

	for i, ev := range snap.Events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshaling event %d: %w", i, err)
		}
		key := fmt.Sprintf("%s%020d", prefixEvent, i)
		if err := wb.Set([]byte(key), data); err != nil {
			return fmt.Errorf("setting event %d: %w", i, err)
		}
	}

	if len(snap.ErrorStats) > 0 {
		data, err := json.Marshal(snap.ErrorStats)
		if err != nil {
			return fmt.Errorf("marshaling error stats: %w", err)
		}
		if err := wb.Set([]byte(keyErrStats), data); err != nil {
			return fmt.Errorf("setting error stats: %w", err)
		}
	}

	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flushing snapshot: %w", err)
	}

	b.nodeCount = len(snap.Nodes)
	b.relationCount = len(snap.Relations)
	b.eventCount = len(snap.Events)
	return nil
}

// LoadSnapshot reads the persisted state. An empty database yields an empty
// snapshot.
func (b *BadgerBackend) LoadSnapshot(ctx context.Context) (*graph.Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return nil, fmt.Errorf("backend not initialized")
	}

	snap := &graph.Snapshot{ErrorStats: make(map[string]int)}

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixNode)
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			var node graph.NodeRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &node)
			}); err != nil {
				it.Close()
				return fmt.Errorf("decoding node: %w", err)
			}
			snap.Nodes = append(snap.Nodes, node)
		}
		it.Close()

		opts.Prefix = []byte(prefixRel)
		it = txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			var rel graph.RelationRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rel)
			}); err != nil {
				it.Close()
				return fmt.Errorf("decoding relation: %w", err)
			}
			snap.Relations = append(snap.Relations, rel)
		}
		it.Close()

		opts.Prefix = []byte(prefixEvent)
		it = txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			var ev graph.TelemetryEvent
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			}); err != nil {
				it.Close()
				return fmt.Errorf("decoding event: %w", err)
			}
			snap.Events = append(snap.Events, ev)
		}
		it.Close()

		item, err := txn.Get([]byte(keyErrStats))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading error stats: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap.ErrorStats)
		})
	})
	if err != nil {
		return nil, err
	}

	// Key order already sorts events by log position; relations come back
	// in key order too, which is seq order by construction.
	sort.Slice(snap.Relations, func(i, j int) bool { return snap.Relations[i].Seq < snap.Relations[j].Seq })
	return snap, nil
}

// NodeCount returns the number of persisted nodes.
func (b *BadgerBackend) NodeCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nodeCount
}

// RelationCount returns the number of persisted relation pairs.
func (b *BadgerBackend) RelationCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.relationCount
}

// EventCount returns the number of persisted telemetry events.
func (b *BadgerBackend) EventCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.eventCount
}

// recountLocked refreshes the cached counts from the database.
func (b *BadgerBackend) recountLocked() {
	b.nodeCount = 0
	b.relationCount = 0
	b.eventCount = 0

	_ = b.db.View(func(txn *badger.Txn) error {
		for _, counter := range []struct {
			prefix string
			count  *int
		}{
			{prefixNode, &b.nodeCount},
			{prefixRel, &b.relationCount},
			{prefixEvent, &b.eventCount},
		} {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(counter.prefix)
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			for it.Rewind(); it.Valid(); it.Next() {
				*counter.count++
			}
			it.Close()
		}
		return nil
	})
}
