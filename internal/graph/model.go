// Package graph provides the Menace relational knowledge store data model.
//
// It defines the canonical node namespace shared by all ingestion paths
// (memory entries, GPT insights, telemetry events) and the immutable
// telemetry record type.
package graph

import (
	"strings"
	"time"
)

// NodeKind represents the namespace a node id belongs to.
type NodeKind string

const (
	KindMemory NodeKind = "memory"
	KindTag    NodeKind = "tag"
	KindBot    NodeKind = "bot"
	KindCode   NodeKind = "code"
	KindEvent  NodeKind = "event"
	KindError  NodeKind = "error"
)

// Node represents a node in the knowledge store.
type Node struct {
	// ID is the canonical namespaced identifier, e.g. "code:billing".
	ID string

	// Kind is the namespace of the node, derived from the ID prefix.
	Kind NodeKind

	// Meta holds free-form attributes merged across EnsureNode calls.
	Meta map[string]any
}

// TelemetryEvent is an immutable record of an observed bot/module outcome.
// Events are only ever appended; the store never mutates or deletes them.
type TelemetryEvent struct {
	// Bot is the source bot identifier (unprefixed).
	Bot string `json:"bot"`

	// EventType classifies the observation, e.g. "error" or "patch_applied".
	EventType string `json:"event_type"`

	// Module is the canonical code node id, empty when no module applies.
	Module string `json:"module,omitempty"`

	// PatchID references the patch that produced the event, if any.
	PatchID string `json:"patch_id,omitempty"`

	// Resolved reports whether the event closed out an earlier error.
	// Nil means unknown, which counts as unresolved.
	Resolved *bool `json:"resolved,omitempty"`

	// Timestamp is the wall-clock capture time in UTC. Ordering guarantees
	// come from log position, not from this field.
	Timestamp time.Time `json:"timestamp"`

	// Meta holds free-form event attributes.
	Meta map[string]any `json:"meta,omitempty"`
}

// NodeRecord is the export form of a node.
type NodeRecord struct {
	ID   string         `json:"id"`
	Kind NodeKind       `json:"kind"`
	Meta map[string]any `json:"meta,omitempty"`
}

// RelationRecord is the export form of one direction of a relation.
// Snapshots carry each unordered pair once; Restore rebuilds both directions.
type RelationRecord struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	Weight float64 `json:"weight"`

	// Seq preserves first-observation order for deterministic tie-breaks.
	Seq uint64 `json:"seq"`
}

// Snapshot is a copied, point-in-time view of the whole store, suitable for
// persistence by a storage backend. It shares no memory with the store.
type Snapshot struct {
	Nodes      []NodeRecord     `json:"nodes"`
	Relations  []RelationRecord `json:"relations"`
	Events     []TelemetryEvent `json:"events"`
	ErrorStats map[string]int   `json:"error_stats"`
}

// MakeID builds a canonical node id from a kind and a raw value.
func MakeID(kind NodeKind, value string) string {
	return string(kind) + ":" + value
}

// ParseKind extracts the namespace from a canonical node id.
// Returns false for ids without a recognized prefix.
func ParseKind(id string) (NodeKind, bool) {
	idx := strings.IndexByte(id, ':')
	if idx <= 0 || idx == len(id)-1 {
		return "", false
	}
	switch kind := NodeKind(id[:idx]); kind {
	case KindMemory, KindTag, KindBot, KindCode, KindEvent, KindError:
		return kind, true
	default:
		return "", false
	}
}

// NormalizeModule maps a module name onto the code namespace, passing ids
// that already carry the prefix through unchanged.
func NormalizeModule(module string) string {
	if module == "" {
		return ""
	}
	if strings.HasPrefix(module, string(KindCode)+":") {
		return module
	}
	return MakeID(KindCode, module)
}
