package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// KnowledgeGraph is a thread-safe, in-memory relational knowledge store.
//
// It ingests memory-tag associations, GPT insights and telemetry events,
// accumulating a symmetric weighted adjacency table between canonical node
// ids plus a derived per-module error-pressure counter.
//
// All three structures (nodes/relations, event log, error counters) are
// guarded by a single mutex so that pairwise linking is atomic: readers
// never observe one direction of a relation without the other. Queries copy
// state out under the lock and never return live references.
type KnowledgeGraph struct {
	mu        sync.Mutex
	nodes     map[string]*Node
	byKind    map[NodeKind]map[string]struct{}
	relations map[string]map[string]*neighbor

	events     []TelemetryEvent
	errorStats map[string]int

	// seq orders first observations of relations for deterministic
	// tie-breaking in Related.
	seq uint64

	mirror     Mirror
	mirrorErrs atomic.Uint64
}

// neighbor accumulates the weight of one direction of a relation.
// Both directions of a pair share the same seq.
type neighbor struct {
	weight float64
	seq    uint64
}

// TelemetryInput describes one telemetry observation to record.
type TelemetryInput struct {
	// Bot is the source bot identifier. Required.
	Bot string

	// EventType classifies the observation. Required.
	EventType string

	// Module names the module involved, with or without the "code:" prefix.
	Module string

	// RelatedModules maps additional module names to an occurrence count.
	// Only the keys participate in linking.
	RelatedModules map[string]int

	// PatchID references the patch that produced the event, if any.
	PatchID string

	// Resolved reports whether the event closed out an earlier error.
	Resolved *bool

	// Meta holds free-form event attributes.
	Meta map[string]any
}

// Insight describes GPT-derived metadata to attach to a memory entry.
type Insight struct {
	Bots            []string
	CodePaths       []string
	ErrorCategories []string
}

// New creates a new empty knowledge store.
func New() *KnowledgeGraph {
	return &KnowledgeGraph{
		nodes:      make(map[string]*Node),
		byKind:     make(map[NodeKind]map[string]struct{}),
		relations:  make(map[string]map[string]*neighbor),
		errorStats: make(map[string]int),
	}
}

// SetMirror installs a best-effort secondary edge sink. The mirror is
// notified of node and edge writes after the store's own mutation commits;
// mirror failures are counted and never propagated. Passing nil detaches.
func (g *KnowledgeGraph) SetMirror(m Mirror) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mirror = m
}

// MirrorErrors returns how many mirror notifications have failed.
func (g *KnowledgeGraph) MirrorErrors() uint64 {
	return g.mirrorErrs.Load()
}

// EnsureNode creates the node if absent, otherwise merges meta into the
// existing metadata with last-writer-wins per key. Empty ids are ignored.
func (g *KnowledgeGraph) EnsureNode(id string, meta map[string]any) {
	if id == "" {
		return
	}
	g.mu.Lock()
	ops := g.ensureNodeLocked(id, meta)
	g.mu.Unlock()
	g.notifyMirror(ops)
}

// LinkAll links every unordered pair of the given node ids with the given
// weight, creating missing nodes on the way. Duplicate and empty ids are
// dropped; self-pairs are excluded. Fewer than two distinct valid ids is a
// no-op. The whole pairwise update happens inside one critical section.
func (g *KnowledgeGraph) LinkAll(ids []string, weight float64) {
	uniq := dedupeIDs(ids)
	if len(uniq) < 2 {
		return
	}
	g.mu.Lock()
	ops := g.linkAllLocked(uniq, weight)
	g.mu.Unlock()
	g.notifyMirror(ops)
}

// AddMemoryEntry records a memory key linked to the provided tags.
//
// Tags are trimmed, deduplicated and sorted; each tag is linked to the
// memory node with weight 1.0 and every pair of co-occurring tags is linked
// with weight 0.5 so tag-to-tag adjacency stays weaker than the primary
// memory-to-tag relation. Case is preserved.
func (g *KnowledgeGraph) AddMemoryEntry(key string, tags []string) error {
	if key == "" {
		return fmt.Errorf("memory entry key must not be empty")
	}
	memoryID := MakeID(KindMemory, key)
	normalized := normalizeTags(tags)

	g.mu.Lock()
	ops := g.ensureNodeLocked(memoryID, map[string]any{"key": key})
	tagIDs := make([]string, 0, len(normalized))
	for _, tag := range normalized {
		tagID := MakeID(KindTag, tag)
		tagIDs = append(tagIDs, tagID)
		ops = append(ops, g.linkAllLocked([]string{memoryID, tagID}, 1.0)...)
	}
	for i, a := range tagIDs {
		for _, b := range tagIDs[i+1:] {
			ops = append(ops, g.linkAllLocked([]string{a, b}, 0.5)...)
		}
	}
	g.mu.Unlock()
	g.notifyMirror(ops)
	return nil
}

// AddInsight attaches GPT-derived metadata to a memory entry, creating the
// entry if it does not exist yet. The memory node and every supplied bot,
// code path and error category node are linked pairwise with weight 1.0.
func (g *KnowledgeGraph) AddInsight(key string, insight Insight) error {
	if key == "" {
		return fmt.Errorf("insight key must not be empty")
	}
	memoryID := MakeID(KindMemory, key)
	ids := []string{memoryID}
	for _, group := range []struct {
		kind   NodeKind
		values []string
	}{
		{KindBot, insight.Bots},
		{KindCode, insight.CodePaths},
		{KindError, insight.ErrorCategories},
	} {
		for _, value := range group.values {
			if value == "" {
				continue
			}
			ids = append(ids, MakeID(group.kind, value))
		}
	}

	g.mu.Lock()
	ops := g.ensureNodeLocked(memoryID, map[string]any{"key": key})
	ops = append(ops, g.linkAllLocked(dedupeIDs(ids), 1.0)...)
	g.mu.Unlock()
	g.notifyMirror(ops)
	return nil
}

// AddTelemetryEvent appends an immutable telemetry record, links the
// participating nodes with weight 1.0 and updates the error-pressure counter
// for the module: unresolved events increment it, resolved events decrement
// it floored at zero. Events without a module still append and link but
// leave the counters untouched.
func (g *KnowledgeGraph) AddTelemetryEvent(in TelemetryInput) error {
	if in.Bot == "" {
		return fmt.Errorf("telemetry event bot must not be empty")
	}
	if in.EventType == "" {
		return fmt.Errorf("telemetry event type must not be empty")
	}

	moduleID := NormalizeModule(in.Module)
	record := TelemetryEvent{
		Bot:       in.Bot,
		EventType: in.EventType,
		Module:    moduleID,
		PatchID:   in.PatchID,
		Resolved:  in.Resolved,
		Timestamp: time.Now().UTC(),
		Meta:      copyMeta(in.Meta),
	}

	ids := []string{MakeID(KindBot, in.Bot), MakeID(KindEvent, in.EventType)}
	if moduleID != "" {
		ids = append(ids, moduleID)
	}
	for _, name := range sortedKeys(in.RelatedModules) {
		if name == "" {
			continue
		}
		ids = append(ids, NormalizeModule(name))
	}

	g.mu.Lock()
	g.events = append(g.events, record)
	ops := g.linkAllLocked(dedupeIDs(ids), 1.0)
	if moduleID != "" {
		if in.Resolved != nil && *in.Resolved {
			if g.errorStats[moduleID] > 0 {
				g.errorStats[moduleID]--
			} else {
				g.errorStats[moduleID] = 0
			}
		} else {
			g.errorStats[moduleID]++
		}
	}
	g.mu.Unlock()
	g.notifyMirror(ops)
	return nil
}

// Related returns up to limit node ids ordered by accumulated weight to the
// given node, highest first. Ties are broken by first-observation order.
// Unknown and zero-degree nodes yield an empty result, never an error.
func (g *KnowledgeGraph) Related(node string, limit int) []string {
	key := strings.TrimSpace(node)
	if key == "" || limit <= 0 {
		return nil
	}

	type ranked struct {
		id     string
		weight float64
		seq    uint64
	}

	g.mu.Lock()
	neighbors := g.relations[key]
	results := make([]ranked, 0, len(neighbors))
	for id, n := range neighbors {
		results = append(results, ranked{id: id, weight: n.weight, seq: n.seq})
	}
	g.mu.Unlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].weight != results[j].weight {
			return results[i].weight > results[j].weight
		}
		return results[i].seq < results[j].seq
	})

	if len(results) > limit {
		results = results[:limit]
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.id
	}
	return ids
}

// Weight returns the accumulated relation weight between two nodes.
// Unrelated pairs report zero.
func (g *KnowledgeGraph) Weight(a, b string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.relations[a][b]; ok {
		return n.weight
	}
	return 0
}

// ErrorSnapshot returns a copy of the current error-pressure counters.
func (g *KnowledgeGraph) ErrorSnapshot() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	snapshot := make(map[string]int, len(g.errorStats))
	for module, count := range g.errorStats {
		snapshot[module] = count
	}
	return snapshot
}

// UpdateErrorStats replaces the error-pressure counters wholesale with a
// snapshot pulled from an external source. A nil source or a nil snapshot
// leaves the current counters untouched; this is not reported as an error.
// Negative counts are floored at zero.
func (g *KnowledgeGraph) UpdateErrorStats(source ErrorStatsSource) {
	if source == nil {
		return
	}
	counts := source.ErrorCounts()
	if counts == nil {
		return
	}
	replacement := make(map[string]int, len(counts))
	for module, count := range counts {
		if count < 0 {
			count = 0
		}
		replacement[module] = count
	}
	g.mu.Lock()
	g.errorStats = replacement
	g.mu.Unlock()
}

// TelemetryEvents returns a copy of the full telemetry log in append order.
// Intended for diagnostics and tests.
func (g *KnowledgeGraph) TelemetryEvents() []TelemetryEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return copyEvents(g.events)
}

// TelemetrySince returns the events appended at or after cursor, plus the
// cursor to resume from. The result is finite: it ends at the log length at
// call time and never waits for future appends. Cursors out of range yield
// an empty result.
func (g *KnowledgeGraph) TelemetrySince(cursor int) ([]TelemetryEvent, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(g.events) {
		return nil, len(g.events)
	}
	return copyEvents(g.events[cursor:]), len(g.events)
}

// NodeCount returns the number of nodes.
func (g *KnowledgeGraph) NodeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// RelationCount returns the number of unordered related pairs.
func (g *KnowledgeGraph) RelationCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	directed := 0
	for _, neighbors := range g.relations {
		directed += len(neighbors)
	}
	return directed / 2
}

// CountNodesByKind returns the count of nodes in the given namespace.
func (g *KnowledgeGraph) CountNodesByKind(kind NodeKind) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.byKind[kind])
}

// GetNode returns a copy of the node with the given id, or nil.
func (g *KnowledgeGraph) GetNode(id string) *Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	node, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return &Node{ID: node.ID, Kind: node.Kind, Meta: copyMeta(node.Meta)}
}

// Stats returns a summary of store size.
func (g *KnowledgeGraph) Stats() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	directed := 0
	for _, neighbors := range g.relations {
		directed += len(neighbors)
	}
	return map[string]int{
		"nodes":     len(g.nodes),
		"relations": directed / 2,
		"events":    len(g.events),
	}
}

// Export copies the whole store into a snapshot. Each unordered relation
// pair appears once, with source < target.
func (g *KnowledgeGraph) Export() *Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := &Snapshot{
		Nodes:      make([]NodeRecord, 0, len(g.nodes)),
		Events:     copyEvents(g.events),
		ErrorStats: make(map[string]int, len(g.errorStats)),
	}
	for _, node := range g.nodes {
		snap.Nodes = append(snap.Nodes, NodeRecord{ID: node.ID, Kind: node.Kind, Meta: copyMeta(node.Meta)})
	}
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })

	for source, neighbors := range g.relations {
		for target, n := range neighbors {
			if source < target {
				snap.Relations = append(snap.Relations, RelationRecord{
					Source: source,
					Target: target,
					Weight: n.weight,
					Seq:    n.seq,
				})
			}
		}
	}
	sort.Slice(snap.Relations, func(i, j int) bool { return snap.Relations[i].Seq < snap.Relations[j].Seq })

	for module, count := range g.errorStats {
		snap.ErrorStats[module] = count
	}
	return snap
}

// Restore replaces the entire store state with the given snapshot. Both
// directions of each relation are rebuilt; the sequence counter resumes past
// the highest restored value.
func (g *KnowledgeGraph) Restore(snap *Snapshot) {
	if snap == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes = make(map[string]*Node, len(snap.Nodes))
	g.byKind = make(map[NodeKind]map[string]struct{})
	g.relations = make(map[string]map[string]*neighbor)
	g.events = copyEvents(snap.Events)
	g.errorStats = make(map[string]int, len(snap.ErrorStats))
	g.seq = 0

	for _, record := range snap.Nodes {
		g.insertNodeLocked(record.ID, record.Kind, copyMeta(record.Meta))
	}
	for _, rel := range snap.Relations {
		if rel.Source == "" || rel.Target == "" || rel.Source == rel.Target {
			continue
		}
		g.setRelationLocked(rel.Source, rel.Target, rel.Weight, rel.Seq)
		if rel.Seq >= g.seq {
			g.seq = rel.Seq + 1
		}
	}
	for module, count := range snap.ErrorStats {
		if count < 0 {
			count = 0
		}
		g.errorStats[module] = count
	}
}

// internal helpers, all requiring g.mu to be held

func (g *KnowledgeGraph) ensureNodeLocked(id string, meta map[string]any) []mirrorOp {
	if id == "" {
		return nil
	}
	node, ok := g.nodes[id]
	if !ok {
		kind, _ := ParseKind(id)
		g.insertNodeLocked(id, kind, copyMeta(meta))
		if g.mirror != nil {
			return []mirrorOp{{kind: opNode, a: id, nodeKind: kind}}
		}
		return nil
	}
	if len(meta) > 0 {
		if node.Meta == nil {
			node.Meta = make(map[string]any, len(meta))
		}
		for key, value := range meta {
			node.Meta[key] = value
		}
	}
	return nil
}

func (g *KnowledgeGraph) insertNodeLocked(id string, kind NodeKind, meta map[string]any) {
	g.nodes[id] = &Node{ID: id, Kind: kind, Meta: meta}
	if g.byKind[kind] == nil {
		g.byKind[kind] = make(map[string]struct{})
	}
	g.byKind[kind][id] = struct{}{}
}

func (g *KnowledgeGraph) linkAllLocked(uniq []string, weight float64) []mirrorOp {
	if len(uniq) < 2 {
		return nil
	}
	var ops []mirrorOp
	for _, id := range uniq {
		ops = append(ops, g.ensureNodeLocked(id, nil)...)
	}
	for i, a := range uniq {
		for _, b := range uniq[i+1:] {
			if a == b {
				continue
			}
			g.addWeightLocked(a, b, weight)
			if g.mirror != nil {
				ops = append(ops, mirrorOp{kind: opEdge, a: a, b: b, weight: weight})
			}
		}
	}
	return ops
}

// addWeightLocked accumulates weight on both directions of a pair, assigning
// a shared first-observation sequence number on the first sighting.
func (g *KnowledgeGraph) addWeightLocked(a, b string, weight float64) {
	forward, ok := g.relations[a][b]
	if !ok {
		seq := g.seq
		g.seq++
		g.setRelationLocked(a, b, weight, seq)
		return
	}
	forward.weight += weight
	g.relations[b][a].weight += weight
}

func (g *KnowledgeGraph) setRelationLocked(a, b string, weight float64, seq uint64) {
	if g.relations[a] == nil {
		g.relations[a] = make(map[string]*neighbor)
	}
	if g.relations[b] == nil {
		g.relations[b] = make(map[string]*neighbor)
	}
	g.relations[a][b] = &neighbor{weight: weight, seq: seq}
	g.relations[b][a] = &neighbor{weight: weight, seq: seq}
}

// dedupeIDs drops empty ids and duplicates while preserving first-seen order.
func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	uniq := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}
	return uniq
}

// normalizeTags trims, drops empties, dedupes and sorts. Case is preserved.
func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	normalized := make([]string, 0, len(tags))
	for _, tag := range tags {
		trimmed := strings.TrimSpace(tag)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	sort.Strings(normalized)
	return normalized
}

func sortedKeys(m map[string]int) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func copyMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for key, value := range meta {
		out[key] = value
	}
	return out
}

func copyEvents(events []TelemetryEvent) []TelemetryEvent {
	if len(events) == 0 {
		return nil
	}
	out := make([]TelemetryEvent, len(events))
	for i, ev := range events {
		out[i] = ev
		out[i].Meta = copyMeta(ev.Meta)
	}
	return out
}
