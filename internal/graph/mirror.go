package graph

import "sync"

// Mirror is an optional secondary representation of the adjacency data,
// maintained best-effort for export and visualization. It is never the
// source of truth for Related: mirror failures are counted by the store and
// otherwise ignored. Implementations must be safe for concurrent use; the
// store notifies mirrors outside its own critical section.
type Mirror interface {
	// AddNode records a node sighting.
	AddNode(id string, kind NodeKind) error

	// AddEdge records a weight increment between two nodes.
	AddEdge(source, target string, weight float64) error
}

// ErrorStatsSource is the narrow capability an external error-statistics
// collaborator must expose to feed UpdateErrorStats. A nil result means the
// source has nothing to offer and leaves the store untouched.
type ErrorStatsSource interface {
	ErrorCounts() map[string]int
}

// ErrorStatsFunc adapts a plain function to the ErrorStatsSource interface.
type ErrorStatsFunc func() map[string]int

func (f ErrorStatsFunc) ErrorCounts() map[string]int { return f() }

type mirrorOpKind int

const (
	opNode mirrorOpKind = iota
	opEdge
)

// mirrorOp is a deferred mirror notification, recorded under the store lock
// and delivered after it is released so no external call runs inside the
// critical section.
type mirrorOp struct {
	kind     mirrorOpKind
	a, b     string
	nodeKind NodeKind
	weight   float64
}

func (g *KnowledgeGraph) notifyMirror(ops []mirrorOp) {
	if len(ops) == 0 {
		return
	}
	g.mu.Lock()
	mirror := g.mirror
	g.mu.Unlock()
	if mirror == nil {
		return
	}
	for _, op := range ops {
		var err error
		switch op.kind {
		case opNode:
			err = mirror.AddNode(op.a, op.nodeKind)
		case opEdge:
			err = mirror.AddEdge(op.a, op.b, op.weight)
		}
		if err != nil {
			g.mirrorErrs.Add(1)
		}
	}
}

// EdgeListMirror is the shipped Mirror implementation: a directed adjacency
// list with attribute edges, useful for dumping the relation structure to
// visualization tooling. It holds both directions of every pair, matching
// the store's symmetric view.
type EdgeListMirror struct {
	mu    sync.Mutex
	nodes map[string]NodeKind
	edges map[string]map[string]float64
}

// NewEdgeListMirror creates an empty edge-list mirror.
func NewEdgeListMirror() *EdgeListMirror {
	return &EdgeListMirror{
		nodes: make(map[string]NodeKind),
		edges: make(map[string]map[string]float64),
	}
}

// AddNode records a node sighting.
func (m *EdgeListMirror) AddNode(id string, kind NodeKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; !ok {
		m.nodes[id] = kind
	}
	return nil
}

// AddEdge accumulates weight on both directions of the pair.
func (m *EdgeListMirror) AddEdge(source, target string, weight float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dir := range [2][2]string{{source, target}, {target, source}} {
		if m.edges[dir[0]] == nil {
			m.edges[dir[0]] = make(map[string]float64)
		}
		m.edges[dir[0]][dir[1]] += weight
	}
	return nil
}

// Edges returns a copy of the directed edge weights.
func (m *EdgeListMirror) Edges() map[string]map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]map[string]float64, len(m.edges))
	for source, targets := range m.edges {
		inner := make(map[string]float64, len(targets))
		for target, weight := range targets {
			inner[target] = weight
		}
		out[source] = inner
	}
	return out
}

// NodeKinds returns a copy of the recorded node namespaces.
func (m *EdgeListMirror) NodeKinds() map[string]NodeKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]NodeKind, len(m.nodes))
	for id, kind := range m.nodes {
		out[id] = kind
	}
	return out
}
