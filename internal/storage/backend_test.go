package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Demi-urge/menace-self-coding/internal/graph"
)

// backendsUnderTest builds each Backend implementation against a fresh path.
func backendsUnderTest(t *testing.T) map[string]Backend {
	t.Helper()
	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"badger": NewBadgerBackend(),
	}
}

func sampleSnapshot(t *testing.T) *graph.Snapshot {
	t.Helper()
	g := graph.New()
	require.NoError(t, g.AddMemoryEntry("k1", []string{"alpha", "beta"}))
	require.NoError(t, g.AddTelemetryEvent(graph.TelemetryInput{
		Bot: "bot1", EventType: "error", Module: "mod_x",
	}))
	return g.Export()
}

func TestBackend_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	for name, backend := range backendsUnderTest(t) {
		backend := backend
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			require.NoError(t, backend.Initialize(t.TempDir(), false))
			defer func() { _ = backend.Close() }()

			snap := sampleSnapshot(t)
			require.NoError(t, backend.SaveSnapshot(ctx, snap))

			loaded, err := backend.LoadSnapshot(ctx)
			require.NoError(t, err)

			assert.Equal(t, len(snap.Nodes), len(loaded.Nodes))
			assert.Equal(t, len(snap.Relations), len(loaded.Relations))
			assert.Equal(t, len(snap.Events), len(loaded.Events))
			assert.Equal(t, snap.ErrorStats, loaded.ErrorStats)

			assert.Equal(t, len(snap.Nodes), backend.NodeCount())
			assert.Equal(t, len(snap.Relations), backend.RelationCount())
			assert.Equal(t, len(snap.Events), backend.EventCount())

			// The restored store answers queries like the original.
			restored := graph.New()
			restored.Restore(loaded)
			assert.ElementsMatch(t, []string{"memory:k1", "tag:beta"}, restored.Related("tag:alpha", 10))
			assert.Equal(t, 1, restored.ErrorSnapshot()["code:mod_x"])
		})
	}
}

func TestBackend_EmptyLoad(t *testing.T) {
	t.Parallel()

	for name, backend := range backendsUnderTest(t) {
		backend := backend
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			require.NoError(t, backend.Initialize(t.TempDir(), false))
			defer func() { _ = backend.Close() }()

			loaded, err := backend.LoadSnapshot(context.Background())
			require.NoError(t, err)
			assert.Empty(t, loaded.Nodes)
			assert.Empty(t, loaded.Relations)
			assert.Empty(t, loaded.Events)
		})
	}
}

func TestBackend_SaveReplacesPreviousSnapshot(t *testing.T) {
	t.Parallel()

	for name, backend := range backendsUnderTest(t) {
		backend := backend
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			require.NoError(t, backend.Initialize(t.TempDir(), false))
			defer func() { _ = backend.Close() }()

			require.NoError(t, backend.SaveSnapshot(ctx, sampleSnapshot(t)))

			small := graph.New()
			small.EnsureNode("bot:solo", nil)
			require.NoError(t, backend.SaveSnapshot(ctx, small.Export()))

			loaded, err := backend.LoadSnapshot(ctx)
			require.NoError(t, err)
			require.Len(t, loaded.Nodes, 1)
			assert.Equal(t, "bot:solo", loaded.Nodes[0].ID)
			assert.Empty(t, loaded.Relations)
		})
	}
}

func TestBackend_NilSnapshotRejected(t *testing.T) {
	t.Parallel()

	for name, backend := range backendsUnderTest(t) {
		backend := backend
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			require.NoError(t, backend.Initialize(t.TempDir(), false))
			defer func() { _ = backend.Close() }()

			assert.Error(t, backend.SaveSnapshot(context.Background(), nil))
		})
	}
}

func TestBadgerBackend_ReopenRecounts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	first := NewBadgerBackend()
	require.NoError(t, first.Initialize(dir, false))
	snap := sampleSnapshot(t)
	require.NoError(t, first.SaveSnapshot(ctx, snap))
	require.NoError(t, first.Close())

	second := NewBadgerBackend()
	require.NoError(t, second.Initialize(dir, false))
	defer func() { _ = second.Close() }()

	assert.Equal(t, len(snap.Nodes), second.NodeCount())
	assert.Equal(t, len(snap.Relations), second.RelationCount())
	assert.Equal(t, len(snap.Events), second.EventCount())
}

func TestBackend_UninitializedErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := NewBadgerBackend()
	_, err := b.LoadSnapshot(ctx)
	assert.Error(t, err)
	assert.Error(t, b.SaveSnapshot(ctx, &graph.Snapshot{}))

	m := NewMemoryBackend()
	_, err = m.LoadSnapshot(ctx)
	assert.Error(t, err)
	assert.Error(t, m.SaveSnapshot(ctx, &graph.Snapshot{}))
}
