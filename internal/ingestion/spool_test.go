package ingestion

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Demi-urge/menace-self-coding/internal/bus"
	"github.com/Demi-urge/menace-self-coding/internal/cache"
	"github.com/Demi-urge/menace-self-coding/internal/graph"
	"github.com/Demi-urge/menace-self-coding/internal/memory"
)

func writeSpoolFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestSpool_IngestDir(t *testing.T) {
	t.Parallel()

	t.Run("AppliesAllRecordKinds", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		g := graph.New()
		memories := memory.NewStore(g)
		spool, err := NewSpool(g, memories, nil, nil)
		require.NoError(t, err)

		writeSpoolFile(t, dir, "telemetry.json",
			`{"kind":"telemetry","bot":"bot1","event_type":"error","module":"mod_x","patch_id":42,"resolved":false}`)
		writeSpoolFile(t, dir, "memory.json",
			`{"kind":"memory","key":"k1","text":"billing notes","tags":["alpha","beta"]}`)
		writeSpoolFile(t, dir, "insight.json",
			`{"kind":"insight","key":"k1","bots":["bot1"],"code_paths":["mod_x"],"error_categories":["runtime"]}`)

		result, err := spool.IngestDir(dir)
		require.NoError(t, err)

		assert.Equal(t, 3, result.Files)
		assert.Equal(t, 3, result.Records)
		assert.Zero(t, result.Malformed)

		assert.Equal(t, 1, g.ErrorSnapshot()["code:mod_x"])
		events := g.TelemetryEvents()
		require.Len(t, events, 1)
		assert.Equal(t, "42", events[0].PatchID)

		entry, ok := memories.Get("k1")
		require.True(t, ok)
		assert.Equal(t, "billing notes", entry.Text)

		assert.Contains(t, g.Related("memory:k1", 10), "tag:alpha")
		assert.Contains(t, g.Related("memory:k1", 10), "bot:bot1")
	})

	t.Run("MemoryEntryBodyPersistedAsNodeMeta", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		g := graph.New()
		spool, err := NewSpool(g, nil, nil, nil)
		require.NoError(t, err)

		writeSpoolFile(t, dir, "memory.json",
			`{"kind":"memory","key":"billing-notes","text":"retries are capped at 3","tags":["billing"]}`)

		_, err = spool.IngestDir(dir)
		require.NoError(t, err)

		var meta map[string]any
		for _, node := range g.Export().Nodes {
			if node.ID == "memory:billing-notes" {
				meta = node.Meta
			}
		}
		require.NotNil(t, meta)
		assert.Equal(t, "retries are capped at 3", meta["text"])
		assert.Equal(t, []string{"billing"}, meta["tags"])
		assert.NotEmpty(t, meta["updated_at"])
	})

	t.Run("ArrayFiles", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		g := graph.New()
		spool, err := NewSpool(g, nil, nil, nil)
		require.NoError(t, err)

		writeSpoolFile(t, dir, "batch.json", `[
			{"kind":"telemetry","bot":"bot1","event_type":"error","module":"mod_x"},
			{"kind":"telemetry","bot":"bot2","event_type":"error","module":"mod_x"}
		]`)

		result, err := spool.IngestDir(dir)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Files)
		assert.Equal(t, 2, result.Records)
		assert.Equal(t, 2, g.ErrorSnapshot()["code:mod_x"])
	})

	t.Run("MalformedFilesAndRecordsCounted", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		g := graph.New()
		spool, err := NewSpool(g, nil, nil, nil)
		require.NoError(t, err)

		writeSpoolFile(t, dir, "broken.json", `{not json`)
		writeSpoolFile(t, dir, "unknown.json", `{"kind":"mystery"}`)
		writeSpoolFile(t, dir, "missing_bot.json", `{"kind":"telemetry","event_type":"error"}`)
		writeSpoolFile(t, dir, "good.json", `{"kind":"telemetry","bot":"bot1","event_type":"error"}`)

		result, err := spool.IngestDir(dir)
		require.NoError(t, err)
		assert.Equal(t, 3, result.Malformed)
		assert.Equal(t, 1, result.Records)
		assert.Len(t, g.TelemetryEvents(), 1)
	})

	t.Run("NonJSONAndHiddenPathsIgnored", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		g := graph.New()
		spool, err := NewSpool(g, nil, nil, nil)
		require.NoError(t, err)

		writeSpoolFile(t, dir, "notes.txt", `not a record`)
		writeSpoolFile(t, dir, ".menace/internal.json", `{"kind":"telemetry","bot":"x","event_type":"y"}`)
		writeSpoolFile(t, dir, "nested/event.json", `{"kind":"telemetry","bot":"bot1","event_type":"error"}`)

		result, err := spool.IngestDir(dir)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Files)
		assert.Len(t, g.TelemetryEvents(), 1)
	})

	t.Run("GitignorePatternsRespected", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		g := graph.New()
		spool, err := NewSpool(g, nil, nil, nil)
		require.NoError(t, err)

		writeSpoolFile(t, dir, ".gitignore", "drafts/\nscratch.json\n")
		writeSpoolFile(t, dir, "drafts/event.json", `{"kind":"telemetry","bot":"a","event_type":"b"}`)
		writeSpoolFile(t, dir, "scratch.json", `{"kind":"telemetry","bot":"a","event_type":"b"}`)
		writeSpoolFile(t, dir, "keep.json", `{"kind":"telemetry","bot":"bot1","event_type":"error"}`)

		result, err := spool.IngestDir(dir)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Files)
		assert.Len(t, g.TelemetryEvents(), 1)
	})

	t.Run("HashCacheSkipsUnchangedFiles", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		g := graph.New()
		c, err := cache.New(filepath.Join(dir, ".menace", "cache"))
		require.NoError(t, err)
		spool, err := NewSpool(g, nil, c, nil)
		require.NoError(t, err)

		writeSpoolFile(t, dir, "event.json", `{"kind":"telemetry","bot":"bot1","event_type":"error","module":"mod_x"}`)

		first, err := spool.IngestDir(dir)
		require.NoError(t, err)
		assert.Equal(t, 1, first.Files)

		second, err := spool.IngestDir(dir)
		require.NoError(t, err)
		assert.Zero(t, second.Files)
		assert.Equal(t, 1, second.Skipped)

		// Duplicate observations are not re-applied.
		assert.Equal(t, 1, g.ErrorSnapshot()["code:mod_x"])

		// Changing the file re-ingests it.
		writeSpoolFile(t, dir, "event.json", `{"kind":"telemetry","bot":"bot1","event_type":"error","module":"mod_x","resolved":true}`)
		third, err := spool.IngestDir(dir)
		require.NoError(t, err)
		assert.Equal(t, 1, third.Files)
		assert.Equal(t, 0, g.ErrorSnapshot()["code:mod_x"])
	})

	t.Run("PublishesOnBus", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		g := graph.New()
		b := bus.New()
		var seen []string
		require.NoError(t, b.Subscribe("ingest:telemetry", func(topic string, payload any) {
			record := payload.(Record)
			seen = append(seen, record.Bot)
		}))
		spool, err := NewSpool(g, nil, nil, b)
		require.NoError(t, err)

		writeSpoolFile(t, dir, "event.json", `{"kind":"telemetry","bot":"bot1","event_type":"error"}`)

		_, err = spool.IngestDir(dir)
		require.NoError(t, err)
		assert.Equal(t, []string{"bot1"}, seen)
	})

	t.Run("MissingDirIsFatal", func(t *testing.T) {
		t.Parallel()
		g := graph.New()
		spool, err := NewSpool(g, nil, nil, nil)
		require.NoError(t, err)

		_, err = spool.IngestDir(filepath.Join(t.TempDir(), "missing"))
		assert.Error(t, err)
	})

	t.Run("NilGraphRejected", func(t *testing.T) {
		t.Parallel()
		_, err := NewSpool(nil, nil, nil, nil)
		assert.Error(t, err)
	})
}

func TestSpool_IngestFile(t *testing.T) {
	t.Parallel()

	t.Run("AppliesSingleFileHonoringCache", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		g := graph.New()
		c, err := cache.New(filepath.Join(dir, ".menace", "cache"))
		require.NoError(t, err)
		spool, err := NewSpool(g, nil, c, nil)
		require.NoError(t, err)

		writeSpoolFile(t, dir, "event.json", `{"kind":"telemetry","bot":"bot1","event_type":"error","module":"mod_x"}`)

		first := spool.IngestFile(dir, "event.json")
		assert.Equal(t, 1, first.Files)
		assert.Equal(t, 1, first.Records)

		second := spool.IngestFile(dir, "event.json")
		assert.Zero(t, second.Files)
		assert.Equal(t, 1, second.Skipped)

		assert.Equal(t, 1, g.ErrorSnapshot()["code:mod_x"])
	})

	t.Run("BypassesIgnorePatterns", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		g := graph.New()
		spool, err := NewSpool(g, nil, nil, nil)
		require.NoError(t, err)

		writeSpoolFile(t, dir, ".gitignore", "scratch.json\n")
		writeSpoolFile(t, dir, "scratch.json", `{"kind":"telemetry","bot":"bot1","event_type":"error"}`)

		result := spool.IngestFile(dir, "scratch.json")
		assert.Equal(t, 1, result.Files)
		assert.Len(t, g.TelemetryEvents(), 1)
	})

	t.Run("MissingFileCountedMalformed", func(t *testing.T) {
		t.Parallel()
		g := graph.New()
		spool, err := NewSpool(g, nil, nil, nil)
		require.NoError(t, err)

		result := spool.IngestFile(t.TempDir(), "missing.json")
		assert.Equal(t, 1, result.Malformed)
	})
}

func TestPatchIDString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", patchIDString(nil))
	assert.Equal(t, "abc", patchIDString("abc"))
	assert.Equal(t, "42", patchIDString(float64(42)))
	assert.Equal(t, "7", patchIDString(7))
}
