package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Demi-urge/menace-self-coding/internal/graph"
)

func newTestStore(t *testing.T) *graph.KnowledgeGraph {
	t.Helper()
	g := graph.New()

	require.NoError(t, g.AddMemoryEntry("k1", []string{"alpha", "beta"}))
	require.NoError(t, g.AddTelemetryEvent(graph.TelemetryInput{
		Bot:       "deploy_bot",
		EventType: "error",
		Module:    "billing",
	}))
	require.NoError(t, g.AddTelemetryEvent(graph.TelemetryInput{
		Bot:       "deploy_bot",
		EventType: "error",
		Module:    "billing",
	}))
	return g
}

func TestServer_ListTools(t *testing.T) {
	t.Parallel()
	server := NewServer(newTestStore(t))

	tools := server.ListTools()
	require.Len(t, tools, 4)

	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
		require.NotNil(t, tool.InputSchema, "tool %s has no schema", tool.Name)
		assert.Equal(t, "object", tool.InputSchema.Type)
	}
	assert.ElementsMatch(t, []string{"menace_related", "menace_errors", "menace_telemetry", "menace_stats"}, names)
}

func TestServer_CallTool(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	server := NewServer(newTestStore(t))

	t.Run("Related", func(t *testing.T) {
		t.Parallel()
		result, err := server.CallTool(ctx, "menace_related", map[string]any{"node": "tag:alpha"})
		require.NoError(t, err)
		assert.Contains(t, result, "memory:k1")
		assert.Contains(t, result, "tag:beta")
	})

	t.Run("RelatedUnknownNode", func(t *testing.T) {
		t.Parallel()
		result, err := server.CallTool(ctx, "menace_related", map[string]any{"node": "tag:nothing"})
		require.NoError(t, err)
		assert.Contains(t, result, "No neighbors found")
	})

	t.Run("RelatedMissingNode", func(t *testing.T) {
		t.Parallel()
		result, err := server.CallTool(ctx, "menace_related", map[string]any{})
		require.NoError(t, err)
		assert.Equal(t, "No node provided", result)
	})

	t.Run("RelatedLimit", func(t *testing.T) {
		t.Parallel()
		result, err := server.CallTool(ctx, "menace_related", map[string]any{"node": "tag:alpha", "limit": float64(1)})
		require.NoError(t, err)
		assert.Contains(t, result, "Found 1 neighbors")
	})

	t.Run("Errors", func(t *testing.T) {
		t.Parallel()
		result, err := server.CallTool(ctx, "menace_errors", map[string]any{})
		require.NoError(t, err)
		assert.Contains(t, result, "code:billing")
		assert.Contains(t, result, "2 unresolved")
	})

	t.Run("Telemetry", func(t *testing.T) {
		t.Parallel()
		result, err := server.CallTool(ctx, "menace_telemetry", map[string]any{})
		require.NoError(t, err)
		assert.Contains(t, result, "deploy_bot")
		assert.Contains(t, result, "cursor 0 -> 2")
	})

	t.Run("TelemetryCursor", func(t *testing.T) {
		t.Parallel()
		result, err := server.CallTool(ctx, "menace_telemetry", map[string]any{"cursor": float64(2)})
		require.NoError(t, err)
		assert.Contains(t, result, "No telemetry events at cursor 2")
	})

	t.Run("TelemetryLimit", func(t *testing.T) {
		t.Parallel()
		result, err := server.CallTool(ctx, "menace_telemetry", map[string]any{"limit": float64(1)})
		require.NoError(t, err)
		assert.Contains(t, result, "cursor 0 -> 1")
	})

	t.Run("TelemetryNegativeCursor", func(t *testing.T) {
		t.Parallel()
		result, err := server.CallTool(ctx, "menace_telemetry", map[string]any{"cursor": float64(-3), "limit": float64(1)})
		require.NoError(t, err)
		assert.Contains(t, result, "cursor 0 -> 1")
	})

	t.Run("Stats", func(t *testing.T) {
		t.Parallel()
		result, err := server.CallTool(ctx, "menace_stats", map[string]any{})
		require.NoError(t, err)
		assert.Contains(t, result, "Telemetry events: 2")
		assert.Contains(t, result, "bot: 1")
	})

	t.Run("UnknownTool", func(t *testing.T) {
		t.Parallel()
		_, err := server.CallTool(ctx, "menace_bogus", map[string]any{})
		assert.Error(t, err)
	})
}

func TestServer_ReadResource(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	server := NewServer(newTestStore(t))

	t.Run("Overview", func(t *testing.T) {
		t.Parallel()
		content, err := server.ReadResource(ctx, "menace://overview")
		require.NoError(t, err)
		assert.Contains(t, content, "Knowledge Store Overview")
		assert.Contains(t, content, "Telemetry events:** 2")
	})

	t.Run("Errors", func(t *testing.T) {
		t.Parallel()
		content, err := server.ReadResource(ctx, "menace://errors")
		require.NoError(t, err)
		assert.Contains(t, content, "code:billing: 2")
	})

	t.Run("Schema", func(t *testing.T) {
		t.Parallel()
		content, err := server.ReadResource(ctx, "menace://schema")
		require.NoError(t, err)
		assert.Contains(t, content, "memory:")
		assert.Contains(t, content, "symmetric")
	})

	t.Run("Unknown", func(t *testing.T) {
		t.Parallel()
		_, err := server.ReadResource(ctx, "menace://bogus")
		assert.Error(t, err)
	})
}

func TestServer_HandleRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	server := NewServer(newTestStore(t))

	t.Run("Initialize", func(t *testing.T) {
		t.Parallel()
		resp := server.handleRequest(ctx, map[string]any{"method": "initialize", "id": float64(1)})
		result, ok := resp["result"].(map[string]any)
		require.True(t, ok)
		info, ok := result["serverInfo"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "menace", info["name"])
	})

	t.Run("ToolsList", func(t *testing.T) {
		t.Parallel()
		resp := server.handleRequest(ctx, map[string]any{"method": "tools/list", "id": float64(2)})
		result, ok := resp["result"].(map[string]any)
		require.True(t, ok)
		tools, ok := result["tools"].([]map[string]any)
		require.True(t, ok)
		assert.Len(t, tools, 4)
	})

	t.Run("ToolsCallMissingParams", func(t *testing.T) {
		t.Parallel()
		resp := server.handleRequest(ctx, map[string]any{"method": "tools/call", "id": float64(3)})
		assert.Contains(t, resp, "error")
	})

	t.Run("ResourcesList", func(t *testing.T) {
		t.Parallel()
		resp := server.handleRequest(ctx, map[string]any{"method": "resources/list", "id": float64(4)})
		result, ok := resp["result"].(map[string]any)
		require.True(t, ok)
		resources, ok := result["resources"].([]map[string]any)
		require.True(t, ok)
		assert.Len(t, resources, 3)
	})

	t.Run("UnknownMethod", func(t *testing.T) {
		t.Parallel()
		resp := server.handleRequest(ctx, map[string]any{"method": "nope", "id": float64(5)})
		assert.Contains(t, resp, "error")
	})
}

func TestServer_Run(t *testing.T) {
	t.Parallel()
	server := NewServer(newTestStore(t))

	requests := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}`,
		`not json`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"menace_errors","arguments":{}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"resources/read","params":{"uri":"menace://overview"}}`,
	}, "\n") + "\n"

	var out bytes.Buffer
	err := server.Run(context.Background(), strings.NewReader(requests), &out)
	require.NoError(t, err)

	// Malformed lines are dropped, so three responses come back.
	decoder := json.NewDecoder(&out)
	var responses []map[string]any
	for decoder.More() {
		var resp map[string]any
		require.NoError(t, decoder.Decode(&resp))
		responses = append(responses, resp)
	}
	require.Len(t, responses, 3)

	assert.Equal(t, float64(1), responses[0]["id"])
	assert.Contains(t, responses[0], "result")

	result, ok := responses[1]["result"].(map[string]any)
	require.True(t, ok)
	content, ok := result["content"].([]any)
	require.True(t, ok)
	first, ok := content[0].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, first["text"], "code:billing")

	result, ok = responses[2]["result"].(map[string]any)
	require.True(t, ok)
	contents, ok := result["contents"].([]any)
	require.True(t, ok)
	assert.Len(t, contents, 1)
}

func TestServer_RunNilStreams(t *testing.T) {
	t.Parallel()
	server := NewServer(newTestStore(t))

	assert.Error(t, server.Run(context.Background(), nil, &bytes.Buffer{}))
	assert.Error(t, server.Run(context.Background(), strings.NewReader(""), nil))
}
