// Package mcp provides the MCP (Model Context Protocol) server for Menace.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Demi-urge/menace-self-coding/internal/graph"
)

// Server represents the MCP server.
type Server struct {
	store  GraphStore
	server *mcp.Server
}

// GraphStore defines the read surface the server queries.
type GraphStore interface {
	Related(node string, limit int) []string
	Weight(a, b string) float64
	ErrorSnapshot() map[string]int
	TelemetrySince(cursor int) ([]graph.TelemetryEvent, int)
	Stats() map[string]int
	CountNodesByKind(kind graph.NodeKind) int
}

// Tool represents an MCP tool.
type Tool struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// Resource represents an MCP resource.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

// NewServer creates a new MCP server.
func NewServer(store GraphStore) *Server {
	s := &Server{
		store: store,
	}

	// Create MCP server
	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    "menace",
		Version: "0.1.0",
	}, nil)

	return s
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []Tool {
	return []Tool{
		{
			Name:        "menace_related",
			Description: "List the neighbors of a node ranked by relation weight. Node ids are namespaced, e.g. code:billing, tag:alpha, bot:deploy_bot.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"node":  {Type: "string", Description: "Canonical node id to look up"},
					"limit": {Type: "integer", Description: "Maximum number of results"},
				},
				Required: []string{"node"},
			},
		},
		{
			Name:        "menace_errors",
			Description: "Show current error pressure per module, highest pressure first.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"limit": {Type: "integer", Description: "Maximum number of rows"},
				},
			},
		},
		{
			Name:        "menace_telemetry",
			Description: "Read telemetry events from the append-only log, starting at a cursor. Returns the next cursor for incremental reads.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"cursor": {Type: "integer", Description: "Log position to read from"},
					"limit":  {Type: "integer", Description: "Maximum number of events"},
				},
			},
		},
		{
			Name:        "menace_stats",
			Description: "Summary statistics for the knowledge store: node, relation and event counts.",
			InputSchema: &jsonschema.Schema{
				Type:       "object",
				Properties: map[string]*jsonschema.Schema{},
			},
		},
	}
}

// ListResources returns all registered resources.
func (s *Server) ListResources() []Resource {
	return []Resource{
		{
			URI:         "menace://overview",
			Name:        "Store Overview",
			Description: "High-level statistics about the knowledge store",
			MimeType:    "text/plain",
		},
		{
			URI:         "menace://errors",
			Name:        "Error Pressure Report",
			Description: "Per-module unresolved error counts",
			MimeType:    "text/plain",
		},
		{
			URI:         "menace://schema",
			Name:        "Store Schema",
			Description: "Description of the node namespaces and relation semantics",
			MimeType:    "text/plain",
		},
	}
}

// CallTool executes a tool with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case "menace_related":
		node, _ := args["node"].(string)
		limit, _ := args["limit"].(float64)
		if limit == 0 {
			limit = 20
		}
		return handleRelated(s.store, node, int(limit))
	case "menace_errors":
		limit, _ := args["limit"].(float64)
		return handleErrors(s.store, int(limit))
	case "menace_telemetry":
		cursor, _ := args["cursor"].(float64)
		limit, _ := args["limit"].(float64)
		if limit == 0 {
			limit = 50
		}
		return handleTelemetry(s.store, int(cursor), int(limit))
	case "menace_stats":
		return handleStats(s.store)
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

// ReadResource reads a resource by URI.
func (s *Server) ReadResource(ctx context.Context, uri string) (string, error) {
	switch uri {
	case "menace://overview":
		return getOverview(s.store), nil
	case "menace://errors":
		return getErrorReport(s.store), nil
	case "menace://schema":
		return getSchema(), nil
	default:
		return "", fmt.Errorf("unknown resource: %s", uri)
	}
}

// Run starts the MCP server with stdio transport.
func (s *Server) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	if stdin == nil || stdout == nil {
		return fmt.Errorf("stdin and stdout must not be nil")
	}

	reader := bufio.NewReader(stdin)
	encoder := json.NewEncoder(stdout)
	// Note: Do NOT use SetIndent - MCP protocol requires compact JSON (one line per message)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		// Parse JSON-RPC request
		var req map[string]any
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}

		// Handle request
		resp := s.handleRequest(ctx, req)
		if err := encoder.Encode(resp); err != nil {
			return err
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, req map[string]any) map[string]any {
	method, _ := req["method"].(string)
	id := req["id"]

	switch method {
	case "initialize":
		return s.handleInitialize(id)
	case "tools/list":
		return s.handleToolsList(id)
	case "tools/call":
		return s.handleToolsCall(ctx, id, req)
	case "resources/list":
		return s.handleResourcesList(id)
	case "resources/read":
		return s.handleResourcesRead(ctx, id, req)
	default:
		return errorResponse(id, -32601, "Method not found: "+method)
	}
}

func (s *Server) handleInitialize(id any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo": map[string]any{
				"name":    "menace",
				"version": "0.1.0",
			},
			"capabilities": map[string]any{
				"tools": map[string]any{
					"listChanged": false,
				},
				"resources": map[string]any{
					"listChanged": false,
				},
			},
		},
	}
}

func (s *Server) handleToolsList(id any) map[string]any {
	tools := s.ListTools()
	toolList := make([]map[string]any, len(tools))
	for i, tool := range tools {
		schema, _ := json.Marshal(tool.InputSchema)
		var schemaMap map[string]any
		json.Unmarshal(schema, &schemaMap)

		toolList[i] = map[string]any{
			"name":        tool.Name,
			"description": tool.Description,
			"inputSchema": schemaMap,
		}
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"tools": toolList,
		},
	}
}

func (s *Server) handleToolsCall(ctx context.Context, id any, req map[string]any) map[string]any {
	params, _ := req["params"].(map[string]any)
	if params == nil {
		return errorResponse(id, -32602, "Invalid params")
	}

	name, _ := params["name"].(string)
	args, _ := params["arguments"].(map[string]any)

	result, err := s.CallTool(ctx, name, args)
	if err != nil {
		return errorResponse(id, -32000, err.Error())
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"content": []map[string]any{
				{
					"type": "text",
					"text": result,
				},
			},
		},
	}
}

func (s *Server) handleResourcesList(id any) map[string]any {
	resources := s.ListResources()
	resourceList := make([]map[string]any, len(resources))
	for i, res := range resources {
		resourceList[i] = map[string]any{
			"uri":         res.URI,
			"name":        res.Name,
			"description": res.Description,
			"mimeType":    res.MimeType,
		}
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"resources": resourceList,
		},
	}
}

func (s *Server) handleResourcesRead(ctx context.Context, id any, req map[string]any) map[string]any {
	params, _ := req["params"].(map[string]any)
	if params == nil {
		return errorResponse(id, -32602, "Invalid params")
	}

	uri, _ := params["uri"].(string)

	content, err := s.ReadResource(ctx, uri)
	if err != nil {
		return errorResponse(id, -32000, err.Error())
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"contents": []map[string]any{
				{
					"uri":      uri,
					"mimeType": "text/plain",
					"text":     content,
				},
			},
		},
	}
}

// Tool Handlers

func handleRelated(store GraphStore, node string, limit int) (string, error) {
	node = strings.TrimSpace(node)
	if node == "" {
		return "No node provided", nil
	}

	neighbors := store.Related(node, limit)
	if len(neighbors) == 0 {
		return fmt.Sprintf("No neighbors found for '%s'", node), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d neighbors of '%s':\n\n", len(neighbors), node))
	for i, id := range neighbors {
		sb.WriteString(fmt.Sprintf("%d. **%s** (weight %.2f)\n", i+1, id, store.Weight(node, id)))
	}
	sb.WriteString("\nNext: Use `menace_related` on a neighbor to continue the walk.")

	return sb.String(), nil
}

func handleErrors(store GraphStore, limit int) (string, error) {
	pressure := store.ErrorSnapshot()
	if len(pressure) == 0 {
		return "No error pressure recorded", nil
	}

	modules := sortByPressure(pressure)
	if limit > 0 && len(modules) > limit {
		modules = modules[:limit]
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Error Pressure (%d modules)\n\n", len(modules)))
	for _, module := range modules {
		sb.WriteString(fmt.Sprintf("- **%s**: %d unresolved\n", module, pressure[module]))
	}
	sb.WriteString("\nNext: Use `menace_related` on a pressured module to find the bots touching it.")

	return sb.String(), nil
}

func handleTelemetry(store GraphStore, cursor, limit int) (string, error) {
	if cursor < 0 {
		cursor = 0
	}
	events, next := store.TelemetrySince(cursor)
	if len(events) > limit {
		events = events[:limit]
		next = cursor + limit
	}

	if len(events) == 0 {
		return fmt.Sprintf("No telemetry events at cursor %d (next cursor: %d)", cursor, next), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Telemetry Events (%d, cursor %d -> %d)\n\n", len(events), cursor, next))
	for _, ev := range events {
		sb.WriteString(fmt.Sprintf("- [%s] **%s** %s", ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Bot, ev.EventType))
		if ev.Module != "" {
			sb.WriteString(" on " + ev.Module)
		}
		if ev.PatchID != "" {
			sb.WriteString(" (patch " + ev.PatchID + ")")
		}
		if ev.Resolved != nil && *ev.Resolved {
			sb.WriteString(" [resolved]")
		}
		sb.WriteString("\n")
	}
	sb.WriteString(fmt.Sprintf("\nPass cursor %d to read the next batch.", next))

	return sb.String(), nil
}

func handleStats(store GraphStore) (string, error) {
	stats := store.Stats()

	var sb strings.Builder
	sb.WriteString("## Store Statistics\n\n")
	sb.WriteString(fmt.Sprintf("- Nodes: %d\n", stats["nodes"]))
	sb.WriteString(fmt.Sprintf("- Relations: %d\n", stats["relations"]))
	sb.WriteString(fmt.Sprintf("- Telemetry events: %d\n", stats["events"]))
	sb.WriteString("\n### Nodes by kind\n\n")
	for _, kind := range []graph.NodeKind{graph.KindMemory, graph.KindTag, graph.KindBot, graph.KindCode, graph.KindEvent, graph.KindError} {
		if count := store.CountNodesByKind(kind); count > 0 {
			sb.WriteString(fmt.Sprintf("- %s: %d\n", kind, count))
		}
	}

	return sb.String(), nil
}

// Resource Handlers

func getOverview(store GraphStore) string {
	stats := store.Stats()

	var sb strings.Builder
	sb.WriteString("# Menace Knowledge Store Overview\n\n")
	sb.WriteString(fmt.Sprintf("**Nodes:** %d\n", stats["nodes"]))
	sb.WriteString(fmt.Sprintf("**Relations:** %d\n", stats["relations"]))
	sb.WriteString(fmt.Sprintf("**Telemetry events:** %d\n", stats["events"]))
	sb.WriteString("\n## Node Namespaces\n\n")
	sb.WriteString("- memory: Stored memory entries\n")
	sb.WriteString("- tag: Tags linking memory entries\n")
	sb.WriteString("- bot: Bots emitting telemetry\n")
	sb.WriteString("- code: Code modules under observation\n")
	sb.WriteString("- event: Telemetry event types\n")
	sb.WriteString("- error: Error categories\n")

	return sb.String()
}

func getErrorReport(store GraphStore) string {
	pressure := store.ErrorSnapshot()

	var sb strings.Builder
	sb.WriteString("# Error Pressure Report\n\n")
	if len(pressure) == 0 {
		sb.WriteString("No error pressure recorded.\n")
		return sb.String()
	}

	for _, module := range sortByPressure(pressure) {
		sb.WriteString(fmt.Sprintf("- %s: %d\n", module, pressure[module]))
	}
	return sb.String()
}

func getSchema() string {
	var sb strings.Builder
	sb.WriteString("# Menace Knowledge Store Schema\n\n")
	sb.WriteString("## Node Namespaces\n\n")
	sb.WriteString("| Prefix | Description | Source |\n")
	sb.WriteString("|--------|-------------|--------|\n")
	sb.WriteString("| `memory:` | Stored memory entry | remember / spool memory records |\n")
	sb.WriteString("| `tag:` | Tag on a memory entry | entry tags |\n")
	sb.WriteString("| `bot:` | Telemetry-emitting bot | telemetry records |\n")
	sb.WriteString("| `code:` | Observed code module | telemetry and insight records |\n")
	sb.WriteString("| `event:` | Telemetry event type | telemetry records |\n")
	sb.WriteString("| `error:` | Error category | insight records |\n")
	sb.WriteString("\n## Relations\n\n")
	sb.WriteString("All relations are symmetric and weighted. Repeated co-occurrence\n")
	sb.WriteString("accumulates weight; neighbors rank by weight, then by first\n")
	sb.WriteString("observation order for ties.\n")

	return sb.String()
}

// Helper functions

// sortByPressure orders modules by descending count, ties alphabetical.
func sortByPressure(pressure map[string]int) []string {
	modules := make([]string, 0, len(pressure))
	for module := range pressure {
		modules = append(modules, module)
	}
	sort.Slice(modules, func(i, j int) bool {
		if pressure[modules[i]] != pressure[modules[j]] {
			return pressure[modules[i]] > pressure[modules[j]]
		}
		return modules[i] < modules[j]
	})
	return modules
}

func errorResponse(id any, code int, message string) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
}
