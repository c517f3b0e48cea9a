// Package cmd provides CLI command implementations for Menace.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"

	"github.com/Demi-urge/menace-self-coding/internal/bus"
	"github.com/Demi-urge/menace-self-coding/internal/cache"
	"github.com/Demi-urge/menace-self-coding/internal/graph"
	"github.com/Demi-urge/menace-self-coding/internal/ingestion"
	"github.com/Demi-urge/menace-self-coding/internal/memory"
	"github.com/Demi-urge/menace-self-coding/internal/storage"
	"github.com/Demi-urge/menace-self-coding/mcp"
)

// Version is set at build time via ldflags.
var Version = "dev"

// dataDirName is where the store keeps its state, relative to the working
// directory.
const dataDirName = ".menace"

// IngestCmd applies a spool directory of telemetry and memory records.
type IngestCmd struct {
	Spool string `arg:"" optional:"" default:"." help:"Path to spool directory"`
}

// Run executes the ingest command.
func (c *IngestCmd) Run() error {
	ctx := context.Background()
	spoolPath, err := filepath.Abs(c.Spool)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}

	info, err := os.Stat(spoolPath)
	if err != nil {
		return fmt.Errorf("accessing %s: %w", spoolPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", spoolPath)
	}

	color.Green("Ingesting %s", spoolPath)

	dataDir, err := ensureDataDir()
	if err != nil {
		return err
	}

	g, store, err := openGraph(dataDir, false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	spool, err := newSpool(g, dataDir, nil)
	if err != nil {
		return err
	}

	started := time.Now()
	result, err := spool.IngestDir(spoolPath)
	if err != nil {
		return fmt.Errorf("ingesting spool: %w", err)
	}

	if err := store.SaveSnapshot(ctx, g.Export()); err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	if err := writeMeta(dataDir, spoolPath, g); err != nil {
		return err
	}

	stats := g.Stats()
	color.Green("\n✓ Ingestion complete")
	fmt.Printf("  Files:      %d (%d unchanged, %d malformed)\n", result.Files, result.Skipped, result.Malformed)
	fmt.Printf("  Records:    %d\n", result.Records)
	fmt.Printf("  Nodes:      %d\n", stats["nodes"])
	fmt.Printf("  Relations:  %d\n", stats["relations"])
	fmt.Printf("  Events:     %d\n", stats["events"])
	fmt.Printf("  Duration:   %.2fs\n", time.Since(started).Seconds())

	return nil
}

// WatchCmd ingests a spool directory and keeps applying changes live.
type WatchCmd struct {
	Spool string `arg:"" optional:"" default:"." help:"Path to spool directory"`
}

// Run executes the watch command.
func (c *WatchCmd) Run() error {
	spoolPath, err := filepath.Abs(c.Spool)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}

	dataDir, err := ensureDataDir()
	if err != nil {
		return err
	}

	g, store, err := openGraph(dataDir, false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	spool, err := newSpool(g, dataDir, watchBus())
	if err != nil {
		return err
	}

	fmt.Println("## Watch Mode")
	fmt.Printf("Watching %s for changes (Ctrl+C to stop)\n\n", spoolPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle Ctrl+C
	go func() {
		<-osSignalChannel()
		fmt.Println("\nStopping watch mode...")
		cancel()
	}()

	// Catch up on anything written while the watcher was down.
	if _, err := spool.IngestDir(spoolPath); err != nil {
		return fmt.Errorf("initial ingestion: %w", err)
	}
	if err := store.SaveSnapshot(ctx, g.Export()); err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}

	err = spool.Watch(ctx, spoolPath, ingestion.WatchOptions{
		Quiet: true,
		OnResult: func(result *ingestion.Result) {
			if result.Records == 0 && result.Malformed == 0 {
				return
			}
			if err := store.SaveSnapshot(context.Background(), g.Export()); err != nil {
				fmt.Fprintf(os.Stderr, "Error saving snapshot: %v\n", err)
				return
			}
			fmt.Printf("Applied %d records from %d files\n", result.Records, result.Files)
		},
	})
	if err != nil && err != context.Canceled {
		return fmt.Errorf("watch error: %w", err)
	}

	if err := writeMeta(dataDir, spoolPath, g); err != nil {
		return err
	}
	fmt.Println("Watch mode stopped.")
	return nil
}

// RelatedCmd lists the ranked neighbors of a node.
type RelatedCmd struct {
	Node  string `arg:"" help:"Node id, e.g. code:billing or tag:alpha"`
	Limit int    `short:"n" default:"20" help:"Maximum results"`
}

// Run executes the related command.
func (c *RelatedCmd) Run() error {
	if strings.TrimSpace(c.Node) == "" {
		return fmt.Errorf("node id required. Usage: menace related <node>")
	}

	g, store, err := loadGraph()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	node := strings.TrimSpace(c.Node)
	neighbors := g.Related(node, c.Limit)
	if len(neighbors) == 0 {
		fmt.Printf("No neighbors found for '%s'.\n", node)
		return nil
	}

	fmt.Printf("## Related to: **%s**\n\n", node)
	for i, id := range neighbors {
		fmt.Printf("%d. %s (weight %.2f)\n", i+1, id, g.Weight(node, id))
	}

	return nil
}

// ErrorsCmd shows the error-pressure table, highest pressure first.
type ErrorsCmd struct {
	Limit int `short:"n" default:"0" help:"Maximum rows (0 for all)"`
}

// Run executes the errors command.
func (c *ErrorsCmd) Run() error {
	g, store, err := loadGraph()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	pressure := g.ErrorSnapshot()
	if len(pressure) == 0 {
		fmt.Println("No error pressure recorded.")
		return nil
	}

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
	if c.Limit > 0 && len(modules) > c.Limit {
		modules = modules[:c.Limit]
	}

	fmt.Println("## Error Pressure")
	fmt.Println()
	for _, module := range modules {
		count := pressure[module]
		line := fmt.Sprintf("  %-40s %d", module, count)
		if count > 0 {
			color.Red("%s", line)
		} else {
			fmt.Println(line)
		}
	}

	return nil
}

// RememberCmd stores a memory entry and links its tags.
type RememberCmd struct {
	Key  string   `arg:"" help:"Entry key"`
	Text string   `arg:"" help:"Entry text"`
	Tags []string `short:"t" help:"Tags to link the entry under"`
}

// Run executes the remember command.
func (c *RememberCmd) Run() error {
	ctx := context.Background()

	dataDir, err := ensureDataDir()
	if err != nil {
		return err
	}

	g, store, err := openGraph(dataDir, false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	memories := memory.NewStore(g)
	if err := memories.Store(c.Key, c.Text, c.Tags); err != nil {
		return err
	}

	// Persist the entry body on the memory node so recall can rebuild the
	// store from a snapshot.
	entry, _ := memories.Get(c.Key)
	g.EnsureNode(graph.MakeID(graph.KindMemory, c.Key), map[string]any{
		"text":       entry.Text,
		"tags":       entry.Tags,
		"updated_at": entry.UpdatedAt.Format(time.RFC3339),
	})

	if err := store.SaveSnapshot(ctx, g.Export()); err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}

	color.Green("✓ Remembered '%s'", c.Key)
	if len(entry.Tags) > 0 {
		fmt.Printf("  Tags: %s\n", strings.Join(entry.Tags, ", "))
	}
	return nil
}

// RecallCmd searches stored memory entries by text relevance.
type RecallCmd struct {
	Query string `arg:"" help:"Search query"`
	Limit int    `short:"n" default:"10" help:"Maximum results"`
}

// Run executes the recall command.
func (c *RecallCmd) Run() error {
	g, store, err := loadGraph()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	memories := rebuildMemories(g)
	results := memories.SearchText(c.Query, c.Limit)
	if len(results) == 0 {
		fmt.Println("No matching entries found")
		return nil
	}

	for i, r := range results {
		fmt.Printf("\n%d. %s (score %.3f)\n", i+1, r.Key, r.Score)
		if len(r.Tags) > 0 {
			fmt.Printf("   Tags: %s\n", strings.Join(r.Tags, ", "))
		}
		fmt.Printf("   %s\n", r.Text[:min(200, len(r.Text))])
	}

	return nil
}

// MCPCmd starts the MCP server over the stored snapshot.
type MCPCmd struct{}

// Run executes the mcp command.
func (c *MCPCmd) Run() error {
	ctx := context.Background()
	g, store, err := loadGraph()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	server := mcp.NewServer(g)

	// Note: No output to stderr - MCP server uses stdio for JSON-RPC only
	return server.Run(ctx, os.Stdin, os.Stdout)
}

// SetupCmd configures MCP for various AI clients.
type SetupCmd struct {
	Qwen     bool   `help:"Configure for Qwen CLI"`
	Claude   bool   `help:"Configure for Claude Code"`
	Cursor   bool   `help:"Configure for Cursor"`
	Local    bool   `help:"Create project-local configuration"`
	Global   bool   `help:"Create global configuration"`
	Format   string `help:"Output format (json|text)" enum:"json,text" default:"json"`
	FilePath string `help:"Custom file path for configuration"`
}

// Run executes the setup command.
func (c *SetupCmd) Run() error {
	// If no specific client is specified, output config to stdout
	if !c.Qwen && !c.Claude && !c.Cursor {
		return c.outputDefaultConfig()
	}

	// If neither local nor global is specified, default to local
	if !c.Local && !c.Global {
		c.Local = true
	}

	clients := []struct {
		enabled  bool
		name     string
		fileName string
	}{
		{c.Qwen, "qwen", "mcp.json"},
		{c.Claude, "claude", "settings.json"},
		{c.Cursor, "cursor", "mcp.json"},
	}

	config := generateMenaceConfig()
	for _, client := range clients {
		if !client.enabled {
			continue
		}

		if c.Global {
			globalPath := getGlobalConfigPath(client.name)
			if err := writeConfig(globalPath, config, c.Format); err != nil {
				return err
			}
			color.Green("✓ Created global %s MCP config at %s", client.name, globalPath)
		}

		if c.Local {
			var localPath string
			if c.FilePath != "" {
				localPath = filepath.Join(c.FilePath, client.fileName)
			} else {
				localPath = getLocalConfigPath(".", client.name)
			}
			if err := writeConfig(localPath, config, c.Format); err != nil {
				return err
			}
			color.Green("✓ Created local %s MCP config at %s", client.name, localPath)
		}
	}

	return nil
}

func (c *SetupCmd) outputDefaultConfig() error {
	config := generateMenaceConfig()

	if c.Format == "json" {
		jsonBytes, err := json.MarshalIndent(config, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(jsonBytes))
	} else {
		fmt.Println("# Add this to your MCP client configuration:")
		fmt.Println()
		for key, value := range config {
			fmt.Printf("%s: %s\n", key, toJSON(value))
		}
	}

	return nil
}

func generateMenaceConfig() map[string]any {
	return map[string]any{
		"mcpServers": map[string]any{
			"menace": map[string]any{
				"command": "menace",
				"args":    []string{"mcp"},
			},
		},
	}
}

// Path helpers

func getLocalConfigPath(basePath, client string) string {
	configDir := getClientConfigDir(client)
	return filepath.Join(basePath, configDir, "mcp.json")
}

func getGlobalConfigPath(client string) string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = os.Getenv("HOME")
	}

	configDir := getClientConfigDir(client)
	return filepath.Join(homeDir, configDir, "global", "mcp.json")
}

func getClientConfigDir(client string) string {
	switch client {
	case "qwen":
		return ".qwen"
	case "claude":
		return ".claude"
	case "cursor":
		return ".cursor"
	default:
		return ".qwen"
	}
}

// Config writers

func writeConfig(configPath string, config map[string]any, format string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	var content []byte
	var err error

	if format == "json" {
		content, err = json.MarshalIndent(config, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling JSON: %w", err)
		}
		content = append(content, '\n')
	} else {
		// Text format - just output key-value pairs
		var sb strings.Builder
		sb.WriteString("# MCP Configuration for Menace\n")
		sb.WriteString("# Generated by menace setup\n\n")

		for key, value := range config {
			sb.WriteString(fmt.Sprintf("%s: %s\n", key, toJSON(value)))
		}
		content = []byte(sb.String())
	}

	if err := os.WriteFile(configPath, content, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// StatusCmd shows store status for the current directory.
type StatusCmd struct{}

// Run executes the status command.
func (c *StatusCmd) Run() error {
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	metaPath := filepath.Join(workDir, dataDirName, "meta.json")
	metaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no store found at %s. Run 'menace ingest' first", workDir)
		}
		return fmt.Errorf("reading meta.json: %w", err)
	}

	var meta map[string]any
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return fmt.Errorf("parsing meta.json: %w", err)
	}

	fmt.Printf("Store status for %s\n", workDir)
	if version, ok := meta["version"].(string); ok {
		fmt.Printf("  Version:        %s\n", version)
	}
	if ingestedAt, ok := meta["ingested_at"].(string); ok {
		fmt.Printf("  Last ingested:  %s\n", ingestedAt)
	}
	if spool, ok := meta["spool"].(string); ok {
		fmt.Printf("  Spool:          %s\n", spool)
	}
	if stats, ok := meta["stats"].(map[string]any); ok {
		if nodes, ok := stats["nodes"].(float64); ok {
			fmt.Printf("  Nodes:          %.0f\n", nodes)
		}
		if relations, ok := stats["relations"].(float64); ok {
			fmt.Printf("  Relations:      %.0f\n", relations)
		}
		if events, ok := stats["events"].(float64); ok {
			fmt.Printf("  Events:         %.0f\n", events)
		}
	}

	return nil
}

// CleanCmd deletes the store for the current directory.
type CleanCmd struct {
	Force bool `short:"f" help:"Skip confirmation"`
}

// Run executes the clean command.
func (c *CleanCmd) Run() error {
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	dataDir := filepath.Join(workDir, dataDirName)
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		return fmt.Errorf("no store found at %s. Nothing to clean", workDir)
	}

	if !c.Force {
		fmt.Printf("Delete store at %s? [y/N] ", dataDir)
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted")
			return nil
		}
	}

	if err := os.RemoveAll(dataDir); err != nil {
		return fmt.Errorf("deleting store: %w", err)
	}

	color.Green("Deleted %s", dataDir)
	return nil
}

// Helper functions

// osSignalChannel returns a channel that receives OS signals for graceful shutdown.
func osSignalChannel() <-chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return sigChan
}

// ensureDataDir creates the data directory under the working directory.
func ensureDataDir() (string, error) {
	workDir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	dataDir := filepath.Join(workDir, dataDirName)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s directory: %w", dataDirName, err)
	}
	return dataDir, nil
}

// openGraph opens the persisted store under dataDir and restores it into a
// fresh knowledge graph. Callers must Close the returned backend.
func openGraph(dataDir string, readOnly bool) (*graph.KnowledgeGraph, *storage.BadgerBackend, error) {
	store := storage.NewBadgerBackend()
	if err := store.Initialize(filepath.Join(dataDir, "badger"), readOnly); err != nil {
		return nil, nil, fmt.Errorf("initializing storage: %w", err)
	}

	snap, err := store.LoadSnapshot(context.Background())
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("loading snapshot: %w", err)
	}

	g := graph.New()
	g.Restore(snap)
	return g, store, nil
}

// loadGraph opens the store read-only for query commands.
func loadGraph() (*graph.KnowledgeGraph, *storage.BadgerBackend, error) {
	workDir, err := os.Getwd()
	if err != nil {
		return nil, nil, fmt.Errorf("getting working directory: %w", err)
	}

	dataDir := filepath.Join(workDir, dataDirName)
	if _, err := os.Stat(filepath.Join(dataDir, "badger")); os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("no store found at %s. Run 'menace ingest' first", workDir)
	}

	return openGraph(dataDir, true)
}

// newSpool wires a spool over the graph with a hash cache under dataDir.
func newSpool(g *graph.KnowledgeGraph, dataDir string, events *bus.Bus) (*ingestion.Spool, error) {
	fileCache, err := cache.New(filepath.Join(dataDir, "cache"))
	if err != nil {
		return nil, fmt.Errorf("creating spool cache: %w", err)
	}
	return ingestion.NewSpool(g, nil, fileCache, events)
}

// watchBus builds the event bus for watch mode, surfacing unresolved
// telemetry as it lands.
func watchBus() *bus.Bus {
	events := bus.New()
	_ = events.Subscribe("ingest:telemetry", func(_ string, payload any) {
		record, ok := payload.(ingestion.Record)
		if !ok || record.Module == "" {
			return
		}
		if record.Resolved == nil || !*record.Resolved {
			color.Red("  unresolved %s on %s (%s)", record.EventType, record.Module, record.Bot)
		}
	})
	return events
}

// rebuildMemories hydrates a memory store from the entry bodies persisted on
// memory nodes. No linker is attached so hydration does not re-accumulate
// relation weights.
func rebuildMemories(g *graph.KnowledgeGraph) *memory.Store {
	memories := memory.NewStore(nil)
	for _, record := range g.Export().Nodes {
		if record.Kind != graph.KindMemory {
			continue
		}
		text, ok := record.Meta["text"].(string)
		if !ok {
			continue
		}
		key := strings.TrimPrefix(record.ID, string(graph.KindMemory)+":")
		_ = memories.Store(key, text, metaTags(record.Meta))
	}
	return memories
}

// metaTags extracts the tag list from node meta, tolerating both the
// in-process []string form and the JSON-decoded []any form.
func metaTags(meta map[string]any) []string {
	switch tags := meta["tags"].(type) {
	case []string:
		return tags
	case []any:
		out := make([]string, 0, len(tags))
		for _, tag := range tags {
			if s, ok := tag.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// writeMeta records store stats alongside the badger directory.
func writeMeta(dataDir, spoolPath string, g *graph.KnowledgeGraph) error {
	meta := map[string]any{
		"version":     Version,
		"spool":       spoolPath,
		"stats":       g.Stats(),
		"ingested_at": time.Now().UTC().Format(time.RFC3339),
	}

	metaJSON, _ := json.MarshalIndent(meta, "", "  ")
	if err := os.WriteFile(filepath.Join(dataDir, "meta.json"), metaJSON, 0o644); err != nil {
		return fmt.Errorf("writing meta.json: %w", err)
	}
	return nil
}

func toJSON(v any) string {
	bytes, _ := json.Marshal(v)
	return string(bytes)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// CLI is the root Kong command structure.
type CLI struct {
	Version kong.VersionFlag `help:"Show version information"`
	Verbose bool             `short:"v" help:"Enable verbose output"`
	Quiet   bool             `short:"q" help:"Suppress non-essential output"`

	// Commands
	Ingest   IngestCmd   `cmd:"" help:"Apply a spool directory of telemetry and memory records"`
	Watch    WatchCmd    `cmd:"" help:"Watch a spool directory and apply changes live"`
	Related  RelatedCmd  `cmd:"" help:"List ranked neighbors of a node"`
	Errors   ErrorsCmd   `cmd:"" help:"Show error pressure per module"`
	Remember RememberCmd `cmd:"" help:"Store a memory entry with tags"`
	Recall   RecallCmd   `cmd:"" help:"Search stored memory entries"`
	MCP      MCPCmd      `cmd:"" help:"Start MCP server (stdio transport)"`
	Setup    SetupCmd    `cmd:"" help:"Configure MCP for Claude Code / Cursor"`
	Status   StatusCmd   `cmd:"" help:"Show store status for current directory"`
	Clean    CleanCmd    `cmd:"" help:"Delete store for current directory"`
}

// NewCLI creates a new CLI instance.
func NewCLI() *CLI {
	return &CLI{}
}

// Execute parses command-line arguments and executes the selected command.
func (c *CLI) Execute(args []string) error {
	kongCtx := kong.Parse(c,
		kong.Name("menace"),
		kong.Description("Relational knowledge store for self-improving bot telemetry"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact:             true,
			NoExpandSubcommands: true,
		}),
		kong.Vars{
			"version": Version,
		},
	)

	return kongCtx.Run()
}
