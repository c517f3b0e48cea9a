// Package ingestion reads observation records from a filesystem spool and
// applies them to the knowledge store.
//
// A spool is a directory of JSON files, each holding one record or an array
// of records. Files already applied are skipped via a content-hash cache, so
// re-running ingestion over the same spool is idempotent.
package ingestion

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"

	"github.com/Demi-urge/menace-self-coding/internal/bus"
	"github.com/Demi-urge/menace-self-coding/internal/cache"
	"github.com/Demi-urge/menace-self-coding/internal/graph"
	"github.com/Demi-urge/menace-self-coding/internal/memory"
)

// Record is one observation from a spool file.
type Record struct {
	// Kind selects the ingestion path: "telemetry", "memory" or "insight".
	Kind string `json:"kind"`

	// Telemetry fields
	Bot            string         `json:"bot,omitempty"`
	EventType      string         `json:"event_type,omitempty"`
	Module         string         `json:"module,omitempty"`
	RelatedModules map[string]int `json:"related_modules,omitempty"`
	PatchID        any            `json:"patch_id,omitempty"`
	Resolved       *bool          `json:"resolved,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`

	// Memory and insight fields
	Key             string   `json:"key,omitempty"`
	Text            string   `json:"text,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	Bots            []string `json:"bots,omitempty"`
	CodePaths       []string `json:"code_paths,omitempty"`
	ErrorCategories []string `json:"error_categories,omitempty"`
}

// Result summarizes one ingestion pass over a spool.
type Result struct {
	Files     int // spool files applied
	Skipped   int // files skipped via the hash cache
	Records   int // records applied
	Malformed int // records or files dropped as unparseable
}

// Spool applies observation records to the knowledge store.
type Spool struct {
	graph    *graph.KnowledgeGraph
	memories *memory.Store
	cache    *cache.Cache
	bus      *bus.Bus
}

// Default patterns to ignore (in addition to the spool's .gitignore).
var defaultIgnorePatterns = []string{
	".git/",
	".menace/",
	"*.tmp",
	".DS_Store",
	"Thumbs.db",
}

// NewSpool creates a spool over the given store. The memory store, cache
// and bus are each optional: without a memory store, memory records link
// tags directly (the entry body still lands on the memory node); without a
// cache every file is re-applied; without a bus no notifications are
// published.
func NewSpool(g *graph.KnowledgeGraph, memories *memory.Store, c *cache.Cache, b *bus.Bus) (*Spool, error) {
	if g == nil {
		return nil, fmt.Errorf("knowledge store must not be nil")
	}
	return &Spool{graph: g, memories: memories, cache: c, bus: b}, nil
}

// IngestDir walks the spool directory and applies every unprocessed JSON
// file. Unreadable directories are fatal; malformed files and records are
// counted and skipped.
func (s *Spool) IngestDir(dir string) (*Result, error) {
	matcher, err := loadIgnoreMatcher(dir)
	if err != nil {
		matcher = nil // Continue without ignore patterns
	}

	result := &Result{}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		if d.IsDir() {
			if rel != "." && shouldSkipDir(rel, matcher) {
				return filepath.SkipDir
			}
			return nil
		}
		if !shouldIngestFile(rel, matcher) {
			return nil
		}
		s.ingestFile(path, rel, result)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking spool %s: %w", dir, err)
	}
	return result, nil
}

// IngestFile applies a single spool file regardless of ignore patterns,
// still honoring the hash cache.
func (s *Spool) IngestFile(dir, rel string) *Result {
	result := &Result{}
	s.ingestFile(filepath.Join(dir, rel), rel, result)
	return result
}

func (s *Spool) ingestFile(path, rel string, result *Result) {
	content, err := os.ReadFile(path)
	if err != nil {
		result.Malformed++
		return
	}

	hash := cache.HashBytes(content)
	if s.cache != nil {
		if doc, ok := s.cache.Get(rel); ok {
			if prev, _ := doc["sha256"].(string); prev == hash {
				result.Skipped++
				return
			}
		}
	}

	records, err := decodeRecords(content)
	if err != nil {
		result.Malformed++
		return
	}

	applied := 0
	for _, record := range records {
		if err := s.apply(record); err != nil {
			result.Malformed++
			continue
		}
		applied++
		if s.bus != nil {
			s.bus.Publish("ingest:"+record.Kind, record)
		}
	}
	result.Files++
	result.Records += applied

	if s.cache != nil {
		// Cache failures only cost a re-ingest next pass.
		_ = s.cache.Set(rel, map[string]any{"sha256": hash, "records": applied})
	}
}

// apply routes one record into the knowledge store.
func (s *Spool) apply(record Record) error {
	switch record.Kind {
	case "telemetry":
		return s.graph.AddTelemetryEvent(graph.TelemetryInput{
			Bot:            record.Bot,
			EventType:      record.EventType,
			Module:         record.Module,
			RelatedModules: record.RelatedModules,
			PatchID:        patchIDString(record.PatchID),
			Resolved:       record.Resolved,
			Meta:           record.Metadata,
		})
	case "memory":
		if s.memories != nil {
			if err := s.memories.Store(record.Key, record.Text, record.Tags); err != nil {
				return err
			}
		} else if err := s.graph.AddMemoryEntry(record.Key, record.Tags); err != nil {
			return err
		}
		// Persist the entry body on the memory node so recall can rebuild
		// the store from a snapshot.
		s.graph.EnsureNode(graph.MakeID(graph.KindMemory, record.Key), map[string]any{
			"text":       record.Text,
			"tags":       record.Tags,
			"updated_at": time.Now().UTC().Format(time.RFC3339),
		})
		return nil
	case "insight":
		return s.graph.AddInsight(record.Key, graph.Insight{
			Bots:            record.Bots,
			CodePaths:       record.CodePaths,
			ErrorCategories: record.ErrorCategories,
		})
	default:
		return fmt.Errorf("unknown record kind %q", record.Kind)
	}
}

// decodeRecords parses a spool file holding either one record or an array.
func decodeRecords(content []byte) ([]Record, error) {
	trimmed := strings.TrimSpace(string(content))
	if trimmed == "" {
		return nil, fmt.Errorf("empty spool file")
	}
	if trimmed[0] == '[' {
		var records []Record
		if err := json.Unmarshal(content, &records); err != nil {
			return nil, fmt.Errorf("decoding record array: %w", err)
		}
		return records, nil
	}
	var record Record
	if err := json.Unmarshal(content, &record); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return []Record{record}, nil
}

// patchIDString coerces JSON string or numeric patch ids to a string.
func patchIDString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		return strconv.FormatInt(int64(id), 10)
	case int:
		return strconv.Itoa(id)
	default:
		return fmt.Sprintf("%v", id)
	}
}

// shouldIngestFile checks if a spool file should be processed.
func shouldIngestFile(rel string, matcher gitignore.Matcher) bool {
	if !strings.EqualFold(filepath.Ext(rel), ".json") {
		return false
	}
	if matcher != nil {
		parts := strings.Split(rel, string(filepath.Separator))
		if matcher.Match(parts, false) {
			return false
		}
	}
	return true
}

// shouldSkipDir checks if a directory should be skipped during the walk.
func shouldSkipDir(rel string, matcher gitignore.Matcher) bool {
	base := filepath.Base(rel)
	if strings.HasPrefix(base, ".") {
		return true
	}
	if matcher != nil {
		parts := strings.Split(rel, string(filepath.Separator))
		return matcher.Match(parts, true)
	}
	return false
}

// loadIgnoreMatcher builds the ignore matcher from the default patterns
// plus the spool's .gitignore, when present.
func loadIgnoreMatcher(dir string) (gitignore.Matcher, error) {
	patterns := make([]gitignore.Pattern, 0, len(defaultIgnorePatterns))
	for _, p := range defaultIgnorePatterns {
		patterns = append(patterns, gitignore.ParsePattern(p, nil))
	}

	content, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	if err == nil {
		for _, line := range strings.Split(string(content), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			patterns = append(patterns, gitignore.ParsePattern(line, nil))
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	return gitignore.NewMatcher(patterns), nil
}
