// Package memory stores tagged text snippets and feeds their tag
// associations into the knowledge store.
//
// Entries are keyed and upserted; every successful store also records the
// memory-tag adjacency through the Linker so "related" queries see the tags.
package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Demi-urge/menace-self-coding/internal/embeddings"
)

// Linker is the slice of the knowledge store the memory store writes to.
type Linker interface {
	AddMemoryEntry(key string, tags []string) error
}

// Entry is a stored memory snippet.
type Entry struct {
	Key       string    `json:"key"`
	Text      string    `json:"text"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Result is a search hit with a relevance score, higher is better.
type Result struct {
	Entry
	Score float64 `json:"score"`
}

// Store is an in-memory collection of entries safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string // insertion order, for deterministic listings
	linker  Linker
}

// NewStore creates an empty store. The linker may be nil, in which case
// entries are kept locally without feeding the adjacency substrate.
func NewStore(linker Linker) *Store {
	return &Store{
		entries: make(map[string]*Entry),
		linker:  linker,
	}
}

// Store upserts an entry and records its tags in the knowledge store.
// Tags are trimmed; empty tags are dropped.
func (s *Store) Store(key, text string, tags []string) error {
	if key == "" {
		return fmt.Errorf("memory entry key must not be empty")
	}

	cleaned := make([]string, 0, len(tags))
	for _, tag := range tags {
		if trimmed := strings.TrimSpace(tag); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}

	now := time.Now().UTC()
	s.mu.Lock()
	entry, ok := s.entries[key]
	if !ok {
		entry = &Entry{Key: key, CreatedAt: now}
		s.entries[key] = entry
		s.order = append(s.order, key)
	}
	entry.Text = text
	entry.Tags = cleaned
	entry.UpdatedAt = now
	s.mu.Unlock()

	if s.linker != nil {
		if err := s.linker.AddMemoryEntry(key, cleaned); err != nil {
			return fmt.Errorf("linking memory entry %q: %w", key, err)
		}
	}
	return nil
}

// Get returns a copy of the entry for key.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return copyEntry(entry), true
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// List returns all entries in insertion order.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, copyEntry(s.entries[key]))
	}
	return out
}

// SearchByTag returns entries carrying the exact tag, in insertion order.
func (s *Store) SearchByTag(tag string) []Entry {
	needle := strings.TrimSpace(tag)
	if needle == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, key := range s.order {
		entry := s.entries[key]
		for _, have := range entry.Tags {
			if have == needle {
				out = append(out, copyEntry(entry))
				break
			}
		}
	}
	return out
}

// SearchText ranks entries against the query by TF-IDF cosine similarity
// and returns up to limit results with positive scores, best first. Ties
// keep insertion order.
func (s *Store) SearchText(query string, limit int) []Result {
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return nil
	}

	entries := s.List()
	if len(entries) == 0 {
		return nil
	}

	docs := make([]string, len(entries))
	for i, entry := range entries {
		docs[i] = embeddings.GenerateEntryText(entry.Key, entry.Text, entry.Tags)
	}

	embedder := embeddings.NewTFIDFEmbedder()
	vectors := embedder.EmbedDocs(docs)
	queryVector := embedder.Embed(query)

	results := make([]Result, 0, len(entries))
	for i, entry := range entries {
		score := embeddings.Cosine(queryVector, vectors[i])
		if score > 0 {
			results = append(results, Result{Entry: entry, Score: score})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

func copyEntry(entry *Entry) Entry {
	out := *entry
	if entry.Tags != nil {
		out.Tags = append([]string(nil), entry.Tags...)
	}
	return out
}
