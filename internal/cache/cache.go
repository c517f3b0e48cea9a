// Package cache provides a file-backed JSON cache keyed by sanitized names.
//
// Each key maps to one JSON file under the cache directory. Writes go
// through a temp file and an atomic rename so readers never observe a
// partially written entry. Corrupt or missing entries read as absent.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Cache persists small JSON documents under a directory.
type Cache struct {
	dir string
}

// New creates the cache directory if needed and returns a cache over it.
func New(dir string) (*Cache, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Get reads the entry for key into a generic document. Missing and
// unreadable entries report absent, never an error.
func (c *Cache) Get(key string) (map[string]any, bool) {
	data, err := os.ReadFile(c.fileFor(key))
	if err != nil {
		return nil, false
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false
	}
	return doc, true
}

// Set writes the entry for key atomically via a temp file rename.
func (c *Cache) Set(key string, doc map[string]any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling cache entry %q: %w", key, err)
	}

	path := c.fileFor(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing cache entry %q: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("committing cache entry %q: %w", key, err)
	}
	return nil
}

// Clear removes every entry file in the cache directory.
func (c *Cache) Clear() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("listing cache directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing cache entry %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// fileFor maps a key to its entry file, flattening path separators so keys
// derived from file paths stay inside the cache directory.
func (c *Cache) fileFor(key string) string {
	safe := strings.TrimSpace(key)
	safe = strings.ReplaceAll(safe, "/", "_")
	safe = strings.ReplaceAll(safe, "\\", "_")
	return filepath.Join(c.dir, safe+".json")
}

// HashBytes returns the hex SHA-256 digest of data, used to key cache
// entries by content.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashString returns the hex SHA-256 digest of s.
func HashString(s string) string {
	return HashBytes([]byte(s))
}
