package embeddings

import (
	"fmt"
	"strings"
)

// GenerateEntryText builds the text representation of a memory entry used
// for embedding: key, tags, and the first 500 characters of the body.
func GenerateEntryText(key, text string, tags []string) string {
	var parts []string

	if key != "" {
		parts = append(parts, fmt.Sprintf("memory %s", key))
	}

	if len(tags) > 0 {
		parts = append(parts, fmt.Sprintf("tagged %s", strings.Join(tags, " ")))
	}

	if text != "" {
		if len(text) > 500 {
			text = text[:500]
		}
		parts = append(parts, text)
	}

	return strings.Join(parts, ". ")
}
