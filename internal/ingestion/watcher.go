package ingestion

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// batchInterval is how long the watcher waits after the last change before
// re-ingesting, so bursts of spool writes coalesce into one pass.
const batchInterval = 2 * time.Second

// WatchOptions tunes the watch loop.
type WatchOptions struct {
	// OnResult is invoked after each ingestion pass triggered by changes.
	OnResult func(*Result)

	// Quiet suppresses the startup message.
	Quiet bool
}

// Watch monitors the spool directory and ingests new or changed files as
// they appear. Blocks until the context is cancelled.
func (s *Spool) Watch(ctx context.Context, dir string, opts WatchOptions) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	matcher, err := loadIgnoreMatcher(dir)
	if err != nil {
		matcher = nil // Continue without ignore patterns
	}

	// Watch the spool tree; new subdirectories are added as they show up.
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		if rel != "." && shouldSkipDir(rel, matcher) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
	if err != nil {
		return fmt.Errorf("setting up watcher: %w", err)
	}

	if !opts.Quiet {
		fmt.Printf("Watching %s for spool files (Ctrl+C to stop)\n", dir)
	}

	pending := make(map[string]struct{})
	batchTimer := time.NewTimer(batchInterval)
	batchTimer.Stop() // Don't start yet

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if event.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
					rel, relErr := filepath.Rel(dir, event.Name)
					if relErr == nil && !shouldSkipDir(rel, matcher) {
						_ = watcher.Add(event.Name)
					}
					continue
				}
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			rel, relErr := filepath.Rel(dir, event.Name)
			if relErr != nil || !shouldIngestFile(rel, matcher) {
				continue
			}

			pending[rel] = struct{}{}
			batchTimer.Reset(batchInterval)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "Watch error: %v\n", err)

		case <-batchTimer.C:
			if len(pending) == 0 {
				continue
			}

			// Only the changed files are re-read; the hash cache catches
			// events that left content untouched.
			result := &Result{}
			for rel := range pending {
				one := s.IngestFile(dir, rel)
				result.Files += one.Files
				result.Skipped += one.Skipped
				result.Records += one.Records
				result.Malformed += one.Malformed
			}
			pending = make(map[string]struct{})

			if opts.OnResult != nil {
				opts.OnResult(result)
			}
		}
	}
}
