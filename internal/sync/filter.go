package sync

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/protonsync/protondrive-sync/internal/config"
)

// Excluder decides whether a path relative to its watch root should be
// skipped entirely by the Observer and Executor (bootstrap scans). Safe for
// concurrent use: Update is called from the config-reload path while
// Excluded runs from Observer/Executor goroutines.
type Excluder struct {
	logger *slog.Logger

	mu sync.RWMutex

	// globsByRoot maps a watch root's source path to the glob patterns
	// scoped to it, per the exclude_patterns config entries.
	globsByRoot map[string][]string
}

// NewExcluder builds an Excluder from the configured exclude_patterns.
func NewExcluder(entries []config.ExcludeEntry, logger *slog.Logger) *Excluder {
	x := &Excluder{logger: logger}
	x.Update(entries)

	return x
}

// Update replaces the configured exclude patterns in place, so every holder
// of this *Excluder (Observer, Executor) observes a config reload without
// needing to be reconstructed.
func (x *Excluder) Update(entries []config.ExcludeEntry) {
	byRoot := make(map[string][]string, len(entries))

	for _, e := range entries {
		byRoot[e.Path] = append(byRoot[e.Path], e.Globs...)
	}

	x.mu.Lock()
	x.globsByRoot = byRoot
	x.mu.Unlock()
}

// Excluded reports whether relPath (relative to watchRoot, using forward
// slashes) matches any glob configured for that watch root. Matching is
// tried against the full relative path and against its basename, so a
// pattern like "*.tmp" excludes the file wherever it occurs under the root.
func (x *Excluder) Excluded(watchRoot, relPath string) bool {
	x.mu.RLock()
	globs := x.globsByRoot[watchRoot]
	x.mu.RUnlock()

	if len(globs) == 0 {
		return false
	}

	base := filepath.Base(relPath)

	for _, g := range globs {
		if matched, err := filepath.Match(g, relPath); err == nil && matched {
			return true
		}

		if matched, err := filepath.Match(g, base); err == nil && matched {
			return true
		}
	}

	return false
}
