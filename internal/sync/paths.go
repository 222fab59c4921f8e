package sync

import (
	"path/filepath"
	"strings"
	"sync"
)

// Roots resolves local<->remote paths against the configured watch roots
// and reports whether a local path still falls under any of them. Safe for
// concurrent use: Update is called from the config-reload path while find
// and its callers run from Classifier/Executor/Queue goroutines.
type Roots struct {
	mu    sync.RWMutex
	roots []WatchRoot
}

// NewRoots builds a Roots resolver from the configured watch roots.
func NewRoots(roots []WatchRoot) *Roots {
	r := &Roots{}
	r.Update(roots)

	return r
}

// List returns the configured watch roots.
func (r *Roots) List() []WatchRoot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]WatchRoot, len(r.roots))
	copy(out, r.roots)

	return out
}

// Update replaces the configured watch roots in place, so every holder of
// this *Roots (Classifier, Executor, Queue) observes a config reload without
// needing to be reconstructed.
func (r *Roots) Update(roots []WatchRoot) {
	cloned := make([]WatchRoot, len(roots))
	copy(cloned, roots)

	r.mu.Lock()
	r.roots = cloned
	r.mu.Unlock()
}

// find returns the watch root containing localPath, or (WatchRoot{}, false).
func (r *Roots) find(localPath string) (WatchRoot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, wr := range r.roots {
		if localPath == wr.SourcePath || strings.HasPrefix(localPath, wr.SourcePath+string(filepath.Separator)) {
			return wr, true
		}
	}

	return WatchRoot{}, false
}

// UnderAnyRoot reports whether localPath falls under one of the configured
// watch roots. Used by the Queue to reject stale enqueues and by
// cleanup_orphans to find abandoned rows.
func (r *Roots) UnderAnyRoot(localPath string) bool {
	_, ok := r.find(localPath)
	return ok
}

// RemotePath maps a local path to its remote counterpart by substituting
// the matching watch root's source prefix with its remote root.
func (r *Roots) RemotePath(localPath string) (string, bool) {
	wr, ok := r.find(localPath)
	if !ok {
		return "", false
	}

	rel := strings.TrimPrefix(localPath, wr.SourcePath)
	rel = strings.TrimPrefix(rel, string(filepath.Separator))

	if rel == "" {
		return wr.RemoteRoot, true
	}

	return filepath.ToSlash(filepath.Join(wr.RemoteRoot, rel)), true
}

// LocalPath joins a watch root's source path with a relative path from an
// Observer ChangeEvent.
func LocalPath(root WatchRoot, relPath string) string {
	return filepath.Join(root.SourcePath, filepath.FromSlash(relPath))
}
