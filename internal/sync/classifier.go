package sync

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// Classifier turns a raw ChangeBatch from the Observer into the minimal set
// of durable job upserts: it suppresses no-op events, coalesces matching
// delete/create inode pairs into RENAME or MOVE, promotes a rename to
// DELETE_AND_CREATE when content changed underneath it or no prior mapping
// exists, and drops events already implied by a covering directory rename.
type Classifier struct {
	store  Store
	roots  *Roots
	logger *slog.Logger
}

// NewClassifier builds a Classifier over store, resolving local<->remote
// paths via roots.
func NewClassifier(store Store, roots *Roots, logger *slog.Logger) *Classifier {
	return &Classifier{store: store, roots: roots, logger: logger}
}

// resolvedEvent pairs a raw ChangeEvent with its absolute local and remote
// paths, computed once up front for the whole batch.
type resolvedEvent struct {
	ChangeEvent
	localPath  string
	remotePath string
}

// renamePair is a delete/create pair sharing an inode, a rename candidate
// until step 5 decides whether it truly is one.
type renamePair struct {
	from, to resolvedEvent
}

// Process classifies batch and durably commits every surviving decision.
// Returns the number of jobs upserted.
func (c *Classifier) Process(ctx context.Context, batch ChangeBatch) (int, error) {
	root, ok := c.findRootByPath(batch.WatchRoot)
	if !ok {
		return 0, fmt.Errorf("sync: classifier: unknown watch root %q", batch.WatchRoot)
	}

	resolved := make([]resolvedEvent, 0, len(batch.Events))

	for _, ev := range batch.Events {
		local := LocalPath(root, ev.RelPath)

		remote, ok := c.roots.RemotePath(local)
		if !ok {
			continue
		}

		resolved = append(resolved, resolvedEvent{ChangeEvent: ev, localPath: local, remotePath: remote})
	}

	var (
		deletes []resolvedEvent
		creates []resolvedEvent
		updates []resolvedEvent
	)

	for _, ev := range resolved {
		switch {
		case !ev.Exists:
			deletes = append(deletes, ev)
		case ev.Exists && ev.New:
			creates = append(creates, ev)
		default:
			updates = append(updates, ev)
		}
	}

	deletesByIno := make(map[uint64]resolvedEvent, len(deletes))

	for _, d := range deletes {
		if d.Ino != 0 {
			deletesByIno[d.Ino] = d
		}
	}

	createsByIno := make(map[uint64]resolvedEvent, len(creates))

	for _, cr := range creates {
		if cr.Ino != 0 {
			createsByIno[cr.Ino] = cr
		}
	}

	var pairs []renamePair

	for ino, from := range deletesByIno {
		to, ok := createsByIno[ino]
		if !ok {
			continue
		}

		pairs = append(pairs, renamePair{from: from, to: to})
		delete(deletesByIno, ino)
		delete(createsByIno, ino)
	}

	var dirRenames []renamePair

	for _, p := range pairs {
		if p.from.Type == EntryDir {
			dirRenames = append(dirRenames, p)
		}
	}

	var survivingPairs []renamePair

	for _, p := range pairs {
		if p.from.Type == EntryDir {
			survivingPairs = append(survivingPairs, p)
			continue
		}

		covered := false

		for _, dr := range dirRenames {
			if isDescendant(dr.from.localPath, p.from.localPath) {
				covered = true
				break
			}
		}

		if !covered {
			survivingPairs = append(survivingPairs, p)
		}
	}

	remainingDeletes := make([]resolvedEvent, 0, len(deletesByIno))
	for _, d := range deletesByIno {
		remainingDeletes = append(remainingDeletes, d)
	}

	remainingCreates := make([]resolvedEvent, 0, len(createsByIno))
	for _, cr := range createsByIno {
		remainingCreates = append(remainingCreates, cr)
	}

	var count int

	for _, p := range survivingPairs {
		applied, err := c.classifyPair(ctx, p)
		if err != nil {
			return count, err
		}

		if applied {
			count++
		}
	}

	for _, d := range remainingDeletes {
		applied, err := c.classifyDelete(ctx, d)
		if err != nil {
			return count, err
		}

		if applied {
			count++
		}
	}

	for _, cr := range remainingCreates {
		applied, err := c.classifyCreate(ctx, cr)
		if err != nil {
			return count, err
		}

		if applied {
			count++
		}
	}

	for _, u := range updates {
		applied, err := c.classifyUpdate(ctx, u)
		if err != nil {
			return count, err
		}

		if applied {
			count++
		}
	}

	return count, nil
}

// classifyPair implements step 5: decide RENAME/MOVE vs DELETE_AND_CREATE.
func (c *Classifier) classifyPair(ctx context.Context, p renamePair) (bool, error) {
	mapping, err := c.store.GetNodeMapping(ctx, p.from.localPath)
	if err != nil {
		return false, fmt.Errorf("sync: classifier: lookup mapping %q: %w", p.from.localPath, err)
	}

	token := changeToken(p.to.MtimeMs, p.to.Size)

	jobToken := token
	if p.to.Type == EntryDir {
		jobToken = ""
	}

	needsReupload := mapping == nil
	if !needsReupload && p.from.Type == EntryFile {
		stored, found, err := c.store.GetChangeToken(ctx, p.from.localPath)
		if err != nil {
			return false, fmt.Errorf("sync: classifier: lookup token %q: %w", p.from.localPath, err)
		}

		if !found || stored != token {
			needsReupload = true
		}
	}

	if needsReupload {
		ev := ClassifierEvent{
			Job: &Job{
				EventType:     EventDeleteAndCreate,
				LocalPath:     p.to.localPath,
				RemotePath:    p.to.remotePath,
				OldLocalPath:  p.from.localPath,
				OldRemotePath: p.from.remotePath,
				Status:        StatusPending,
				ChangeToken:   jobToken,
			},
		}

		ev.DeleteMappingPrefix = p.from.localPath
		ev.DeleteTokenPrefix = p.from.localPath

		if _, err := c.store.ApplyClassifierEvent(ctx, ev); err != nil {
			return false, fmt.Errorf("sync: classifier: apply delete_and_create %q: %w", p.from.localPath, err)
		}

		return true, nil
	}

	eventType := EventMove
	if filepath.Dir(p.from.localPath) == filepath.Dir(p.to.localPath) {
		eventType = EventRename
	}

	ev := ClassifierEvent{
		Job: &Job{
			EventType:     eventType,
			LocalPath:     p.to.localPath,
			RemotePath:    p.to.remotePath,
			OldLocalPath:  p.from.localPath,
			OldRemotePath: p.from.remotePath,
			Status:        StatusPending,
			ChangeToken:   jobToken,
		},
		RewriteMappingPrefix: &PrefixRewrite{Old: p.from.localPath, New: p.to.localPath},
		RewriteTokenPrefix:   &PrefixRewrite{Old: p.from.localPath, New: p.to.localPath},
	}

	if _, err := c.store.ApplyClassifierEvent(ctx, ev); err != nil {
		return false, fmt.Errorf("sync: classifier: apply %s %q: %w", eventType, p.from.localPath, err)
	}

	return true, nil
}

// classifyDelete implements step 6.
func (c *Classifier) classifyDelete(ctx context.Context, d resolvedEvent) (bool, error) {
	ev := ClassifierEvent{
		Job: &Job{
			EventType:  EventDelete,
			LocalPath:  d.localPath,
			RemotePath: d.remotePath,
			Status:     StatusPending,
		},
		DeleteMappingPrefix: d.localPath,
		DeleteTokenPrefix:   d.localPath,
	}

	if _, err := c.store.ApplyClassifierEvent(ctx, ev); err != nil {
		return false, fmt.Errorf("sync: classifier: apply delete %q: %w", d.localPath, err)
	}

	return true, nil
}

// classifyCreate implements step 7.
func (c *Classifier) classifyCreate(ctx context.Context, cr resolvedEvent) (bool, error) {
	token := changeToken(cr.MtimeMs, cr.Size)

	if cr.Type == EntryFile {
		stored, found, err := c.store.GetChangeToken(ctx, cr.localPath)
		if err != nil {
			return false, fmt.Errorf("sync: classifier: lookup token %q: %w", cr.localPath, err)
		}

		if found && stored == token {
			return false, nil
		}
	} else {
		mapping, err := c.store.GetNodeMapping(ctx, cr.localPath)
		if err != nil {
			return false, fmt.Errorf("sync: classifier: lookup mapping %q: %w", cr.localPath, err)
		}

		if mapping != nil {
			return false, nil
		}
	}

	eventType := EventCreateFile
	jobToken := token

	if cr.Type == EntryDir {
		eventType = EventCreateDir
		jobToken = ""
	}

	ev := ClassifierEvent{
		Job: &Job{
			EventType:   eventType,
			LocalPath:   cr.localPath,
			RemotePath:  cr.remotePath,
			Status:      StatusPending,
			ChangeToken: jobToken,
		},
	}

	if _, err := c.store.ApplyClassifierEvent(ctx, ev); err != nil {
		return false, fmt.Errorf("sync: classifier: apply %s %q: %w", eventType, cr.localPath, err)
	}

	return true, nil
}

// classifyUpdate implements step 8. Directory metadata updates are ignored.
func (c *Classifier) classifyUpdate(ctx context.Context, u resolvedEvent) (bool, error) {
	if u.Type != EntryFile {
		return false, nil
	}

	token := changeToken(u.MtimeMs, u.Size)

	stored, found, err := c.store.GetChangeToken(ctx, u.localPath)
	if err != nil {
		return false, fmt.Errorf("sync: classifier: lookup token %q: %w", u.localPath, err)
	}

	if found && stored == token {
		return false, nil
	}

	ev := ClassifierEvent{
		Job: &Job{
			EventType:   EventUpdate,
			LocalPath:   u.localPath,
			RemotePath:  u.remotePath,
			Status:      StatusPending,
			ChangeToken: token,
		},
	}

	if _, err := c.store.ApplyClassifierEvent(ctx, ev); err != nil {
		return false, fmt.Errorf("sync: classifier: apply update %q: %w", u.localPath, err)
	}

	return true, nil
}

// findRootByPath resolves a raw Observer WatchRoot.SourcePath string to the
// configured WatchRoot carrying its remote mapping.
func (c *Classifier) findRootByPath(sourcePath string) (WatchRoot, bool) {
	for _, r := range c.roots.List() {
		if r.SourcePath == sourcePath {
			return r, true
		}
	}

	return WatchRoot{}, false
}

// isDescendant reports whether child is strictly under parent.
func isDescendant(parent, child string) bool {
	return child != parent && strings.HasPrefix(child, parent+string(filepath.Separator))
}

// changeToken builds the mtime:size change token — cheap, cross-filesystem
// stable, and deliberately not a content hash.
func changeToken(mtimeMs, size int64) string {
	return fmt.Sprintf("%d:%d", mtimeMs, size)
}
