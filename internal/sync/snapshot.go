package sync

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/protonsync/protondrive-sync/pkg/pathhash"
)

// snapshotEntry is one file or directory's recorded state as of the last
// successfully processed batch for its watch root.
type snapshotEntry struct {
	Size    int64
	MtimeMs int64
	Ino     uint64
	Type    EntryType
}

// snapshot is the Observer's persisted comparison point for one watch root,
// keyed by slash-separated path relative to the root.
type snapshot map[string]snapshotEntry

const snapshotsDirName = "snapshots"
const snapshotFileSuffix = ".snapshot"

// snapshotPath returns the deterministic on-disk path for root's snapshot
// file, named by a 16-hex-character prefix of sha256(sourcePath).
func snapshotPath(persistenceRoot string, root WatchRoot) string {
	return filepath.Join(persistenceRoot, snapshotsDirName, pathhash.Short(root.SourcePath)+snapshotFileSuffix)
}

// errSnapshotCorrupt signals that an on-disk snapshot could not be decoded;
// callers should treat the watch root as unseen and perform a full rescan.
var errSnapshotCorrupt = errors.New("sync: snapshot file is corrupted")

// loadSnapshot reads and decodes the snapshot at path. A missing file
// returns (nil, nil) — first run for that root. A present-but-undecodable
// file returns errSnapshotCorrupt.
func loadSnapshot(path string) (snapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil //nolint:nilnil // nil snapshot means "first run"
	}

	if err != nil {
		return nil, fmt.Errorf("sync: read snapshot %s: %w", path, err)
	}

	var snap snapshot

	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, errSnapshotCorrupt
	}

	return snap, nil
}

// saveSnapshot atomically writes snap to path, creating the snapshots/
// directory if necessary. The write-to-temp-then-rename sequence ensures a
// crash mid-write never leaves a corrupted file at the final path.
func saveSnapshot(path string, snap snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("sync: create snapshots dir: %w", err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("sync: encode snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("sync: write snapshot temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("sync: rename snapshot into place: %w", err)
	}

	return nil
}

// clearSnapshot removes the snapshot file for root, if present.
func clearSnapshot(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("sync: remove snapshot %s: %w", path, err)
	}

	return nil
}

// cleanupOrphanSnapshots removes snapshot files whose hash doesn't match any
// currently configured watch root's source path.
func cleanupOrphanSnapshots(persistenceRoot string, roots []WatchRoot, logger *slog.Logger) error {
	dir := filepath.Join(persistenceRoot, snapshotsDirName)

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("sync: list snapshots dir: %w", err)
	}

	valid := make(map[string]bool, len(roots))
	for _, r := range roots {
		valid[pathhash.Short(r.SourcePath)+snapshotFileSuffix] = true
	}

	for _, e := range entries {
		if e.IsDir() || valid[e.Name()] {
			continue
		}

		full := filepath.Join(dir, e.Name())
		if err := os.Remove(full); err != nil {
			return fmt.Errorf("sync: remove orphan snapshot %s: %w", full, err)
		}

		logger.Info("removed orphan snapshot", slog.String("file", full))
	}

	return nil
}
