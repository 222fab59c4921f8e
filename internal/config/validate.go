package config

import (
	"errors"
	"fmt"
	"path/filepath"
)

// minSyncConcurrency is the floor on the configurable Executor parallelism.
const minSyncConcurrency = 1

// Validate checks all configuration values and returns all errors found. It
// accumulates every error rather than stopping at the first, so users see a
// complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateSyncDirs(cfg.SyncDirs)...)
	errs = append(errs, validateExcludePatterns(cfg.ExcludePatterns)...)

	if cfg.SyncConcurrency < minSyncConcurrency {
		errs = append(errs, fmt.Errorf("sync_concurrency: must be >= %d, got %d",
			minSyncConcurrency, cfg.SyncConcurrency))
	}

	if cfg.RemoteDelete != DeleteTrash && cfg.RemoteDelete != DeletePermanent {
		errs = append(errs, fmt.Errorf("remote_delete_behavior: must be %q or %q, got %q",
			DeleteTrash, DeletePermanent, cfg.RemoteDelete))
	}

	return errors.Join(errs...)
}

func validateSyncDirs(dirs []SyncDir) []error {
	var errs []error

	seen := make(map[string]bool, len(dirs))

	for _, d := range dirs {
		if d.SourcePath == "" {
			errs = append(errs, errors.New("sync_dir: source_path must not be empty"))
			continue
		}

		if !filepath.IsAbs(d.SourcePath) {
			errs = append(errs, fmt.Errorf("sync_dir %q: source_path must be absolute", d.SourcePath))
		}

		if d.RemoteRoot == "" {
			errs = append(errs, fmt.Errorf("sync_dir %q: remote_root must not be empty", d.SourcePath))
		}

		if seen[d.SourcePath] {
			errs = append(errs, fmt.Errorf("sync_dir %q: duplicate source_path", d.SourcePath))
		}

		seen[d.SourcePath] = true
	}

	return errs
}

func validateExcludePatterns(entries []ExcludeEntry) []error {
	var errs []error

	for _, e := range entries {
		for _, g := range e.Globs {
			if _, err := filepath.Match(g, "probe"); err != nil {
				errs = append(errs, fmt.Errorf("exclude pattern %q for path %q: %w", g, e.Path, err))
			}
		}
	}

	return errs
}
