// Package config implements TOML configuration loading and validation for
// the sync engine's host environment settings.
package config

// Config is the top-level configuration structure, matching the Host
// Environment settings the sync engine consumes at startup and on reload.
type Config struct {
	SyncDirs       []SyncDir       `toml:"sync_dir"`
	SyncConcurrency int            `toml:"sync_concurrency"`
	ExcludePatterns []ExcludeEntry `toml:"exclude"`
	RemoteDelete   string          `toml:"remote_delete_behavior"`
	Dashboard      DashboardConfig `toml:"dashboard"`
	Logging        LoggingConfig   `toml:"logging"`
}

// SyncDir binds one local source tree to a remote subtree.
type SyncDir struct {
	SourcePath string `toml:"source_path"`
	RemoteRoot string `toml:"remote_root"`
}

// ExcludeEntry scopes a set of glob patterns to one watch root's source path.
type ExcludeEntry struct {
	Path  string   `toml:"path"`
	Globs []string `toml:"globs"`
}

// DashboardConfig controls the optional status dashboard. Neither field is
// consumed by the sync core itself — they are carried through for the host
// environment's UI layer.
type DashboardConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}

// Remote delete behaviors.
const (
	DeleteTrash     = "trash"
	DeletePermanent = "permanent"
)
