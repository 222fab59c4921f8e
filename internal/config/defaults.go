package config

// Default values for configuration options, used both as the starting
// point for TOML decoding (so unset fields retain defaults) and as the
// fallback when no config file exists.
const (
	defaultSyncConcurrency = 1
	defaultRemoteDelete    = DeleteTrash
	defaultDashboardHost   = "127.0.0.1"
	defaultDashboardPort   = 8787
	defaultLogLevel        = "info"
	defaultLogFormat       = "auto"
)

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		SyncConcurrency: defaultSyncConcurrency,
		RemoteDelete:    defaultRemoteDelete,
		Dashboard: DashboardConfig{
			Host: defaultDashboardHost,
			Port: defaultDashboardPort,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
