package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. RDL_DOWNLOAD_MAX_RETRIES
const EnvPrefix = "RDL"

// Config represents the entire application configuration
type Config struct {
	Download    DownloadConfig    `mapstructure:"download"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	Server      ServerConfig      `mapstructure:"server"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
}

// DownloadConfig contains session behaviour settings
type DownloadConfig struct {
	ChunkSizeKB           int    `mapstructure:"chunk_size_kb"`
	MaxRetries            int    `mapstructure:"max_retries"`
	RetryBackoff          string `mapstructure:"retry_backoff"`
	RetryMaxBackoff       string `mapstructure:"retry_max_backoff"`
	DeletePartialOnCancel bool   `mapstructure:"delete_partial_on_cancel"`
	SyncWrites            bool   `mapstructure:"sync_writes"`
	ResumeInterrupted     bool   `mapstructure:"resume_interrupted"`
	CheckFreeSpace        bool   `mapstructure:"check_free_space"`
	ProgressLogInterval   string `mapstructure:"progress_log_interval"`
}

// FetchConfig contains HTTP client settings
type FetchConfig struct {
	ResponseHeaderTimeout string `mapstructure:"response_header_timeout"`
	IdleTimeout           string `mapstructure:"idle_timeout"`
	UserAgent             string `mapstructure:"user_agent"`
	MaxIdleConnsPerHost   int    `mapstructure:"max_idle_conns_per_host"`
	SkipTLSVerify         bool   `mapstructure:"skip_tls_verify"`
}

// ServerConfig contains debug HTTP server configuration
type ServerConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	BindAddr      string `mapstructure:"bind_addr"`
	DebugUsername string `mapstructure:"debug_username"`
	DebugPassword string `mapstructure:"debug_password"`
	ReadTimeout   string `mapstructure:"read_timeout"`
	WriteTimeout  string `mapstructure:"write_timeout"`
	IdleTimeout   string `mapstructure:"idle_timeout"`
}

// MaintenanceConfig contains housekeeping settings
type MaintenanceConfig struct {
	ReapInterval      string `mapstructure:"reap_interval"`
	CleanupInterval   string `mapstructure:"cleanup_interval"`
	TerminalRetention string `mapstructure:"terminal_retention"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path          string `mapstructure:"path"`
	CacheSizeMB   int    `mapstructure:"cache_size_mb"`
	BusyTimeoutMs int    `mapstructure:"busy_timeout_ms"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("download.chunk_size_kb", 256)
	v.SetDefault("download.max_retries", 5)
	v.SetDefault("download.retry_backoff", "1s")
	v.SetDefault("download.retry_max_backoff", "1m")
	v.SetDefault("download.delete_partial_on_cancel", true)
	v.SetDefault("download.sync_writes", false)
	v.SetDefault("download.resume_interrupted", true)
	v.SetDefault("download.check_free_space", true)
	v.SetDefault("download.progress_log_interval", "5s")
	v.SetDefault("fetch.response_header_timeout", "30s")
	v.SetDefault("fetch.idle_timeout", "60s")
	v.SetDefault("fetch.user_agent", "resumable-downloader")
	v.SetDefault("fetch.max_idle_conns_per_host", 16)
	v.SetDefault("fetch.skip_tls_verify", false)
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.bind_addr", "127.0.0.1:8080")
	v.SetDefault("server.debug_username", "")
	v.SetDefault("server.debug_password", "")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("maintenance.reap_interval", "1m")
	v.SetDefault("maintenance.cleanup_interval", "1h")
	v.SetDefault("maintenance.terminal_retention", "168h")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.path", "resumable-downloader.db")
	v.SetDefault("database.cache_size_mb", 16)
	v.SetDefault("database.busy_timeout_ms", 5000)
}

// Load loads configuration from the specified file path.
// An empty path yields the defaults plus environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate download config
	if c.Download.ChunkSizeKB <= 0 || c.Download.ChunkSizeKB > 64*1024 {
		return fmt.Errorf("download.chunk_size_kb must be between 1 and 65536")
	}
	if c.Download.MaxRetries < 0 {
		return fmt.Errorf("download.max_retries must not be negative")
	}

	durations := map[string]string{
		"download.retry_backoff":         c.Download.RetryBackoff,
		"download.retry_max_backoff":     c.Download.RetryMaxBackoff,
		"download.progress_log_interval": c.Download.ProgressLogInterval,
		"fetch.response_header_timeout":  c.Fetch.ResponseHeaderTimeout,
		"fetch.idle_timeout":             c.Fetch.IdleTimeout,
		"server.read_timeout":            c.Server.ReadTimeout,
		"server.write_timeout":           c.Server.WriteTimeout,
		"server.idle_timeout":            c.Server.IdleTimeout,
		"maintenance.reap_interval":      c.Maintenance.ReapInterval,
		"maintenance.cleanup_interval":   c.Maintenance.CleanupInterval,
		"maintenance.terminal_retention": c.Maintenance.TerminalRetention,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if d, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		} else if d < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}
	if c.Download.GetRetryMaxBackoff() < c.Download.GetRetryBackoff() {
		return fmt.Errorf("download.retry_max_backoff must be at least download.retry_backoff")
	}

	if c.Server.Enabled && c.Server.BindAddr == "" {
		return fmt.Errorf("server.bind_addr is required when the server is enabled")
	}
	if c.Server.DebugUsername != "" && c.Server.DebugPassword == "" {
		return fmt.Errorf("server.debug_password is required with server.debug_username")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	// Validate logging config
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
		// Valid formats
	default:
		return fmt.Errorf("invalid logging.format: %s", c.Logging.Format)
	}

	return nil
}

// parseDuration returns the parsed value or fallback when unset or invalid
func parseDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d == 0 {
		return fallback
	}
	return d
}

// GetChunkSize returns the chunk size in bytes
func (c *DownloadConfig) GetChunkSize() int {
	if c.ChunkSizeKB <= 0 {
		return 256 * 1024
	}
	return c.ChunkSizeKB * 1024
}

// GetRetryBackoff returns the first retry delay
func (c *DownloadConfig) GetRetryBackoff() time.Duration {
	return parseDuration(c.RetryBackoff, time.Second)
}

// GetRetryMaxBackoff returns the retry delay cap
func (c *DownloadConfig) GetRetryMaxBackoff() time.Duration {
	return parseDuration(c.RetryMaxBackoff, time.Minute)
}

// GetProgressLogInterval returns the minimum time between progress events
func (c *DownloadConfig) GetProgressLogInterval() time.Duration {
	return parseDuration(c.ProgressLogInterval, 5*time.Second)
}

// GetResponseHeaderTimeout returns the response header timeout
func (c *FetchConfig) GetResponseHeaderTimeout() time.Duration {
	return parseDuration(c.ResponseHeaderTimeout, 30*time.Second)
}

// GetIdleTimeout returns the body read stall timeout
func (c *FetchConfig) GetIdleTimeout() time.Duration {
	return parseDuration(c.IdleTimeout, 60*time.Second)
}

// GetReadTimeout returns the read timeout as time.Duration
func (c *ServerConfig) GetReadTimeout() time.Duration {
	return parseDuration(c.ReadTimeout, 30*time.Second)
}

// GetWriteTimeout returns the write timeout as time.Duration
func (c *ServerConfig) GetWriteTimeout() time.Duration {
	return parseDuration(c.WriteTimeout, 30*time.Second)
}

// GetIdleTimeout returns the idle timeout as time.Duration
func (c *ServerConfig) GetIdleTimeout() time.Duration {
	return parseDuration(c.IdleTimeout, 60*time.Second)
}

// GetReapInterval returns how often finished controllers are released
func (c *MaintenanceConfig) GetReapInterval() time.Duration {
	return parseDuration(c.ReapInterval, time.Minute)
}

// GetCleanupInterval returns how often expired sessions are purged
func (c *MaintenanceConfig) GetCleanupInterval() time.Duration {
	return parseDuration(c.CleanupInterval, time.Hour)
}

// GetTerminalRetention returns how long terminal sessions are kept
func (c *MaintenanceConfig) GetTerminalRetention() time.Duration {
	return parseDuration(c.TerminalRetention, 7*24*time.Hour)
}
