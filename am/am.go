// Package am ("assembled module") loads the harvest configuration from TOML
// files and HARVEST_* environment variables.
package am

import "time"

// Config is the process configuration of the harvest command and daemon.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" toml:"database"`
	Log       LogConfig       `mapstructure:"log" toml:"log"`
	Harvest   HarvestConfig   `mapstructure:"harvest" toml:"harvest"`
	Workers   WorkersConfig   `mapstructure:"workers" toml:"workers"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" toml:"scheduler"`
	Events    EventsConfig    `mapstructure:"events" toml:"events"`
	Server    ServerConfig    `mapstructure:"server" toml:"server"`
}

// DatabaseConfig configures the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	JSON  bool   `mapstructure:"json" toml:"json"`   // production JSON encoder instead of console lines
	Level string `mapstructure:"level" toml:"level"` // debug, info, warn or error
}

// HarvestConfig configures the executor and the backends.
type HarvestConfig struct {
	AllowLocalSources bool   `mapstructure:"allow_local_sources" toml:"allow_local_sources"` // local paths and file:// URLs
	WorkDir           string `mapstructure:"workdir" toml:"workdir"`                         // staging dir of the files backend (empty: system temp)
	Concurrency       int    `mapstructure:"concurrency" toml:"concurrency"`                 // items processed in parallel per job
	Debug             bool   `mapstructure:"debug" toml:"debug"`                             // fail fast and re-raise panics

	// Non-terminal jobs without progress for this long are closed as failed
	// when the daemon starts. 0 disables recovery.
	StaleAfterMinutes int `mapstructure:"stale_after_minutes" toml:"stale_after_minutes"`
	// Finished jobs and launches older than this are purged daily. 0 keeps
	// everything.
	RetentionDays int `mapstructure:"retention_days" toml:"retention_days"`

	HTTP HTTPConfig `mapstructure:"http" toml:"http"`
}

// HTTPConfig is the outbound client policy shared by the backends.
type HTTPConfig struct {
	TimeoutSeconds int     `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	MaxRedirects   int     `mapstructure:"max_redirects" toml:"max_redirects"`
	AllowPrivate   bool    `mapstructure:"allow_private" toml:"allow_private"` // loopback and private networks
	RatePerSecond  float64 `mapstructure:"rate_per_second" toml:"rate_per_second"`
	Burst          int     `mapstructure:"burst" toml:"burst"`
	UserAgent      string  `mapstructure:"user_agent" toml:"user_agent"`
}

// Timeout returns the request timeout.
func (c HTTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WorkersConfig configures the launch worker pool of the daemon.
type WorkersConfig struct {
	Count              int `mapstructure:"count" toml:"count"`
	PollIntervalMs     int `mapstructure:"poll_interval_ms" toml:"poll_interval_ms"`
	StopTimeoutSeconds int `mapstructure:"stop_timeout_seconds" toml:"stop_timeout_seconds"`
}

// PollInterval returns the idle poll interval.
func (c WorkersConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// StopTimeout returns how long Stop waits for running harvests.
func (c WorkersConfig) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutSeconds) * time.Second
}

// SchedulerConfig configures the periodic task ticker.
type SchedulerConfig struct {
	Enabled               bool `mapstructure:"enabled" toml:"enabled"`
	TickerIntervalSeconds int  `mapstructure:"ticker_interval_seconds" toml:"ticker_interval_seconds"`
}

// TickerInterval returns how often due tasks are looked up.
func (c SchedulerConfig) TickerInterval() time.Duration {
	return time.Duration(c.TickerIntervalSeconds) * time.Second
}

// EventsConfig selects the bus subscribers.
type EventsConfig struct {
	Log  bool       `mapstructure:"log" toml:"log"`
	NATS NATSConfig `mapstructure:"nats" toml:"nats"`
}

// NATSConfig configures event publishing. An empty URL disables it.
type NATSConfig struct {
	URL           string `mapstructure:"url" toml:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix" toml:"subject_prefix"`
	Name          string `mapstructure:"name" toml:"name"`
}

// ServerConfig configures the daemon HTTP server.
type ServerConfig struct {
	Addr           string   `mapstructure:"addr" toml:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
}
