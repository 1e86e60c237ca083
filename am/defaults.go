package am

import (
	"github.com/spf13/viper"
)

// Default values shared with the command line help.
const (
	DefaultDatabasePath = "harvest.db"
	DefaultServerAddr   = "127.0.0.1:8470"
	DefaultNATSPrefix   = "harvest"
)

// SetDefaults registers every key with its default. Keys without a default
// are invisible to AutomaticEnv, so new settings must be added here.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("harvest.allow_local_sources", false)
	v.SetDefault("harvest.workdir", "")
	v.SetDefault("harvest.concurrency", 1)
	v.SetDefault("harvest.debug", false)
	v.SetDefault("harvest.stale_after_minutes", 120)
	v.SetDefault("harvest.retention_days", 90)
	v.SetDefault("harvest.http.timeout_seconds", 30)
	v.SetDefault("harvest.http.max_redirects", 10)
	v.SetDefault("harvest.http.allow_private", false)
	v.SetDefault("harvest.http.rate_per_second", 0)
	v.SetDefault("harvest.http.burst", 1)
	v.SetDefault("harvest.http.user_agent", "")

	v.SetDefault("workers.count", 2)
	v.SetDefault("workers.poll_interval_ms", 2000)
	v.SetDefault("workers.stop_timeout_seconds", 30)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.ticker_interval_seconds", 30)

	v.SetDefault("events.log", true)
	v.SetDefault("events.nats.url", "")
	v.SetDefault("events.nats.subject_prefix", DefaultNATSPrefix)
	v.SetDefault("events.nats.name", "harvest")

	v.SetDefault("server.addr", DefaultServerAddr)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})
}

// DefaultConfig returns the configuration used when no file or environment
// variable overrides anything.
func DefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	if err != nil {
		// defaults always decode
		panic(err)
	}
	return cfg
}
