package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dirs struct {
	home    string
	project string
	system  string
}

// isolate points every config location at temporary directories.
func isolate(t *testing.T) dirs {
	t.Helper()
	Reset()
	t.Cleanup(Reset)

	d := dirs{home: t.TempDir(), project: t.TempDir()}
	d.system = filepath.Join(t.TempDir(), "config.toml")
	t.Setenv("HOME", d.home)
	t.Chdir(d.project)

	prev := SystemConfigPath
	SystemConfigPath = d.system
	t.Cleanup(func() { SystemConfigPath = prev })
	return d
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultDatabasePath, cfg.Database.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Harvest.AllowLocalSources)
	assert.Equal(t, 1, cfg.Harvest.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Harvest.HTTP.Timeout())
	assert.Equal(t, 2, cfg.Workers.Count)
	assert.Equal(t, 2*time.Second, cfg.Workers.PollInterval())
	assert.Equal(t, 30*time.Second, cfg.Scheduler.TickerInterval())
	assert.True(t, cfg.Events.Log)
	assert.Empty(t, cfg.Events.NATS.URL)
	assert.Equal(t, DefaultServerAddr, cfg.Server.Addr)
	assert.Contains(t, cfg.Server.AllowedOrigins, "http://localhost")
	assert.Empty(t, LoadedFiles())
	require.NoError(t, cfg.Validate())

	again, err := Load()
	require.NoError(t, err)
	assert.Same(t, cfg, again, "Load caches until Reset")
}

func TestLoad_Precedence(t *testing.T) {
	d := isolate(t)
	writeFile(t, d.system, `
[database]
path = "/var/lib/harvest/harvest.db"

[workers]
count = 8
`)
	writeFile(t, filepath.Join(d.home, ".harvest", "am.toml"), `
[workers]
count = 4

[harvest]
concurrency = 3
`)
	writeFile(t, filepath.Join(d.project, "am.toml"), `
[harvest]
concurrency = 5
allow_local_sources = true
`)
	t.Setenv("HARVEST_HARVEST_CONCURRENCY", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/harvest/harvest.db", cfg.Database.Path, "system file")
	assert.Equal(t, 4, cfg.Workers.Count, "user file beats system file")
	assert.True(t, cfg.Harvest.AllowLocalSources, "project file")
	assert.Equal(t, 7, cfg.Harvest.Concurrency, "environment beats every file")
	assert.Len(t, LoadedFiles(), 3)

	assert.Equal(t, SourceSystem, ConfigSources["database.path"].Source)
	assert.Equal(t, SourceUser, ConfigSources["workers.count"].Source)
	assert.Equal(t, SourceProject, ConfigSources["harvest.allow_local_sources"].Source)
}

func TestLoad_ProjectFileFoundFromSubdirectory(t *testing.T) {
	d := isolate(t)
	writeFile(t, filepath.Join(d.project, "am.toml"), "[server]\naddr = \":9000\"\n")
	sub := filepath.Join(d.project, "a", "b")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	t.Chdir(sub)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
}

func TestLoad_Environment(t *testing.T) {
	isolate(t)
	t.Setenv("HARVEST_HARVEST_DEBUG", "true")
	t.Setenv("HARVEST_EVENTS_NATS_URL", "nats://127.0.0.1:4222")
	t.Setenv("HARVEST_SERVER_ALLOWED_ORIGINS", "https://data.example.org,https://admin.example.org")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Harvest.Debug)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Events.NATS.URL)
	assert.Equal(t, []string{"https://data.example.org", "https://admin.example.org"}, cfg.Server.AllowedOrigins)
}

func TestLoad_BrokenFile(t *testing.T) {
	d := isolate(t)
	writeFile(t, filepath.Join(d.project, "am.toml"), "[harvest\nconcurrency = ")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "am.toml")
}

func TestLoadFromFile(t *testing.T) {
	isolate(t)
	t.Setenv("HARVEST_WORKERS_COUNT", "9")
	path := filepath.Join(t.TempDir(), "custom.toml")
	writeFile(t, path, "[workers]\ncount = 6\n")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Workers.Count, "the environment is ignored")
	assert.Equal(t, DefaultServerAddr, cfg.Server.Addr)

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty database path", func(c *Config) { c.Database.Path = " " }, "database.path"},
		{"unknown log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"zero concurrency", func(c *Config) { c.Harvest.Concurrency = 0 }, "harvest.concurrency"},
		{"negative retention", func(c *Config) { c.Harvest.RetentionDays = -1 }, "retention_days"},
		{"zero timeout", func(c *Config) { c.Harvest.HTTP.TimeoutSeconds = 0 }, "timeout_seconds"},
		{"negative workers", func(c *Config) { c.Workers.Count = -1 }, "workers.count"},
		{"zero ticker", func(c *Config) { c.Scheduler.TickerIntervalSeconds = 0 }, "ticker_interval_seconds"},
		{"bad address", func(c *Config) { c.Server.Addr = "8470" }, "server.addr"},
		{"nats without prefix", func(c *Config) {
			c.Events.NATS.URL = "nats://localhost:4222"
			c.Events.NATS.SubjectPrefix = ""
		}, "subject_prefix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("zero values that disable a feature", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Workers.Count = 0
		cfg.Harvest.StaleAfterMinutes = 0
		cfg.Scheduler.Enabled = false
		cfg.Scheduler.TickerIntervalSeconds = 0
		assert.NoError(t, cfg.Validate())
	})
}
