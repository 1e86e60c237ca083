package am

import (
	"net"
	"strings"

	"github.com/remilejeune/udata-harvest/errors"
)

var logLevels = []string{"debug", "info", "warn", "error"}

// Validate checks the values Load cannot reject on its own. Zero means
// zero: a zero duration or count is only accepted where it disables the
// feature.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database.path cannot be empty")
	}

	valid := false
	for _, l := range logLevels {
		if c.Log.Level == l {
			valid = true
		}
	}
	if !valid {
		return errors.Newf("log.level must be one of %s, got %q", strings.Join(logLevels, ", "), c.Log.Level)
	}

	if c.Harvest.Concurrency < 1 {
		return errors.Newf("harvest.concurrency must be >= 1, got %d", c.Harvest.Concurrency)
	}
	if c.Harvest.StaleAfterMinutes < 0 {
		return errors.Newf("harvest.stale_after_minutes must be >= 0, got %d", c.Harvest.StaleAfterMinutes)
	}
	if c.Harvest.RetentionDays < 0 {
		return errors.Newf("harvest.retention_days must be >= 0, got %d", c.Harvest.RetentionDays)
	}
	if c.Harvest.HTTP.TimeoutSeconds <= 0 {
		return errors.Newf("harvest.http.timeout_seconds must be > 0, got %d", c.Harvest.HTTP.TimeoutSeconds)
	}
	if c.Harvest.HTTP.RatePerSecond < 0 {
		return errors.Newf("harvest.http.rate_per_second must be >= 0, got %g", c.Harvest.HTTP.RatePerSecond)
	}

	// 0 workers leaves launches queued for another process
	if c.Workers.Count < 0 {
		return errors.Newf("workers.count must be >= 0, got %d", c.Workers.Count)
	}
	if c.Workers.PollIntervalMs <= 0 {
		return errors.Newf("workers.poll_interval_ms must be > 0, got %d", c.Workers.PollIntervalMs)
	}
	if c.Scheduler.Enabled && c.Scheduler.TickerIntervalSeconds <= 0 {
		return errors.Newf("scheduler.ticker_interval_seconds must be > 0 when the scheduler is enabled, got %d",
			c.Scheduler.TickerIntervalSeconds)
	}

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		return errors.WithHint(
			errors.Wrapf(err, "server.addr %q", c.Server.Addr),
			`use host:port, for example "127.0.0.1:8470" or ":8470"`)
	}
	if c.Events.NATS.URL != "" && c.Events.NATS.SubjectPrefix == "" {
		return errors.New("events.nats.subject_prefix cannot be empty when events.nats.url is set")
	}
	return nil
}
