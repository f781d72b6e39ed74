package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	logx "qcron/pkg/logx"
)

// Validate checks the config for problems that do not need any runtime
// component. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	addf := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		addf("logging.level: unknown level %q", lvl)
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		addf("logging.format: must be console or json, got %q", c.Logging.Format)
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		addf("logging.file.path is required when logging.file.enabled is true")
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			addf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if d, err := ParseDurationField("scheduler.tick", c.Scheduler.Tick); err != nil {
		add(err)
	} else if d > 0 && d < time.Second {
		addf("scheduler.tick: must be at least 1s")
	}
	if c.Scheduler.MaxCatchUp < 0 {
		addf("scheduler.max_catch_up must be >= 0")
	}

	if e := c.Engine; e != nil {
		for _, f := range []struct {
			key string
			v   int
		}{
			{"engine.workers", e.Workers},
			{"engine.max_reruns", e.MaxReruns},
			{"engine.history_size", e.HistorySize},
			{"engine.result_limit", e.ResultLimit},
			{"engine.output_limit", e.OutputLimit},
		} {
			if f.v < 0 {
				addf("%s must be >= 0", f.key)
			}
		}
		for key, raw := range map[string]string{
			"engine.retry_backoff":   e.RetryBackoff,
			"engine.retry_max_delay": e.RetryMaxDelay,
			"engine.default_timeout": e.DefaultTimeout,
			"engine.poll_interval":   e.PollInterval,
		} {
			_, err := ParseDurationField(key, raw)
			add(err)
		}
		if c.Scheduler.Enabled && e.Enabled != nil && !*e.Enabled {
			addf("engine.enabled cannot be false while scheduler.enabled is true")
		}
	}

	seen := map[string]bool{}
	for i, d := range c.Drivers {
		name := strings.TrimSpace(d.Name)
		switch {
		case name == "":
			addf("drivers[%d].name is required", i)
		case seen[name]:
			addf("drivers[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		if strings.TrimSpace(d.Transport) == "" {
			addf("drivers[%d].transport is required", i)
		}
		if strings.TrimSpace(d.Target) == "" {
			addf("drivers[%d].target is required", i)
		}
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "memory":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				addf("storage.path is required when storage.driver=%s", s.Driver)
			}
		default:
			addf("storage.driver: unknown driver %q", s.Driver)
		}
		_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
	}

	if n := c.Notifier; n != nil {
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
			addf("notifier: workers, queue_size, rate_per_sec, retry_max and dedup_max_entries must be >= 0")
		}
		for key, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.dedup_window":    n.DedupWindow,
		} {
			_, err := ParseDurationField(key, raw)
			add(err)
		}
		for i, to := range n.DefaultTo {
			if strings.TrimSpace(to) == "" {
				addf("notifier.default_to[%d] is empty", i)
			}
		}
		if addr := strings.TrimSpace(n.SMTP.Addr); addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				addf("notifier.smtp.addr: %w", err)
			}
			if strings.TrimSpace(n.From) == "" {
				addf("notifier.from is required when notifier.smtp.addr is set")
			}
		}
		if strings.TrimSpace(n.Telegram.Token) != "" && n.Telegram.ChatID == 0 {
			addf("notifier.telegram.chat_id is required when notifier.telegram.token is set")
		}
	}

	if d := c.Diag; d.Enabled && strings.TrimSpace(d.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(d.Addr)); err != nil {
			addf("diag.addr: %w", err)
		}
	}

	return errors.Join(errs...)
}
