package app

import (
	"fmt"
	"strings"
	"time"

	"qcron/internal/config"
	"qcron/internal/diag"
	"qcron/internal/drivers"
	"qcron/internal/notifier"
	"qcron/internal/storage"
	"qcron/internal/task/engine"
	"qcron/internal/task/executor"
	"qcron/internal/task/scheduler"
	logx "qcron/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := config.ParseDurationField("scheduler.tick", cfg.Scheduler.Tick)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:    cfg.Scheduler.Enabled,
		Timezone:   strings.TrimSpace(cfg.Scheduler.Timezone),
		Tick:       tick,
		MaxCatchUp: cfg.Scheduler.MaxCatchUp,
	}, nil
}

// mapEngineConfig returns the engine and executor settings. An omitted
// engine section follows scheduler.enabled.
func mapEngineConfig(cfg *config.Config) (engine.Config, executor.Config, error) {
	e := config.EngineConfig{}
	if cfg.Engine != nil {
		e = *cfg.Engine
	}
	enabled := cfg.Scheduler.Enabled
	if e.Enabled != nil {
		enabled = *e.Enabled
	}
	if cfg.Scheduler.Enabled && !enabled {
		return engine.Config{}, executor.Config{}, fmt.Errorf("engine.enabled cannot be false while scheduler.enabled is true")
	}

	backoff, err := config.ParseDurationField("engine.retry_backoff", e.RetryBackoff)
	if err != nil {
		return engine.Config{}, executor.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("engine.retry_max_delay", e.RetryMaxDelay)
	if err != nil {
		return engine.Config{}, executor.Config{}, err
	}
	timeout, err := config.ParseDurationField("engine.default_timeout", e.DefaultTimeout)
	if err != nil {
		return engine.Config{}, executor.Config{}, err
	}
	poll, err := config.ParseDurationField("engine.poll_interval", e.PollInterval)
	if err != nil {
		return engine.Config{}, executor.Config{}, err
	}

	return engine.Config{
			Enabled:        enabled,
			Workers:        e.Workers,
			MaxReruns:      e.MaxReruns,
			RetryBackoff:   backoff,
			RetryMaxDelay:  maxDelay,
			DefaultTimeout: timeout,
			HistorySize:    e.HistorySize,
			PollInterval:   poll,
		}, executor.Config{
			ResultLimit: e.ResultLimit,
			OutputLimit: e.OutputLimit,
			Shell:       e.Shell,
		}, nil
}

func mapDrivers(cfg *config.Config) []drivers.Driver {
	out := make([]drivers.Driver, 0, len(cfg.Drivers))
	for _, d := range cfg.Drivers {
		out = append(out, drivers.Driver{
			Name:        strings.TrimSpace(d.Name),
			Transport:   strings.TrimSpace(d.Transport),
			ResultQuery: d.ResultQuery,
			Target:      d.Target,
		})
	}
	return out
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if !storage.ValidDriver(driver) {
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
}

// mapNotifierConfig maps the notifier section. An omitted section enables
// the notifier with the log sink only.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{Enabled: true}, nil
	}
	retryBase, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMax, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMax,
		DedupWindow:     dedup,
		DedupMaxEntries: n.DedupMaxEntries,
		From:            strings.TrimSpace(n.From),
		DefaultTo:       append([]string(nil), n.DefaultTo...),
		SMTP: notifier.SMTPConfig{
			Addr:     strings.TrimSpace(n.SMTP.Addr),
			Username: n.SMTP.Username,
			Password: n.SMTP.Password,
		},
		Telegram: notifier.TelegramConfig{
			Token:  strings.TrimSpace(n.Telegram.Token),
			ChatID: n.Telegram.ChatID,
		},
	}, nil
}

func mapDiagConfig(cfg *config.Config) diag.Config {
	return diag.Config{
		Enabled:       cfg.Diag.Enabled,
		Addr:          strings.TrimSpace(cfg.Diag.Addr),
		Token:         strings.TrimSpace(cfg.Diag.Token),
		AllowInsecure: cfg.Diag.AllowInsecure,
	}
}

// validateConfig runs every mapping so a hot reload is rejected before any
// component sees it.
func validateConfig(cfg *config.Config) error {
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := drivers.NewRegistry(mapDrivers(cfg)); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	_, err := mapNotifierConfig(cfg)
	return err
}

// ValidateConfig reports whether cfg can be loaded, without opening
// anything.
func ValidateConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return validateConfig(cfg)
}
