package config

import (
	"reflect"
	"sort"
	"strings"

	logx "qcron/pkg/logx"
)

// RestartSections lists sections whose changes only take effect after a
// restart.
var RestartSections = []string{"drivers", "storage"}

// SummarizeConfigChange returns the changed sections and safe structured
// fields for logging. Secrets (passwords, tokens, driver targets) are never
// included; only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.tick", strings.TrimSpace(newCfg.Scheduler.Tick)),
			logx.Int("scheduler.max_catch_up", newCfg.Scheduler.MaxCatchUp),
		)
	}

	oE, nE := derefEngine(oldCfg.Engine), derefEngine(newCfg.Engine)
	if (oldCfg.Engine != nil) != (newCfg.Engine != nil) || !reflect.DeepEqual(oE, nE) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Bool("engine.present", newCfg.Engine != nil),
			logx.Int("engine.workers", nE.Workers),
			logx.Int("engine.max_reruns", nE.MaxReruns),
			logx.String("engine.retry_backoff", nE.RetryBackoff),
			logx.String("engine.default_timeout", nE.DefaultTimeout),
			logx.Int("engine.history_size", nE.HistorySize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Drivers, newCfg.Drivers) {
		changed = append(changed, "drivers")
		names := make([]string, len(newCfg.Drivers))
		for i, d := range newCfg.Drivers {
			names[i] = d.Name
		}
		attrs = append(attrs, logx.Strings("drivers.names", names))
	}

	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nS.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.busy_timeout", nS.BusyTimeout),
		)
	}

	oN, nN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if (oldCfg.Notifier != nil) != (newCfg.Notifier != nil) || !reflect.DeepEqual(oN, nN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newCfg.Notifier == nil || nN.Enabled),
			logx.Int("notifier.workers", nN.Workers),
			logx.Int("notifier.rate_per_sec", nN.RatePerSec),
			logx.Int("notifier.default_to_count", len(nN.DefaultTo)),
			logx.Bool("notifier.smtp_set", strings.TrimSpace(nN.SMTP.Addr) != ""),
			logx.Bool("notifier.telegram_set", strings.TrimSpace(nN.Telegram.Token) != ""),
		)
	}

	if oldCfg.Diag != newCfg.Diag {
		changed = append(changed, "diag")
		attrs = append(attrs,
			logx.Bool("diag.enabled", newCfg.Diag.Enabled),
			logx.String("diag.addr", newCfg.Diag.Addr),
			logx.Bool("diag.token_set", newCfg.Diag.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// NeedsRestart reports the changed sections that cannot be applied live.
func NeedsRestart(changed []string) []string {
	var out []string
	for _, c := range changed {
		for _, r := range RestartSections {
			if c == r {
				out = append(out, c)
			}
		}
	}
	return out
}

func derefEngine(e *EngineConfig) EngineConfig {
	if e == nil {
		return EngineConfig{}
	}
	return *e
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}
