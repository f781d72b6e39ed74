package config

// Config is the on-disk configuration (YAML or JSON).
//
// All durations are Go duration strings (e.g. "500ms", "15s", "5m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Engine controls execution. If omitted, it follows scheduler.enabled
	// with default settings.
	Engine *EngineConfig `json:"engine,omitempty"`

	Drivers  []DriverConfig  `json:"drivers"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Diag     DiagConfig      `json:"diag"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	// Format is "console" (default) or "json".
	Format string      `json:"format,omitempty"`
	File   LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the dispatcher.
//
// Defaults:
//   - tick: "15s"
//   - max_catch_up: 1
//   - timezone: local time
type SchedulerConfig struct {
	Enabled    bool   `json:"enabled"`
	Timezone   string `json:"timezone,omitempty"`
	Tick       string `json:"tick,omitempty"`
	MaxCatchUp int    `json:"max_catch_up,omitempty"`
}

// EngineConfig controls the worker pool and retry policy.
//
// Enabled is a pointer so we can distinguish "omitted" (default to
// scheduler.enabled) from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - max_reruns: 1 (total attempts)
//   - retry_backoff: "0s" (retry immediately)
//   - retry_max_delay: "5m"
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
//   - poll_interval: "1s"
//   - result_limit: 100
type EngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	MaxReruns      int    `json:"max_reruns,omitempty"`
	RetryBackoff   string `json:"retry_backoff,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	PollInterval   string `json:"poll_interval,omitempty"`
	ResultLimit    int    `json:"result_limit,omitempty"`
	OutputLimit    int    `json:"output_limit,omitempty"`
	Shell          string `json:"shell,omitempty"`
}

// DriverConfig names a backend that query jobs run against.
//
// Example:
//
//	{ "name": "warehouse", "transport": "postgres",
//	  "target": "postgres://{user}:{password}@db:5432/dwh?sslmode=disable" }
type DriverConfig struct {
	Name        string `json:"name"`
	Transport   string `json:"transport"`
	Target      string `json:"target"`
	ResultQuery string `json:"result_query,omitempty"`
}

// StorageConfig selects the job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./qcron.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// NotifierConfig controls the async notification pipeline.
//
// If the whole section is omitted, the notifier is enabled with the log
// sink only.
type NotifierConfig struct {
	Enabled         bool     `json:"enabled"`
	Workers         int      `json:"workers,omitempty"`
	QueueSize       int      `json:"queue_size,omitempty"`
	RatePerSec      int      `json:"rate_per_sec,omitempty"`
	RetryMax        int      `json:"retry_max,omitempty"`
	RetryBase       string   `json:"retry_base,omitempty"`
	RetryMaxDelay   string   `json:"retry_max_delay,omitempty"`
	DedupWindow     string   `json:"dedup_window,omitempty"`
	DedupMaxEntries int      `json:"dedup_max_entries,omitempty"`
	From            string   `json:"from,omitempty"`
	DefaultTo       []string `json:"default_to,omitempty"`

	SMTP     SMTPConfig     `json:"smtp"`
	Telegram TelegramConfig `json:"telegram"`
}

type SMTPConfig struct {
	Addr     string `json:"addr"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // never logged
}

type TelegramConfig struct {
	Token  string `json:"token,omitempty"` // never logged
	ChatID int64  `json:"chat_id,omitempty"`
}

// DiagConfig controls the diagnostics HTTP server (/healthz, /status and
// /debug/pprof/). A non-loopback addr needs a token or allow_insecure.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default 127.0.0.1:6061
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
