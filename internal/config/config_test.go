package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  format: json
scheduler:
  enabled: true
  timezone: Europe/Berlin
  tick: 15s
  max_catch_up: 2
engine:
  workers: 4
  max_reruns: 3
  retry_backoff: 30s
  default_timeout: 10m
drivers:
  - name: warehouse
    transport: postgres
    target: postgres://{user}:{password}@db:5432/dwh?sslmode=disable
storage:
  driver: sqlite
  path: ./qcron.db
notifier:
  enabled: true
  from: qcron@example.com
  default_to: [oncall@example.com]
  smtp:
    addr: mail.example.com:587
`

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("qcron.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 2, cfg.Scheduler.MaxCatchUp)
	require.NotNil(t, cfg.Engine)
	assert.Equal(t, 3, cfg.Engine.MaxReruns)
	require.Len(t, cfg.Drivers, 1)
	assert.Equal(t, "postgres", cfg.Drivers[0].Transport)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	require.NotNil(t, cfg.Notifier)
	assert.Equal(t, []string{"oncall@example.com"}, cfg.Notifier.DefaultTo)
}

func TestDecodeIsStrict(t *testing.T) {
	_, err := Decode("qcron.yaml", []byte("scheduler:\n  enabled: true\n  workers: 3\n"))
	assert.ErrorContains(t, err, "workers")

	_, err = Decode("qcron.json", []byte(`{"scheduler":{"enabled":true}} {"x":1}`))
	assert.Error(t, err)

	cfg, err := Decode("empty.yaml", nil)
	require.NoError(t, err)
	assert.False(t, cfg.Scheduler.Enabled)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	off := false
	cfg := &Config{
		Logging:   LoggingConfig{Level: "loud"},
		Scheduler: SchedulerConfig{Enabled: true, Timezone: "Mars/Base", Tick: "10ms", MaxCatchUp: -1},
		Engine:    &EngineConfig{Enabled: &off, Workers: -1, RetryBackoff: "soon"},
		Drivers: []DriverConfig{
			{Name: "a", Transport: "sqlite", Target: "a.db"},
			{Name: "a", Transport: "sqlite", Target: "b.db"},
			{Name: "", Transport: "", Target: ""},
		},
		Storage:  &StorageConfig{Driver: "sqlite"},
		Notifier: &NotifierConfig{SMTP: SMTPConfig{Addr: "nohost"}, Telegram: TelegramConfig{Token: "t"}},
	}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"logging.level",
		"scheduler.timezone",
		"scheduler.tick",
		"scheduler.max_catch_up",
		"engine.workers",
		"engine.retry_backoff",
		"engine.enabled cannot be false",
		"duplicate name",
		"drivers[2].name",
		"storage.path",
		"notifier.smtp.addr",
		"notifier.from",
		"notifier.telegram.chat_id",
	} {
		assert.ErrorContains(t, err, want)
	}

	assert.NoError(t, (&Config{}).Validate())
}

func TestParseDurationField(t *testing.T) {
	d, err := ParseDurationField("x", " 1m30s ")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	d, err = ParseDurationField("x", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = ParseDurationField("engine.retry_backoff", "-1s")
	assert.ErrorContains(t, err, "engine.retry_backoff")

	d, err = ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg, err := Decode("a.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	newCfg, err := Decode("a.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	assert.Empty(t, changed)

	newCfg.Scheduler.Tick = "30s"
	newCfg.Storage.Path = "./other.db"
	newCfg.Notifier.SMTP.Password = "hunter2"
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"notifier", "scheduler", "storage"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"storage"}, NeedsRestart(changed))

	changed, _ = SummarizeConfigChange(nil, newCfg)
	assert.Contains(t, changed, "drivers")
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func TestManagerLoadAndWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qcron.yaml")
	writeFile(t, path, "scheduler:\n  enabled: true\n  tick: 15s\n")

	m := NewConfigManager(path)
	m.SetDebounce(20 * time.Millisecond)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "15s", cfg.Scheduler.Tick)
	assert.Same(t, cfg, m.Get())

	rejectTZ := errors.New("no berlin")
	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Scheduler.Timezone == "Europe/Berlin" {
			return rejectTZ
		}
		return nil
	})

	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	writeFile(t, path, "scheduler:\n  enabled: true\n  tick: 30s\n")
	select {
	case got := <-sub:
		assert.Equal(t, "30s", got.Scheduler.Tick)
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}

	// invalid and rejected configs are not published
	writeFile(t, path, "scheduler:\n  bogus: 1\n")
	writeFile(t, path, "scheduler:\n  enabled: true\n  timezone: Europe/Berlin\n")
	select {
	case got := <-sub:
		t.Fatalf("unexpected publish: %+v", got.Scheduler)
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, "30s", m.Get().Scheduler.Tick)
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewConfigManager("unused.yaml")
	sub := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-sub)
	m.Unsubscribe(sub)
	_, ok := <-sub
	assert.False(t, ok)
}

func TestExampleConfigIsValid(t *testing.T) {
	m := NewConfigManager(filepath.Join("..", "..", "configs", "qcron.example.yaml"))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", cfg.Scheduler.Timezone)
	require.Len(t, cfg.Drivers, 2)
	assert.Equal(t, "postgres", cfg.Drivers[0].Transport)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, []string{"oncall@example.com"}, cfg.Notifier.DefaultTo)
}
