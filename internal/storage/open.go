package storage

import (
	"errors"
	"strings"

	logx "qcron/pkg/logx"
)

// Open initializes the configured store. An empty driver selects the
// in-memory store.
func Open(cfg Config, log logx.Logger, opts ...Option) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory":
		return NewMemory(opts...), nil
	case "file":
		return openFile(cfg, log, opts...)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log, opts...)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// ValidDriver reports whether Open understands driver.
func ValidDriver(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory", "file", "sqlite", "sqlite3":
		return true
	}
	return false
}
