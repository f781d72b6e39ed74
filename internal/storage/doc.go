// Package storage persists job definitions, their version history and the
// dispatcher watermarks.
//
// Drivers:
//   - "memory": process-local, for tests and throwaway runs
//   - "file": JSON snapshot plus append-only journal, no external deps
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
package storage
