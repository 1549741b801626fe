// Package storage keeps a journal of terminal job outcomes.
//
// Drivers:
//   - "file": append-only JSON Lines, recent entries served from memory
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//
// An empty driver or "none" disables the journal.
package storage
