package app

import (
	"fmt"
	"strings"
	"time"

	"jobflow/internal/config"
	"jobflow/internal/storage"
)

// mapJournalConfig returns enabled=false for driver "" or "none".
func mapJournalConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil {
		return storage.Config{}, false, nil
	}
	jc := cfg.Journal
	driver := strings.ToLower(strings.TrimSpace(jc.Driver))
	path := strings.TrimSpace(jc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("journal.path is required when journal.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("journal.busy_timeout", jc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown journal.driver: %s", jc.Driver)
	}
}
