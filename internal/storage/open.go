package storage

import (
	"errors"
	"strings"

	logx "schoolcast/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (*SQLite, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("sqlite path is required")
		}
		return openSQLite(cfg.Path, cfg, log)
	case "memory":
		return openSQLite(":memory:", cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
