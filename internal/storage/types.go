package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "memory": private in-memory SQLite database (tests, dry runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// AuditEntry records one send attempt.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At          time.Time `json:"at"`
	BroadcastID int64     `json:"broadcast_id"`
	Trigger     string    `json:"trigger"`
	Status      string    `json:"status"`
	Recipients  int       `json:"recipients"`
	Pairs       int       `json:"pairs"`
	Delivered   int       `json:"delivered"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	Error       string    `json:"error,omitempty"`
	TookMS      int64     `json:"took_ms"`
}
