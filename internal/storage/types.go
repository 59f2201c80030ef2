package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the audit ledger.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", the ledger is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	RetainDays  int           // prune horizon; 0 means keep 30 days
}

// JobRecord is the aggregate outcome of one dispatch job.
// Keep it compact and schema-stable; message content never lands here.
type JobRecord struct {
	At        time.Time `json:"at"`
	JobID     string    `json:"job_id"`
	Total     int       `json:"total"`
	Delivered int       `json:"delivered"`
	Failed    int       `json:"failed"`
	TookMS    int64     `json:"took_ms"`
	// FailuresJSON is a compact JSON array of per-target failure reasons,
	// empty when everything delivered.
	FailuresJSON string `json:"failures,omitempty"`
}

// SessionEvent records a connection lifecycle event.
type SessionEvent struct {
	At     time.Time `json:"at"`
	Event  string    `json:"event"`
	Detail string    `json:"detail,omitempty"`
}

// RetainFor is the retention horizon used by the prune maintenance job.
func (c Config) RetainFor() time.Duration {
	days := c.RetainDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}
