package config

// Config is the root configuration for the gateway daemon.
//
// Files may be JSON or YAML (by extension). Unknown fields are rejected so
// typos fail loudly instead of silently using defaults.
type Config struct {
	HTTP     HTTPConfig     `json:"http"`
	Logging  LoggingConfig  `json:"logging"`
	Session  SessionConfig  `json:"session"`
	Dispatch DispatchConfig `json:"dispatch"`

	Alert   *AlertConfig   `json:"alert,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`
}

// HTTPConfig controls the control-plane HTTP server.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type HTTPConfig struct {
	Addr         string `json:"addr,omitempty"` // default: "127.0.0.1:8799"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// SessionConfig controls the connection lifecycle supervisor.
//
// Pacing and retry intervals are deliberately fixed constants in the
// session package; only operator-facing switches live here.
//
// AutoRefreshPairing is a pointer so we can distinguish "omitted" (default
// true) from an explicit false.
type SessionConfig struct {
	AutoRefreshPairing *bool `json:"auto_refresh_pairing,omitempty"`
}

// DispatchConfig controls bulk send pacing. Zero values fall back to the
// dispatch package defaults; the section hot-reloads.
type DispatchConfig struct {
	Workers        int    `json:"workers,omitempty"`
	BatchSize      int    `json:"batch_size,omitempty"`
	MediaBatchSize int    `json:"media_batch_size,omitempty"`
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
	MaxAttempts    int    `json:"max_attempts,omitempty"`
	AttemptDelay   string `json:"attempt_delay,omitempty"`
	BatchDelay     string `json:"batch_delay,omitempty"`
	MediaDelay     string `json:"media_batch_delay,omitempty"`
}

// AlertConfig controls the optional Telegram ops-alert channel.
// Token and ChatID are both required for alerts to fire.
type AlertConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"` // do not log
	ChatID     int64  `json:"chat_id,omitempty"`
	RatePerMin int    `json:"rate_per_min,omitempty"` // default: 6
}

// StorageConfig controls the optional dispatch audit ledger.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./wagate_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	RetainDays  int    `json:"retain_days,omitempty"`  // default: 30
}
