package app

import (
	"time"

	"wagate/internal/alert"
	"wagate/internal/config"
	"wagate/internal/dispatch"
	"wagate/internal/httpapi"
	"wagate/internal/storage"
	logx "wagate/pkg/logx"
)

// Mapping between the config file's raw sections (string durations,
// optional pointers) and each component's typed config.

func logxConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

func autoRefresh(c config.SessionConfig) bool {
	if c.AutoRefreshPairing == nil {
		return true
	}
	return *c.AutoRefreshPairing
}

func dispatchConfig(c config.DispatchConfig) (dispatch.Config, error) {
	attempt, err := config.ParseDurationOrDefault("dispatch.attempt_delay", c.AttemptDelay, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	batch, err := config.ParseDurationOrDefault("dispatch.batch_delay", c.BatchDelay, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	media, err := config.ParseDurationOrDefault("dispatch.media_batch_delay", c.MediaDelay, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Workers:         c.Workers,
		BatchSize:       c.BatchSize,
		MediaBatchSize:  c.MediaBatchSize,
		RatePerSec:      c.RatePerSec,
		MaxAttempts:     c.MaxAttempts,
		AttemptDelay:    attempt,
		BatchDelay:      batch,
		MediaBatchDelay: media,
	}, nil
}

func httpOptions(c config.HTTPConfig) (httpapi.Options, error) {
	read, err := config.ParseDurationOrDefault("http.read_timeout", c.ReadTimeout, 0)
	if err != nil {
		return httpapi.Options{}, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", c.WriteTimeout, 0)
	if err != nil {
		return httpapi.Options{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", c.IdleTimeout, 0)
	if err != nil {
		return httpapi.Options{}, err
	}
	return httpapi.Options{
		Addr:         c.Addr,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}

func alertConfig(c *config.AlertConfig) alert.Config {
	if c == nil {
		return alert.Config{}
	}
	return alert.Config{
		Enabled:    c.Enabled,
		Token:      c.Token,
		ChatID:     c.ChatID,
		RatePerMin: c.RatePerMin,
	}
}

func storageConfig(c *config.StorageConfig) storage.Config {
	if c == nil {
		return storage.Config{}
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", c.BusyTimeout, 0)
	if err != nil {
		busy = time.Duration(0)
	}
	return storage.Config{
		Driver:      c.Driver,
		Path:        c.Path,
		BusyTimeout: busy,
		RetainDays:  c.RetainDays,
	}
}
