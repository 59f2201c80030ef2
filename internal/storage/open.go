package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "wagate/pkg/logx"
)

// Store is the minimal ledger API used by the app wiring.
type Store interface {
	AppendJob(ctx context.Context, r JobRecord) error
	AppendSession(ctx context.Context, e SessionEvent) error

	// RecentJobs returns up to limit job records, newest first.
	RecentJobs(ctx context.Context, limit int) ([]JobRecord, error)

	// Prune drops records older than the cutoff.
	Prune(ctx context.Context, before time.Time) error

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if the ledger is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
