package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "sitemon/pkg/logx"
)

// Store is the persistence API used by the results sink.
type Store interface {
	AppendResults(ctx context.Context, entries []ResultEntry) error
	// QueryResults returns matching entries oldest first.
	QueryResults(ctx context.Context, q Query) ([]ResultEntry, error)
	// PruneBefore deletes entries older than t and reports how many went.
	PruneBefore(ctx context.Context, t time.Time) (int, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
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
