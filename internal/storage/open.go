package storage

import (
	"context"
	"errors"
	"strings"

	logx "sitewatch/pkg/logx"
)

// Store is the subscription persistence API shared by all drivers.
//
// Every method re-reads or atomically mutates the backing store; callers must
// never cache the subscription set across calls. All() returns a snapshot that
// is consistent at the instant of the call and safe to iterate while writers
// proceed.
type Store interface {
	// Register inserts or overwrites the Watch for (subscriber, url).
	Register(ctx context.Context, subscriber int64, url, digest string) error

	// Unregister removes the Watch if present and reports whether it existed.
	Unregister(ctx context.Context, subscriber int64, url string) (bool, error)

	// List returns the subscriber's Watches, ordered by URL.
	List(ctx context.Context, subscriber int64) ([]Watch, error)

	// All returns every Watch in the system, ordered by subscriber then URL.
	All(ctx context.Context) ([]Watch, error)

	// UpdateDigest overwrites one Watch's digest in place. It is a no-op (not
	// an error) if the Watch was removed between read and write; the next
	// registration or sweep re-establishes correctness.
	UpdateDigest(ctx context.Context, subscriber int64, url, digest string) error

	Close() error
}

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "redis":
		return openRedis(ctx, cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
